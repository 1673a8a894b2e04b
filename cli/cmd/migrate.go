package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"southwinds.dev/keyvault"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate legacy items to versioned envelopes",
	Long: `Items written before key versions existed are encrypted directly under the legacy key.
Migration wraps them in envelopes tagged with the current key version without re-encrypting
their values; a later rotation moves them off the legacy key.`,
}

var migrateRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the migration",
	RunE:  runMigrate,
}

var migrateCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Count items by format without changing anything",
	RunE:  runMigrateCheck,
}

var migratePreviewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Show how every item would be treated",
	RunE:  runMigratePreview,
}

var (
	migrateBatchSize int
	migrateDelay     time.Duration
	migrateTolerance float64
	migrateJSON      bool
)

func init() {
	rootCmd.AddCommand(migrateCmd)

	migrateCmd.AddCommand(migrateRunCmd)
	migrateCmd.AddCommand(migrateCheckCmd)
	migrateCmd.AddCommand(migratePreviewCmd)

	migrateRunCmd.Flags().IntVar(&migrateBatchSize, "batch-size", keyvault.DefaultMigrationBatchSize, "items per batch")
	migrateRunCmd.Flags().DurationVar(&migrateDelay, "batch-delay", keyvault.DefaultMigrationBatchDelay, "pause between batches (negative disables)")
	migrateRunCmd.Flags().Float64Var(&migrateTolerance, "tolerance", keyvault.DefaultMigrationFailureTolerance, "failure percentage still counted as success (0 allows none)")
	migrateRunCmd.Flags().BoolVar(&migrateJSON, "json", false, "output in JSON format")

	migrateCheckCmd.Flags().BoolVar(&migrateJSON, "json", false, "output in JSON format")
	migratePreviewCmd.Flags().BoolVar(&migrateJSON, "json", false, "output in JSON format")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	opts := keyvault.MigrationOptions{
		BatchSize:               migrateBatchSize,
		BatchDelay:              migrateDelay,
		FailureTolerancePercent: keyvault.FailureTolerance(migrateTolerance),
	}
	if !migrateJSON {
		opts.OnProgress = func(p keyvault.MigrationProgress) {
			fmt.Printf("  batch %d/%d: %d/%d processed (%d migrated, %d skipped, %d failed)\n",
				p.Batch, p.Batches, p.Processed, p.Total, p.Migrated, p.Skipped, p.Failed)
		}
		fmt.Println("Migrating legacy items...")
	}

	result, err := kv.MigrateToVersionedEnvelopes(cmd.Context(), keyvault.KeyVersion{}, opts)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if migrateJSON {
		if err = printJSON(result); err != nil {
			return auditCmdComplete(cmd, err, started)
		}
	} else {
		if result.Success {
			fmt.Println(okColor("✓ Migration completed"))
		} else {
			fmt.Println(errorColor("✗ Migration failed: too many items could not be migrated"))
		}
		fmt.Printf("  Migrated: %d\n", result.ItemsMigrated)
		fmt.Printf("  Skipped:  %d\n", result.ItemsSkipped)
		fmt.Printf("  Failed:   %d\n", result.ItemsFailed)
		for _, e := range result.Errors {
			fmt.Printf("  - %v\n", e)
		}
	}

	if !result.Success {
		return auditCmdComplete(cmd, fmt.Errorf("migration failed: %d of %d items failed",
			result.ItemsFailed, result.ItemsMigrated+result.ItemsFailed+result.ItemsSkipped), started)
	}
	return auditCmdComplete(cmd, nil, started)
}

func runMigrateCheck(cmd *cobra.Command, args []string) error {
	readiness, err := kv.ValidateMigrationReadiness(cmd.Context(), "")
	if err != nil {
		return err
	}

	if migrateJSON {
		return printJSON(readiness)
	}

	fmt.Printf("Total:      %d\n", readiness.Total)
	fmt.Printf("Versioned:  %d\n", readiness.Versioned)
	fmt.Printf("Legacy:     %d\n", readiness.Legacy)
	fmt.Printf("Unreadable: %d\n", readiness.Unreadable)
	if readiness.Ready {
		fmt.Println(okColor("✓ Ready to migrate"))
		return nil
	}
	fmt.Println(errorColor("✗ Unreadable items must be fixed or deleted first"))
	return nil
}

func runMigratePreview(cmd *cobra.Command, args []string) error {
	entries, err := kv.PreviewMigration(cmd.Context(), "")
	if err != nil {
		return err
	}

	if migrateJSON {
		return printJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println("No items found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tFORMAT\tKEY VERSION\tERROR")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Key, e.Classification, e.KEKVersion, e.Error)
	}
	return w.Flush()
}
