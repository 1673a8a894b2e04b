package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"southwinds.dev/keyvault"
)

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the key encryption key",
	Long: `Generate a new key encryption key version, make it current for new items, and
re-encrypt existing items when the rotation policy enables background re-encryption.
Versions beyond the policy maximum are retired once nothing references them.`,
	RunE: runRotate,
}

var keysCmd = &cobra.Command{
	Use:     "keys",
	Aliases: []string{"key"},
	Short:   "Manage key encryption key versions",
	Long:    `List key versions, re-encrypt items, retire old versions and manage the rotation policy.`,
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List key versions",
	RunE:  runKeyList,
}

var keyReEncryptCmd = &cobra.Command{
	Use:   "reencrypt [service...]",
	Short: "Move items to the current key version",
	Long:  `Re-encrypt the items of the given services, or of every service, under the current key version.`,
	RunE:  runKeyReEncrypt,
}

var keyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Retire key versions beyond the policy maximum",
	Long: `Retire the oldest key versions beyond the policy maximum. A version is only retired when
no item references it and its successor is older than the retention grace period.`,
	RunE: runKeyPrune,
}

var keyRetireCmd = &cobra.Command{
	Use:   "retire <version>",
	Short: "Retire a key version",
	Long: `Permanently delete a key version. The current version and versions still referenced by
items cannot be retired.`,
	Args: cobra.ExactArgs(1),
	RunE: runKeyRetire,
}

var keyPolicyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Show or change the rotation policy",
	Long: `Show the rotation policy. Flags change the given fields and store the policy, for example:

  keyvault keys policy --interval 720h --max-versions 5`,
	RunE: runKeyPolicy,
}

var (
	rotateReason   string
	rotateForce    bool
	rotateServices []string
	rotateYes      bool
	keysJSON       bool

	policyEnabled            bool
	policyInterval           time.Duration
	policyMaxVersions        int
	policyManual             bool
	policyBackground         bool
	policyOnBiometricChange  bool
	policyOnCredentialChange bool
)

func init() {
	rootCmd.AddCommand(rotateCmd)
	rootCmd.AddCommand(keysCmd)

	keysCmd.AddCommand(keyListCmd)
	keysCmd.AddCommand(keyReEncryptCmd)
	keysCmd.AddCommand(keyPruneCmd)
	keysCmd.AddCommand(keyRetireCmd)
	keysCmd.AddCommand(keyPolicyCmd)

	rotateCmd.Flags().StringVar(&rotateReason, "reason", string(keyvault.RotationReasonManual), "rotation reason (manual, scheduled, security-audit)")
	rotateCmd.Flags().BoolVar(&rotateForce, "force", false, "rotate even when the policy says it is not needed")
	rotateCmd.Flags().StringSliceVar(&rotateServices, "services", nil, "limit re-encryption to these services")
	rotateCmd.Flags().BoolVarP(&rotateYes, "yes", "y", false, "do not ask for confirmation")
	rotateCmd.Flags().BoolVar(&keysJSON, "json", false, "output in JSON format")

	keyListCmd.Flags().BoolVar(&keysJSON, "json", false, "output in JSON format")
	keyReEncryptCmd.Flags().BoolVar(&keysJSON, "json", false, "output in JSON format")
	keyRetireCmd.Flags().BoolVarP(&rotateYes, "yes", "y", false, "do not ask for confirmation")

	defaults := keyvault.DefaultRotationPolicy()
	keyPolicyCmd.Flags().BoolVar(&policyEnabled, "enabled", defaults.Enabled, "enable scheduled rotation")
	keyPolicyCmd.Flags().DurationVar(&policyInterval, "interval", defaults.RotationInterval, "scheduled rotation interval")
	keyPolicyCmd.Flags().IntVar(&policyMaxVersions, "max-versions", defaults.MaxKeyVersions, "key versions to keep")
	keyPolicyCmd.Flags().BoolVar(&policyManual, "manual", defaults.ManualRotationEnabled, "allow manual rotation")
	keyPolicyCmd.Flags().BoolVar(&policyBackground, "background-reencryption", defaults.BackgroundReEncryption, "re-encrypt items after rotation")
	keyPolicyCmd.Flags().BoolVar(&policyOnBiometricChange, "rotate-on-biometric-change", defaults.RotateOnBiometricChange, "rotate when biometric enrollment changes")
	keyPolicyCmd.Flags().BoolVar(&policyOnCredentialChange, "rotate-on-credential-change", defaults.RotateOnCredentialChange, "rotate when the device credential changes")
	keyPolicyCmd.Flags().BoolVar(&keysJSON, "json", false, "output in JSON format")
}

func runRotate(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	if !rotateYes {
		fmt.Println("This will generate a new key version and re-encrypt existing items.")
		if !promptConfirmation("Continue?") {
			fmt.Println("Key rotation cancelled.")
			return auditCmdComplete(cmd, nil, started)
		}
	}

	fmt.Println("Starting key rotation...")
	result, err := kv.RotateKeys(cmd.Context(), keyvault.RotateOptions{
		Reason:   keyvault.RotationReason(rotateReason),
		Force:    rotateForce,
		Services: rotateServices,
	})
	if err != nil {
		if keyvault.KindOf(err) == keyvault.KindRotationNotNeeded {
			fmt.Println(warnColor("Rotation not needed yet; use --force to rotate anyway."))
			return auditCmdComplete(cmd, nil, started)
		}
		return auditCmdComplete(cmd, err, started)
	}

	if keysJSON {
		return auditCmdComplete(cmd, printJSON(result), started)
	}

	fmt.Println(okColor("✓ Key rotation completed"))
	fmt.Printf("  New Version:       %s\n", result.NewKeyVersion)
	if result.PreviousKeyVersion != "" {
		fmt.Printf("  Previous Version:  %s\n", result.PreviousKeyVersion)
	}
	fmt.Printf("  Items Re-encrypted: %d\n", result.ItemsReEncrypted)
	fmt.Printf("  Duration:          %s\n", result.Duration.Round(time.Millisecond))
	for _, v := range result.PrunedKeyVersions {
		fmt.Printf("  Retired:           %s\n", v)
	}
	printItemErrors(result.Errors)
	return auditCmdComplete(cmd, nil, started)
}

func printItemErrors(errs []keyvault.ItemError) {
	if len(errs) == 0 {
		return
	}
	fmt.Printf("\n%s\n", warnColor(fmt.Sprintf("%d item(s) could not be re-encrypted:", len(errs))))
	for _, e := range errs {
		fmt.Printf("  - %v\n", e)
	}
}

func runKeyList(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	versions := kv.KeyVersions()
	status := kv.RotationStatus()

	if keysJSON {
		return auditCmdComplete(cmd, printJSON(versions), started)
	}

	if len(versions) == 0 {
		fmt.Println("No key versions yet; the first one is created when an item is stored.")
		return auditCmdComplete(cmd, nil, started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tSTATUS\tCREATED\tREASON")
	for _, v := range versions {
		state := dimColor("previous")
		if status.CurrentKeyVersion != nil && status.CurrentKeyVersion.ID == v.ID {
			state = okColor("current")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.ID, state, formatTime(v.CreatedAt), v.Reason)
	}
	return auditCmdComplete(cmd, w.Flush(), started)
}

func runKeyReEncrypt(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	result, err := kv.ReEncrypt(cmd.Context(), args...)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if keysJSON {
		return auditCmdComplete(cmd, printJSON(result), started)
	}
	fmt.Printf("%s %d item(s)\n", okColor("✓ Re-encrypted"), result.ItemsReEncrypted)
	printItemErrors(result.Errors)
	return auditCmdComplete(cmd, result.Err(), started)
}

func runKeyPrune(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	pruned, err := kv.PruneKeyVersions(cmd.Context())
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	if len(pruned) == 0 {
		fmt.Println("Nothing to retire.")
		return auditCmdComplete(cmd, nil, started)
	}
	for _, v := range pruned {
		fmt.Printf("%s %s\n", okColor("✓ Retired"), v)
	}
	return auditCmdComplete(cmd, nil, started)
}

func runKeyRetire(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	if !rotateYes && !promptConfirmation(fmt.Sprintf("Permanently delete key version %s?", args[0])) {
		fmt.Println("Retirement cancelled.")
		return auditCmdComplete(cmd, nil, started)
	}

	if err := kv.RetireKeyVersion(cmd.Context(), args[0]); err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	fmt.Printf("%s %s\n", okColor("✓ Retired"), args[0])
	return auditCmdComplete(cmd, nil, started)
}

func runKeyPolicy(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	policy := kv.RotationStatus().Policy
	flags := cmd.Flags()
	changed := false
	apply := func(name string, fn func()) {
		if flags.Changed(name) {
			fn()
			changed = true
		}
	}
	apply("enabled", func() { policy.Enabled = policyEnabled })
	apply("interval", func() { policy.RotationInterval = policyInterval })
	apply("max-versions", func() { policy.MaxKeyVersions = policyMaxVersions })
	apply("manual", func() { policy.ManualRotationEnabled = policyManual })
	apply("background-reencryption", func() { policy.BackgroundReEncryption = policyBackground })
	apply("rotate-on-biometric-change", func() { policy.RotateOnBiometricChange = policyOnBiometricChange })
	apply("rotate-on-credential-change", func() { policy.RotateOnCredentialChange = policyOnCredentialChange })

	if changed {
		if err := kv.UpdateRotationPolicy(cmd.Context(), policy); err != nil {
			return auditCmdComplete(cmd, err, started)
		}
		fmt.Println(okColor("✓ Rotation policy updated"))
	}

	if keysJSON {
		return auditCmdComplete(cmd, printJSON(policy), started)
	}
	printPolicy(policy)
	return auditCmdComplete(cmd, nil, started)
}

func printPolicy(policy keyvault.RotationPolicy) {
	fmt.Printf("  Scheduled Rotation:          %v\n", policy.Enabled)
	fmt.Printf("  Rotation Interval:           %s\n", policy.RotationInterval)
	fmt.Printf("  Manual Rotation:             %v\n", policy.ManualRotationEnabled)
	fmt.Printf("  Max Key Versions:            %d\n", policy.MaxKeyVersions)
	fmt.Printf("  Background Re-encryption:    %v\n", policy.BackgroundReEncryption)
	fmt.Printf("  Rotate On Biometric Change:  %v\n", policy.RotateOnBiometricChange)
	fmt.Printf("  Rotate On Credential Change: %v\n", policy.RotateOnCredentialChange)
}
