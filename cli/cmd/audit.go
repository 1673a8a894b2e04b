package cmd

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"southwinds.dev/keyvault"
	"southwinds.dev/keyvault/audit"
)

var (
	auditJsonOutput    bool
	auditSince         string
	auditUntil         string
	auditAction        string
	auditSuccessFilter string
	auditService       string
	auditItemKey       string
	auditKeyVersion    string
	auditLimit         int
	auditOffset        int
	auditFailuresOnly  bool
	auditDetails       bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and analyze audit logs",
	Long: `Query and analyze the audit trail written when audit logging is enabled.

Provides audit trail analysis including:
- Event filtering by time, action, item, key version and outcome
- Security critical events: rotations, invalidations and key retirements
- Summary statistics`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit logs with filters",
	Long: `Query audit logs with various filtering options.

Examples:
  # Failed events in the last 24 hours
  keyvault audit query --failures-only --since "$(date -d '24 hours ago' -Iseconds)"

  # Writes of one item
  keyvault audit query --action ITEM_SET --item-key db-password

  # Events recorded under one key version
  keyvault audit query --key-version 2024-01-01T00:00:00.000000000Z`,
	RunE: runAuditQuery,
}

var auditSecurityCmd = &cobra.Command{
	Use:   "security",
	Short: "Show rotations, invalidations and key retirements",
	RunE:  runAuditSecurity,
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show audit statistics",
	RunE:  runAuditStats,
}

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditSecurityCmd)
	auditCmd.AddCommand(auditStatsCmd)

	auditCmd.PersistentFlags().BoolVar(&auditJsonOutput, "json", false, "Output in JSON format")
	auditCmd.PersistentFlags().StringVar(&auditSince, "since", "", "Show events since this time (RFC3339 format)")
	auditCmd.PersistentFlags().StringVar(&auditUntil, "until", "", "Show events until this time (RFC3339 format)")
	auditCmd.PersistentFlags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to return")
	auditCmd.PersistentFlags().IntVar(&auditOffset, "offset", 0, "Number of events to skip")
	auditCmd.PersistentFlags().BoolVar(&auditDetails, "details", false, "Show detailed event information")

	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "Filter by specific action")
	auditQueryCmd.Flags().StringVar(&auditSuccessFilter, "success", "", "Filter by success status (true/false)")
	auditQueryCmd.Flags().StringVar(&auditService, "item-service", "", "Filter by item service")
	auditQueryCmd.Flags().StringVar(&auditItemKey, "item-key", "", "Filter by item key")
	auditQueryCmd.Flags().StringVar(&auditKeyVersion, "key-version", "", "Filter by key version")
	auditQueryCmd.Flags().BoolVar(&auditFailuresOnly, "failures-only", false, "Show only failed events")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	return queryAudit(options)
}

func runAuditSecurity(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	options.SecurityCritical = true
	return queryAudit(options)
}

func runAuditStats(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	// statistics cover every matching event
	options.Limit = 0
	options.Offset = 0

	result, err := auditLogger.Query(options)
	if err != nil {
		return fmt.Errorf("failed to query audit logs: %w", err)
	}

	stats := calculateAuditStats(result.Events)
	if auditJsonOutput {
		return printJSON(stats)
	}
	return displayAuditStats(stats)
}

func buildQueryOptions() (audit.QueryOptions, error) {
	options := audit.QueryOptions{
		Limit:      auditLimit,
		Offset:     auditOffset,
		Action:     auditAction,
		Service:    auditService,
		ItemKey:    auditItemKey,
		KeyVersion: auditKeyVersion,
	}

	if auditSince != "" {
		parsedTime, err := time.Parse(time.RFC3339, auditSince)
		if err != nil {
			return options, fmt.Errorf("invalid since time format: %w", err)
		}
		options.Since = &parsedTime
	}

	if auditUntil != "" {
		parsedTime, err := time.Parse(time.RFC3339, auditUntil)
		if err != nil {
			return options, fmt.Errorf("invalid until time format: %w", err)
		}
		options.Until = &parsedTime
	}

	if auditSuccessFilter != "" {
		success, err := strconv.ParseBool(auditSuccessFilter)
		if err != nil {
			return options, fmt.Errorf("invalid success filter format: %w", err)
		}
		options.Success = &success
	}

	if auditFailuresOnly {
		falseVal := false
		options.Success = &falseVal
	}
	return options, nil
}

func queryAudit(options audit.QueryOptions) error {
	result, err := auditLogger.Query(options)
	if err != nil {
		return fmt.Errorf("failed to query audit logs: %w", err)
	}

	if auditJsonOutput {
		return printJSON(result)
	}

	if err = displayAuditEvents(result.Events); err != nil {
		return err
	}
	if result.HasMore {
		fmt.Printf("\n%s\n", dimColor(fmt.Sprintf("showing %d of %d matching events; use --offset for more",
			len(result.Events), result.Filtered)))
	}
	return nil
}

func displayAuditEvents(events []audit.Event) error {
	if len(events) == 0 {
		fmt.Println("No audit events found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	if auditDetails {
		for _, event := range events {
			fmt.Fprintf(w, "Event ID:\t%s\n", event.ID)
			if event.RequestID != "" {
				fmt.Fprintf(w, "Request ID:\t%s\n", event.RequestID)
			}
			fmt.Fprintf(w, "Timestamp:\t%s\n", event.Timestamp.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(w, "Action:\t%s\n", event.Action)
			fmt.Fprintf(w, "Status:\t%s\n", eventStatus(event))

			if event.Error != "" {
				fmt.Fprintf(w, "Error:\t%s\n", event.Error)
			}
			if event.Service != "" {
				fmt.Fprintf(w, "Service:\t%s\n", event.Service)
			}
			if event.ItemKey != "" {
				fmt.Fprintf(w, "Item:\t%s\n", event.ItemKey)
			}
			if event.KeyVersion != "" {
				fmt.Fprintf(w, "Key Version:\t%s\n", event.KeyVersion)
			}
			if event.Source != "" {
				fmt.Fprintf(w, "Source:\t%s\n", event.Source)
			}

			if len(event.Metadata) > 0 {
				keys := make([]string, 0, len(event.Metadata))
				for k := range event.Metadata {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				fmt.Fprintf(w, "Metadata:\t")
				for _, k := range keys {
					fmt.Fprintf(w, "%s=%v ", k, event.Metadata[k])
				}
				fmt.Fprintf(w, "\n")
			}

			fmt.Fprintf(w, "────────────────────────────────────────\n")
		}
		return w.Flush()
	}

	fmt.Fprintf(w, "TIMESTAMP\tACTION\tSTATUS\tSERVICE\tITEM\tKEY VERSION\tERROR\n")
	for _, event := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			event.Timestamp.Format("2006-01-02 15:04:05"),
			event.Action,
			eventStatus(event),
			event.Service,
			truncate(event.ItemKey, 20),
			event.KeyVersion,
			truncate(event.Error, 30))
	}
	return w.Flush()
}

func eventStatus(event audit.Event) string {
	if event.Success {
		return okColor("SUCCESS")
	}
	return errorColor("FAILED")
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// AuditStats summarises a set of audit events.
type AuditStats struct {
	GeneratedAt        time.Time      `json:"generated_at"`
	TimeRange          string         `json:"time_range"`
	TotalEvents        int            `json:"total_events"`
	SuccessfulEvents   int            `json:"successful_events"`
	FailedEvents       int            `json:"failed_events"`
	SuccessRate        float64        `json:"success_rate"`
	ActionBreakdown    map[string]int `json:"action_breakdown"`
	DailyDistribution  map[string]int `json:"daily_distribution"`
	TopFailedActions   []ActionCount  `json:"top_failed_actions"`
	TopItems           []ActionCount  `json:"top_items"`
	FirstEvent         *time.Time     `json:"first_event,omitempty"`
	LastEvent          *time.Time     `json:"last_event,omitempty"`
	ItemOperations     int            `json:"item_operations"`
	KeyOperations      int            `json:"key_operations"`
	MigrationRuns      int            `json:"migration_runs"`
	CommandInvocations int            `json:"command_invocations"`
}

type ActionCount struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

func calculateAuditStats(events []audit.Event) AuditStats {
	stats := AuditStats{
		GeneratedAt:       time.Now().UTC(),
		ActionBreakdown:   make(map[string]int),
		DailyDistribution: make(map[string]int),
	}
	if len(events) == 0 {
		return stats
	}

	stats.TotalEvents = len(events)
	failedActions := make(map[string]int)
	itemCounts := make(map[string]int)

	for i := range events {
		event := events[i]
		if event.Success {
			stats.SuccessfulEvents++
		} else {
			stats.FailedEvents++
			failedActions[event.Action]++
		}

		stats.ActionBreakdown[event.Action]++
		stats.DailyDistribution[event.Timestamp.Format("2006-01-02")]++

		if event.ItemKey != "" {
			itemCounts[event.Service+"/"+event.ItemKey]++
		}

		switch {
		case strings.HasPrefix(event.Action, "ITEM_"):
			stats.ItemOperations++
		case audit.IsSecurityCritical(event.Action):
			stats.KeyOperations++
		case event.Action == keyvault.ActionMigrateComplete:
			stats.MigrationRuns++
		case event.Action == "command_start":
			stats.CommandInvocations++
		}

		if stats.FirstEvent == nil || event.Timestamp.Before(*stats.FirstEvent) {
			stats.FirstEvent = &events[i].Timestamp
		}
		if stats.LastEvent == nil || event.Timestamp.After(*stats.LastEvent) {
			stats.LastEvent = &events[i].Timestamp
		}
	}

	stats.SuccessRate = float64(stats.SuccessfulEvents) / float64(stats.TotalEvents) * 100
	stats.TopFailedActions = getTopCounts(failedActions, 5)
	stats.TopItems = getTopCounts(itemCounts, 5)

	if stats.FirstEvent != nil && stats.LastEvent != nil {
		duration := stats.LastEvent.Sub(*stats.FirstEvent)
		stats.TimeRange = fmt.Sprintf("%s (%.1f hours)", duration.String(), duration.Hours())
	}
	return stats
}

func displayAuditStats(stats AuditStats) error {
	fmt.Println(headerColor("Audit Statistics"))
	fmt.Printf("Generated at: %s\n", stats.GeneratedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("═══════════════════════════════════════\n\n")

	fmt.Printf("SUMMARY\n")
	fmt.Printf("───────\n")
	fmt.Printf("Total Events: %d\n", stats.TotalEvents)
	if stats.TotalEvents == 0 {
		return nil
	}
	fmt.Printf("Successful: %d (%.1f%%)\n", stats.SuccessfulEvents, stats.SuccessRate)
	fmt.Printf("Failed: %d (%.1f%%)\n", stats.FailedEvents, 100-stats.SuccessRate)
	if stats.TimeRange != "" {
		fmt.Printf("Time Range: %s\n", stats.TimeRange)
	}

	fmt.Printf("\nOPERATION BREAKDOWN\n")
	fmt.Printf("───────────────────\n")
	fmt.Printf("Item Operations: %d\n", stats.ItemOperations)
	fmt.Printf("Key Operations: %d\n", stats.KeyOperations)
	fmt.Printf("Migration Runs: %d\n", stats.MigrationRuns)
	fmt.Printf("CLI Commands: %d\n", stats.CommandInvocations)

	fmt.Printf("\nTOP ACTIONS\n")
	fmt.Printf("───────────\n")
	for _, a := range getTopCounts(stats.ActionBreakdown, 10) {
		fmt.Printf("  %s: %d\n", a.Action, a.Count)
	}

	if len(stats.TopFailedActions) > 0 {
		fmt.Printf("\nTOP FAILED ACTIONS\n")
		fmt.Printf("──────────────────\n")
		for _, a := range stats.TopFailedActions {
			fmt.Printf("  %s: %d failures\n", a.Action, a.Count)
		}
	}

	if len(stats.TopItems) > 0 {
		fmt.Printf("\nMOST WRITTEN ITEMS\n")
		fmt.Printf("──────────────────\n")
		for _, item := range stats.TopItems {
			fmt.Printf("  %s: %d operations\n", truncate(item.Action, 30), item.Count)
		}
	}
	return nil
}

func getTopCounts(counts map[string]int, limit int) []ActionCount {
	var out []ActionCount
	for name, count := range counts {
		out = append(out, ActionCount{Action: name, Count: count})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count == out[j].Count {
			return out[i].Action < out[j].Action
		}
		return out[i].Count > out[j].Count
	})

	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
