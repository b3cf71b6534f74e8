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
	"southwinds.dev/lockbox/audit"
)

var (
	auditJsonOutput     bool
	auditSince          string
	auditUntil          string
	auditAction         string
	auditSuccessFilter  string
	auditEntryKey       string
	auditLimit          int
	auditOffset         int
	auditPassphraseOnly bool
	auditFailuresOnly   bool
	auditDetails        bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and analyze the audit trail",
	Long: `Query and analyze the vault audit trail.

Only the file audit provider can be queried; syslog events are read with
the host's log tooling.`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit events with filters",
	Long: `Query audit events with various filtering options.

Examples:
  # Everything recorded in the last day
  lockbox audit query --since "$(date -d '24 hours ago' -Iseconds)"

  # Failed unlock attempts
  lockbox audit query --action VAULT_UNLOCK --failures-only

  # Passphrase, rotation and backup code events
  lockbox audit query --passphrase-only

  # Everything that touched one entry
  lockbox audit query --key db/password`,
	Args: cobra.NoArgs,
	RunE: runAuditQuery,
}

var auditFailuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Show failed operations",
	Args:  cobra.NoArgs,
	RunE:  runAuditFailures,
}

var auditPassphraseCmd = &cobra.Command{
	Use:   "passphrase",
	Short: "Show passphrase, rotation and backup code events",
	Args:  cobra.NoArgs,
	RunE:  runAuditPassphrase,
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the audit trail",
	Args:  cobra.NoArgs,
	RunE:  runAuditStats,
}

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditFailuresCmd)
	auditCmd.AddCommand(auditPassphraseCmd)
	auditCmd.AddCommand(auditStatsCmd)

	auditCmd.PersistentFlags().BoolVar(&auditJsonOutput, "json", false, "Output in JSON format")
	auditCmd.PersistentFlags().StringVar(&auditSince, "since", "", "Show events since this time (RFC3339 format)")
	auditCmd.PersistentFlags().StringVar(&auditUntil, "until", "", "Show events until this time (RFC3339 format)")
	auditCmd.PersistentFlags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to return")
	auditCmd.PersistentFlags().IntVar(&auditOffset, "offset", 0, "Number of events to skip")
	auditCmd.PersistentFlags().BoolVar(&auditDetails, "details", false, "Show detailed event information")

	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "Filter by action, e.g. EXPORT")
	auditQueryCmd.Flags().StringVar(&auditSuccessFilter, "success", "", "Filter by success status (true/false)")
	auditQueryCmd.Flags().StringVar(&auditEntryKey, "key", "", "Filter by entry key")
	auditQueryCmd.Flags().BoolVar(&auditPassphraseOnly, "passphrase-only", false, "Show only passphrase-related events")
	auditQueryCmd.Flags().BoolVar(&auditFailuresOnly, "failures-only", false, "Show only failed events")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	return queryAudit(options)
}

func runAuditFailures(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	failed := false
	options.Success = &failed
	return queryAudit(options)
}

func runAuditPassphrase(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	options.PassphraseAccess = true
	return queryAudit(options)
}

func runAuditStats(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	// stats cover the whole window, not one page
	options.Limit = 0
	options.Offset = 0

	result, err := vaultSvc.GetAudit().Query(options)
	if err != nil {
		return fmt.Errorf("failed to query audit log: %w", err)
	}

	stats := calculateAuditStats(result.Events)
	if auditJsonOutput {
		return printJSON(stats)
	}
	return displayAuditStats(stats)
}

func buildQueryOptions() (audit.QueryOptions, error) {
	options := audit.QueryOptions{
		Limit:            auditLimit,
		Offset:           auditOffset,
		PassphraseAccess: auditPassphraseOnly,
		Action:           strings.ToUpper(strings.TrimSpace(auditAction)),
		EntryKey:         auditEntryKey,
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
	result, err := vaultSvc.GetAudit().Query(options)
	if err != nil {
		return fmt.Errorf("failed to query audit log: %w", err)
	}

	if auditJsonOutput {
		return printJSON(result)
	}

	if err := displayAuditEvents(result.Events); err != nil {
		return err
	}
	if result.HasMore {
		fmt.Printf("\nShowing %d of %d matching events; use --offset %d for more\n",
			len(result.Events), result.Filtered, options.Offset+len(result.Events))
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
			fmt.Fprintf(w, "Timestamp:\t%s\n", event.Timestamp.Local().Format("2006-01-02 15:04:05"))
			fmt.Fprintf(w, "Action:\t%s\n", event.Action)
			fmt.Fprintf(w, "Status:\t%s\n", eventStatus(event))

			if event.Error != "" {
				fmt.Fprintf(w, "Error:\t%s\n", event.Error)
			}
			if event.EntryKey != "" {
				fmt.Fprintf(w, "Entry:\t%s\n", event.EntryKey)
			}
			if event.Source != "" {
				fmt.Fprintf(w, "Source:\t%s\n", event.Source)
			}
			if event.SessionID != "" {
				fmt.Fprintf(w, "Session:\t%s\n", event.SessionID)
			}
			if event.Command != "" {
				fmt.Fprintf(w, "Command:\t%s\n", event.Command)
			}
			if event.Duration > 0 {
				fmt.Fprintf(w, "Duration:\t%dms\n", event.Duration)
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

	fmt.Fprintf(w, "TIMESTAMP\tACTION\tSTATUS\tENTRY\tERROR\n")
	for _, event := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			event.Timestamp.Local().Format("2006-01-02 15:04:05"),
			event.Action,
			eventStatus(event),
			truncate(event.EntryKey, 24),
			truncate(event.Error, 40))
	}
	return w.Flush()
}

func eventStatus(event audit.Event) string {
	if event.Success {
		return "SUCCESS"
	}
	return "FAILED"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// AuditStats summarizes a window of audit events.
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
	TopEntries         []ActionCount  `json:"top_entries"`
	FirstEvent         *time.Time     `json:"first_event,omitempty"`
	LastEvent          *time.Time     `json:"last_event,omitempty"`
	PassphraseEvents   int            `json:"passphrase_events"`
	EntryEvents        int            `json:"entry_events"`
	ExportEvents       int            `json:"export_events"`
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
	entryCounts := make(map[string]int)

	for i := range events {
		event := &events[i]
		if event.Success {
			stats.SuccessfulEvents++
		} else {
			stats.FailedEvents++
			failedActions[event.Action]++
		}

		stats.ActionBreakdown[event.Action]++
		stats.DailyDistribution[event.Timestamp.Format("2006-01-02")]++

		if event.EntryKey != "" {
			entryCounts[event.EntryKey]++
		}

		switch {
		case audit.IsPassphraseAction(event.Action):
			stats.PassphraseEvents++
		case strings.HasPrefix(event.Action, "ENTRY_"):
			stats.EntryEvents++
		case strings.HasPrefix(event.Action, "EXPORT"):
			stats.ExportEvents++
		}

		if stats.FirstEvent == nil || event.Timestamp.Before(*stats.FirstEvent) {
			stats.FirstEvent = &event.Timestamp
		}
		if stats.LastEvent == nil || event.Timestamp.After(*stats.LastEvent) {
			stats.LastEvent = &event.Timestamp
		}
	}

	stats.SuccessRate = float64(stats.SuccessfulEvents) / float64(stats.TotalEvents) * 100
	stats.TopFailedActions = topCounts(failedActions, 5)
	stats.TopEntries = topCounts(entryCounts, 10)

	if stats.FirstEvent != nil && stats.LastEvent != nil {
		duration := stats.LastEvent.Sub(*stats.FirstEvent)
		stats.TimeRange = fmt.Sprintf("%s (%.1f hours)", duration.String(), duration.Hours())
	}

	return stats
}

func displayAuditStats(stats AuditStats) error {
	fmt.Printf("Audit Statistics\n")
	fmt.Printf("Generated at: %s\n", stats.GeneratedAt.Local().Format("2006-01-02 15:04:05"))
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
	fmt.Printf("──────────────────\n")
	fmt.Printf("Passphrase Operations: %d\n", stats.PassphraseEvents)
	fmt.Printf("Entry Operations: %d\n", stats.EntryEvents)
	fmt.Printf("Export Operations: %d\n", stats.ExportEvents)

	fmt.Printf("\nTOP ACTIONS\n")
	fmt.Printf("───────────\n")
	for _, action := range topCounts(stats.ActionBreakdown, 10) {
		fmt.Printf("  %s: %d\n", action.Action, action.Count)
	}

	if len(stats.TopFailedActions) > 0 {
		fmt.Printf("\nTOP FAILED ACTIONS\n")
		fmt.Printf("─────────────────\n")
		for _, action := range stats.TopFailedActions {
			fmt.Printf("  %s: %d failures\n", action.Action, action.Count)
		}
	}

	if len(stats.TopEntries) > 0 {
		fmt.Printf("\nMOST ACCESSED ENTRIES\n")
		fmt.Printf("────────────────────\n")
		for i, entry := range stats.TopEntries {
			if i >= 5 {
				break
			}
			fmt.Printf("  %s: %d accesses\n", truncate(entry.Action, 30), entry.Count)
		}
	}

	return nil
}

// topCounts orders by count, then name, and keeps the first limit.
func topCounts(counts map[string]int, limit int) []ActionCount {
	out := make([]ActionCount, 0, len(counts))
	for name, count := range counts {
		out = append(out, ActionCount{Action: name, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Action < out[j].Action
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
