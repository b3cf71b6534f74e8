package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"southwinds.dev/lockbox"
)

var (
	exportEnabled   bool
	exportInterval  int
	exportRetention int
	exportJSON      bool
	exportNoSave    bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write and manage timestamped vault exports",
}

var exportNowCmd = &cobra.Command{
	Use:   "now",
	Short: "Export the vault immediately",
	Long:  "Copy the active vault file to a timestamped export and prune old exports to the retention count.",
	Args:  cobra.NoArgs,
	RunE:  runExportNow,
}

var exportConfigureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Set the export schedule and retention",
	Long:  "Validate and store the export schedule in the config file. A running 'export run' picks it up on restart.",
	Args:  cobra.NoArgs,
	RunE:  runExportConfigure,
}

var exportListCmd = &cobra.Command{
	Use:   "list",
	Short: "List retained exports, newest first",
	Args:  cobra.NoArgs,
	RunE:  runExportList,
}

var exportRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the export scheduler in the foreground",
	Long:  "Export on the configured interval until interrupted. Failed exports are logged and retried at the next tick.",
	Args:  cobra.NoArgs,
	RunE:  runExportScheduler,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.AddCommand(exportNowCmd)
	exportCmd.AddCommand(exportConfigureCmd)
	exportCmd.AddCommand(exportListCmd)
	exportCmd.AddCommand(exportRunCmd)

	exportConfigureCmd.Flags().BoolVar(&exportEnabled, "enabled", true, "enable scheduled exports")
	exportConfigureCmd.Flags().IntVar(&exportInterval, "interval-hours", 0, "hours between exports (1-720, 0 keeps the current value)")
	exportConfigureCmd.Flags().IntVar(&exportRetention, "retention", 0, "exports kept per format (1-365, 0 keeps the current value)")
	exportConfigureCmd.Flags().BoolVar(&exportNoSave, "no-save", false, "validate only, do not write the config file")

	exportListCmd.Flags().BoolVar(&exportJSON, "json", false, "output as JSON")
}

func runExportNow(cmd *cobra.Command, args []string) error {
	path, err := vaultSvc.ExportNow(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Exported to %s\n", path)

	if status, err := vaultSvc.Status(); err == nil && status.LastExport != nil {
		last := status.LastExport
		fmt.Printf("Checksum: %s\n", last.Checksum)
		for _, name := range last.Pruned {
			fmt.Printf("Pruned: %s\n", name)
		}
		if last.Mirrored != "" {
			fmt.Printf("Mirrored to %s\n", last.Mirrored)
		}
	}
	return nil
}

func runExportConfigure(cmd *cobra.Command, args []string) error {
	if err := vaultSvc.ConfigureExport(exportEnabled, exportInterval, exportRetention); err != nil {
		return err
	}

	cfg := vaultSvc.ExportConfig()
	fmt.Printf("Exports %s, every %s, keep %d\n", enabledLabel(cfg.Enabled), cfg.Interval(), cfg.RetentionCount)

	if exportNoSave {
		return nil
	}

	configFile := getConfigFilePath(false)
	err := updateConfigFile(configFile, func(settings map[string]interface{}) error {
		setNestedKey(settings, "export.enabled", cfg.Enabled)
		setNestedKey(settings, "export.interval_hours", cfg.IntervalHours)
		setNestedKey(settings, "export.retention_count", cfg.RetentionCount)
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("Configuration saved to: %s\n", configFile)
	return nil
}

func runExportList(cmd *cobra.Command, args []string) error {
	exports, err := vaultSvc.ListExports(cmd.Context())
	if err != nil {
		return err
	}

	if exportJSON {
		return printJSON(exports)
	}

	if len(exports) == 0 {
		fmt.Println("No exports found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tFORMAT\tSIZE\tLOCATION")
	for _, e := range exports {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Format, e.Size, e.Location)
	}
	return w.Flush()
}

func runExportScheduler(cmd *cobra.Command, args []string) error {
	cfg := vaultSvc.ExportConfig()
	if !cfg.Enabled {
		return fmt.Errorf("scheduled exports are disabled; run 'lockbox export configure --enabled' first")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := lockbox.NewScheduler(vaultSvc, logger)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	fmt.Printf("Exporting every %s, keeping %d; press Ctrl+C to stop\n", cfg.Interval(), cfg.RetentionCount)
	<-ctx.Done()
	scheduler.Stop()

	if ctx.Err() != nil && cmd.Context().Err() == nil {
		fmt.Println("Scheduler stopped")
	}
	return nil
}

