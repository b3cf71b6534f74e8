package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusJSON bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an empty vault",
	Long: `Create an empty vault. With a passphrase available the vault is written encrypted,
otherwise as a plaintext document that 'passphrase set' migrates later.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vault status",
	Long:  "Display the vault state, entry and backup code counts, export schedule and memory protection level.",
	Args:  cobra.NoArgs,
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
}

func runInit(cmd *cobra.Command, args []string) error {
	if err := vaultSvc.Init(); err != nil {
		return err
	}

	state, err := vaultSvc.State()
	if err != nil {
		return err
	}
	fmt.Printf("Vault initialized (%s)\n", state)
	return nil
}

func showStatus(cmd *cobra.Command, args []string) error {
	status, err := vaultSvc.Status()
	if err != nil {
		return err
	}

	if statusJSON {
		return printJSON(status)
	}

	fmt.Println("Vault Status")
	fmt.Println("============")
	fmt.Printf("State: %s\n", status.StateName)
	fmt.Printf("Location: %s (%s)\n", status.Location, status.StoreType)
	fmt.Printf("Passphrase: %s\n", activeLabel(status.PassphraseActive))

	if status.Unlocked {
		fmt.Printf("Entries: %d\n", status.Entries)
		fmt.Printf("Backup Codes: %d unused, %d used\n", status.BackupsUnused, status.BackupsUsed)
		if !status.UpdatedAt.IsZero() {
			fmt.Printf("Last Modified: %s\n", status.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
		}
	} else {
		fmt.Println("Entries: locked")
	}

	fmt.Printf("Exports: %s, every %s, keep %d\n",
		enabledLabel(status.Export.Enabled), status.Export.Interval(), status.Export.RetentionCount)
	if status.LastExport != nil {
		fmt.Printf("Last Export: %s\n", status.LastExport.Path)
	}

	fmt.Printf("Memory Protection: %s\n", status.MemoryProtection)
	return nil
}

func activeLabel(active bool) string {
	if active {
		return "active"
	}
	return "not set"
}

func enabledLabel(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
