package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	backupCount  int
	backupLength int
	backupJSON   bool
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage one-time backup codes",
	Long:  "Generate backup codes that recover the passphrase, or use one to recover it.",
}

var generateBackupCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate backup codes",
	Long: `Generate one-time backup codes for the active passphrase.

The codes are printed once and never stored. Keep them offline; each one recovers
the passphrase a single time.`,
	Args: cobra.NoArgs,
	RunE: runGenerateBackup,
}

var useBackupCmd = &cobra.Command{
	Use:   "use [code]",
	Short: "Recover the passphrase with a backup code",
	Long:  "Spend a backup code to recover the passphrase. Works without the passphrase. Without an argument the code is prompted for.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runUseBackup,
}

func init() {
	rootCmd.AddCommand(backupCmd)

	backupCmd.AddCommand(generateBackupCmd)
	backupCmd.AddCommand(useBackupCmd)

	generateBackupCmd.Flags().IntVarP(&backupCount, "count", "n", 5, "number of codes (1-10)")
	generateBackupCmd.Flags().IntVarP(&backupLength, "length", "l", 20, "code length (12-48)")
	generateBackupCmd.Flags().BoolVar(&backupJSON, "json", false, "output as JSON")
}

func runGenerateBackup(cmd *cobra.Command, args []string) error {
	codes, err := vaultSvc.GenerateBackupCodes(backupCount, backupLength)
	if err != nil {
		return err
	}

	if backupJSON {
		return printJSON(map[string]interface{}{"codes": codes})
	}

	fmt.Println("Backup codes (shown once):")
	for i, code := range codes {
		fmt.Printf("  %2d. %s\n", i+1, code)
	}
	return nil
}

func runUseBackup(cmd *cobra.Command, args []string) error {
	var code string
	if len(args) == 1 {
		code = args[0]
	} else {
		var err error
		if code, err = readSecret("Backup code: "); err != nil {
			return err
		}
	}

	passphrase, err := vaultSvc.UseBackupCode(strings.TrimSpace(code))
	if err != nil {
		return err
	}

	fmt.Println("Passphrase recovered:")
	fmt.Println(passphrase)
	fmt.Println("Rotate it with 'lockbox passphrase rotate' if it may be compromised.")
	return nil
}
