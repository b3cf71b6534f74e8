package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"southwinds.dev/lockbox"
)

var (
	generateLength  int
	generateSymbols bool
	showReveal      bool
	clearBackups    bool
)

var passphraseCmd = &cobra.Command{
	Use:   "passphrase",
	Short: "Set, generate, show or rotate the vault passphrase",
}

var setPassphraseCmd = &cobra.Command{
	Use:   "set [passphrase]",
	Short: "Unlock the vault or encrypt a plaintext vault",
	Long: `Set the passphrase for this session.

An encrypted vault must open with it. A plaintext vault is re-written encrypted and
the plaintext file removed. Use 'passphrase rotate' to change the passphrase of an
encrypted vault. Without an argument the passphrase is prompted for.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSetPassphrase,
}

var generatePassphraseCmd = &cobra.Command{
	Use:   "generate",
	Short: "Print a random passphrase",
	Long:  "Generate a random passphrase from letters and digits, plus symbols with --symbols. Nothing is stored.",
	Args:  cobra.NoArgs,
	RunE:  runGeneratePassphrase,
}

var showPassphraseCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the active passphrase",
	Long:  "Show the active passphrase masked, or in full with --reveal.",
	Args:  cobra.NoArgs,
	RunE:  runShowPassphrase,
}

var rotatePassphraseCmd = &cobra.Command{
	Use:   "rotate [new-passphrase]",
	Short: "Replace the passphrase and re-encrypt the vault",
	Long: `Re-encrypt the vault under a new passphrase. The current passphrase must open the vault.

Existing backup codes wrap the old passphrase: they are retired, or removed with
--clear-backups. Generate new codes afterwards.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRotatePassphrase,
}

func init() {
	rootCmd.AddCommand(passphraseCmd)

	passphraseCmd.AddCommand(setPassphraseCmd)
	passphraseCmd.AddCommand(generatePassphraseCmd)
	passphraseCmd.AddCommand(showPassphraseCmd)
	passphraseCmd.AddCommand(rotatePassphraseCmd)

	generatePassphraseCmd.Flags().IntVarP(&generateLength, "length", "l", 24, "passphrase length (12-128)")
	generatePassphraseCmd.Flags().BoolVarP(&generateSymbols, "symbols", "s", false, "include symbols")

	showPassphraseCmd.Flags().BoolVar(&showReveal, "reveal", false, "print the full passphrase")

	rotatePassphraseCmd.Flags().BoolVar(&clearBackups, "clear-backups", false, "remove backup codes instead of retiring them")
}

func passphraseArg(args []string, prompt string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	return readNewSecret(prompt)
}

func runSetPassphrase(cmd *cobra.Command, args []string) error {
	before, err := vaultSvc.State()
	if err != nil {
		return err
	}

	passphrase, err := passphraseArg(args, "Passphrase: ")
	if err != nil {
		return err
	}

	if err = vaultSvc.SetPassphrase(passphrase); err != nil {
		return err
	}

	switch before {
	case lockbox.StateEncrypted:
		fmt.Println("Vault unlocked")
	case lockbox.StatePlaintext:
		fmt.Println("Vault encrypted; plaintext file removed")
	default:
		fmt.Println("Passphrase set; the vault will be created encrypted")
	}
	return nil
}

func runGeneratePassphrase(cmd *cobra.Command, args []string) error {
	passphrase, err := vaultSvc.GeneratePassphrase(generateLength, generateSymbols)
	if err != nil {
		return err
	}
	fmt.Println(passphrase)
	return nil
}

func runShowPassphrase(cmd *cobra.Command, args []string) error {
	passphrase, err := vaultSvc.ShowPassphrase(showReveal)
	if err != nil {
		return err
	}
	fmt.Println(passphrase)
	return nil
}

func runRotatePassphrase(cmd *cobra.Command, args []string) error {
	passphrase, err := passphraseArg(args, "New passphrase: ")
	if err != nil {
		return err
	}

	if err = vaultSvc.RotatePassphrase(passphrase, clearBackups); err != nil {
		return err
	}

	fmt.Println("Passphrase rotated")
	if clearBackups {
		fmt.Println("Backup codes removed; run 'lockbox backup generate' to create new ones")
	} else {
		fmt.Println("Backup codes retired; run 'lockbox backup generate' to create new ones")
	}
	return nil
}
