package cmd

import (
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"southwinds.dev/lockbox"
	"southwinds.dev/lockbox/audit"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate completion script",
	Long: `To load completions:

Bash:
   $  source <(lockbox completion bash)

  # To load completions for each session, execute once:
  # Linux:
   $  lockbox completion bash > /etc/bash_completion.d/lockbox
  # macOS:
  $ lockbox completion bash >  $ (brew --prefix)/etc/bash_completion.d/lockbox

Zsh:
  # If shell completion is not already enabled in your environment,
  # you will need to enable it. You can execute the following once:
   $  echo "autoload -U compinit; compinit" >> ~/.zshrc

  # To load completions for each session, execute once:
  $ lockbox completion zsh > "${fpath[1]}/_lockbox"

  # You will need to start a new shell for this setup to take effect.

fish:
   $  lockbox completion fish | source

  # To load completions for each session, execute once:
   $  lockbox completion fish > ~/.config/fish/completions/lockbox.fish

PowerShell:
  PS> lockbox completion powershell | Out-String | Invoke-Expression

  # To load completions for each session, execute once:
  PS> lockbox completion powershell > lockbox.ps1
  PS> . lockbox.ps1
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	Run:                   generateCompletion,
}

func init() {
	rootCmd.AddCommand(completionCmd)

	for _, c := range []*cobra.Command{getCmd, setCmd, deleteCmd} {
		c.ValidArgsFunction = completeEntryKeys
	}
	for _, c := range []*cobra.Command{configGetCmd, configSetCmd, configUnsetCmd} {
		c.ValidArgsFunction = completeConfigKeys
	}

	_ = auditQueryCmd.RegisterFlagCompletionFunc("action", completeAuditActions)
	_ = auditQueryCmd.RegisterFlagCompletionFunc("success", cobra.FixedCompletions(
		[]string{"true", "false"}, cobra.ShellCompDirectiveNoFileComp))
}

func generateCompletion(cmd *cobra.Command, args []string) {
	switch args[0] {
	case "bash":
		cmd.Root().GenBashCompletion(os.Stdout)
	case "zsh":
		cmd.Root().GenZshCompletion(os.Stdout)
	case "fish":
		cmd.Root().GenFishCompletion(os.Stdout, true)
	case "powershell":
		cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
	}
}

// completeEntryKeys lists entry keys for the first argument. Completion runs without the
// vault hooks, so the vault is opened here without auditing and closed again. Nothing is
// offered when the vault cannot be read, e.g. it is encrypted and no passphrase is set.
func completeEntryKeys(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	nop := zerolog.Nop()
	vault, err := lockbox.New(vaultOptions(&nop), audit.NewNoOpLogger())
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	defer func() { _ = vault.Close() }()

	keys, err := vault.ListKeys()
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return filterPrefix(keys, toComplete), cobra.ShellCompDirectiveNoFileComp
}

func completeConfigKeys(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	descriptions := getConfigKeyDescriptions()
	keys := make([]string, 0, len(descriptions))
	for key, desc := range descriptions {
		if strings.HasPrefix(key, toComplete) {
			// cobra splits value and description on the tab
			keys = append(keys, key+"\t"+desc)
		}
	}
	sort.Strings(keys)
	return keys, cobra.ShellCompDirectiveNoFileComp
}

func completeAuditActions(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return filterPrefix(audit.Actions(), strings.ToUpper(toComplete)), cobra.ShellCompDirectiveNoFileComp
}

func filterPrefix(values []string, prefix string) []string {
	var out []string
	for _, v := range values {
		if strings.HasPrefix(v, prefix) {
			out = append(out, v)
		}
	}
	return out
}
