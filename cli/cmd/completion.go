package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate completion script",
	Long: `To load completions:

Bash:
   $  source <(keyvault completion bash)

  # To load completions for each session, execute once:
  # Linux:
   $  keyvault completion bash > /etc/bash_completion.d/keyvault
  # macOS:
  $ keyvault completion bash >  $ (brew --prefix)/etc/bash_completion.d/keyvault

Zsh:
  # If shell completion is not already enabled in your environment,
  # you will need to enable it. You can execute the following once:
   $  echo "autoload -U compinit; compinit" >> ~/.zshrc

  # To load completions for each session, execute once:
  $ keyvault completion zsh > "${fpath[1]}/_keyvault"

  # You will need to start a new shell for this setup to take effect.

fish:
   $  keyvault completion fish | source

  # To load completions for each session, execute once:
   $  keyvault completion fish > ~/.config/fish/completions/keyvault.fish

PowerShell:
  PS> keyvault completion powershell | Out-String | Invoke-Expression

  # To load completions for each session, execute once:
  PS> keyvault completion powershell > keyvault.ps1
  PS> . keyvault.ps1
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE:                  generateCompletion,
}

func init() {
	rootCmd.AddCommand(completionCmd)
}

func generateCompletion(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	switch args[0] {
	case "bash":
		return cmd.Root().GenBashCompletionV2(out, true)
	case "zsh":
		return cmd.Root().GenZshCompletion(out)
	case "fish":
		return cmd.Root().GenFishCompletion(out, true)
	case "powershell":
		return cmd.Root().GenPowerShellCompletionWithDesc(out)
	}
	return fmt.Errorf("unsupported shell: %s", args[0])
}
