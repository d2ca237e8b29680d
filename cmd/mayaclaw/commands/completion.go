package commands

import (
	"os"

	"github.com/spf13/cobra"
)

// newCompletionCmd creates the `mayaclaw completion` command that generates
// shell completion scripts.
func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `Generate shell auto-completion scripts for mayaclaw.

Bash:
  $ source <(mayaclaw completion bash)

Zsh:
  $ mayaclaw completion zsh > "${fpath[1]}/_mayaclaw"

Fish:
  $ mayaclaw completion fish > ~/.config/fish/completions/mayaclaw.fish

PowerShell:
  PS> mayaclaw completion powershell | Out-String | Invoke-Expression`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletionV2(os.Stdout, true)
			case "zsh":
				return cmd.Root().GenZshCompletion(os.Stdout)
			case "fish":
				return cmd.Root().GenFishCompletion(os.Stdout, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
			}
			return nil
		},
	}
}
