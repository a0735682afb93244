package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion script",
	Long: `Generate shell completion script for pkgaudit.

Bash:
  source <(pkgaudit completion bash)

Zsh:
  pkgaudit completion zsh > "${fpath[1]}/_pkgaudit"

Fish:
  pkgaudit completion fish > ~/.config/fish/completions/pkgaudit.fish

PowerShell:
  pkgaudit completion powershell | Out-String | Invoke-Expression`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := out(cmd)
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletion(w)
		case "zsh":
			return cmd.Root().GenZshCompletion(w)
		case "fish":
			return cmd.Root().GenFishCompletion(w, true)
		case "powershell":
			return cmd.Root().GenPowerShellCompletionWithDesc(w)
		}
		return fmt.Errorf("unsupported shell type: %s", args[0])
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
