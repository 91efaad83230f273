package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/groundctl/groundctl/pkg/state/backend"
)

func init() {
	rootCmd.AddCommand(newCompletionCmd())

	_ = rootCmd.RegisterFlagCompletionFunc("state-backend", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return backend.Types(), cobra.ShellCompDirectiveNoFileComp
	})
}

func newCompletionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `Generate shell completion scripts for groundctl.

To load completions:

Bash:
  $ source <(groundctl completion bash)

  # To load completions for each session, execute once:
  # Linux:
  $ groundctl completion bash > /etc/bash_completion.d/groundctl
  # macOS:
  $ groundctl completion bash > $(brew --prefix)/etc/bash_completion.d/groundctl

Zsh:
  # If shell completion is not already enabled in your environment,
  # you will need to enable it. You can execute the following once:
  $ echo "autoload -U compinit; compinit" >> ~/.zshrc

  # To load completions for each session, execute once:
  $ groundctl completion zsh > "${fpath[1]}/_groundctl"

  # You will need to start a new shell for this setup to take effect.

Fish:
  $ groundctl completion fish | source

  # To load completions for each session, execute once:
  $ groundctl completion fish > ~/.config/fish/completions/groundctl.fish

PowerShell:
  PS> groundctl completion powershell | Out-String | Invoke-Expression

  # To load completions for every new session, run:
  PS> groundctl completion powershell > groundctl.ps1
  # and source this file from your PowerShell profile.
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return rootCmd.GenBashCompletionV2(os.Stdout, true)
			case "zsh":
				return rootCmd.GenZshCompletion(os.Stdout)
			case "fish":
				return rootCmd.GenFishCompletion(os.Stdout, true)
			case "powershell":
				return rootCmd.GenPowerShellCompletionWithDesc(os.Stdout)
			default:
				return fmt.Errorf("unknown shell: %s", args[0])
			}
		},
	}

	return cmd
}
