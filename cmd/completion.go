package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion SHELL",
	Short: "Prints the shell completion script",
	Long: `Prints the completion script for bash, zsh, fish or powershell.

Completion covers the commands, the stage names of --from and --to and the
platforms and designs found below --flow-home. To load it into the current shell:

  $ source <(edaflow completion bash)
  $ edaflow completion fish | source

To install it for zsh, write it to a directory of $fpath:

  $ edaflow completion zsh > "${fpath[1]}/_edaflow"
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		root := cmd.Root()
		switch args[0] {
		case "bash":
			return root.GenBashCompletionV2(os.Stdout, true)
		case "zsh":
			return root.GenZshCompletion(os.Stdout)
		case "fish":
			return root.GenFishCompletion(os.Stdout, true)
		default:
			return root.GenPowerShellCompletionWithDesc(os.Stdout)
		}
	},
	Hidden: true,
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
