package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/groundctl/groundctl/pkg/engine"
)

func newValidateCmd() *cobra.Command {
	var (
		varFlags []string
		varFiles []string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for errors",
		Long: `Validate parses the declaration files, checks variable types and
expression references, and builds the dependency graph. No state is
read and no providers are called.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SetContext(commandContext())

			variables, err := parseVariables(varFlags, varFiles)
			if err != nil {
				return err
			}

			_, diags, err := engine.New(cmd.Context(), engine.Options{
				Dir:       workingDir(),
				Variables: variables,
			})
			if len(diags) > 0 {
				printDiagnostics(diags)
			}
			if diags.HasErrors() {
				return fmt.Errorf("configuration is not valid")
			}
			if err != nil {
				return err
			}

			fmt.Println("Configuration is valid!")
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&varFlags, "var", nil, "Set a variable (repeatable)")
	cmd.Flags().StringArrayVar(&varFiles, "var-file", nil, "Load variables from an HCL file (repeatable)")

	return cmd
}
