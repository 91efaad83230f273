package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/groundctl/groundctl/pkg/engine"
	"github.com/groundctl/groundctl/pkg/engine/planner"
	"github.com/groundctl/groundctl/pkg/provider"
)

func newPlanCmd() *cobra.Command {
	var (
		refresh  bool
		targets  []string
		varFlags []string
		varFiles []string
		outFile  string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the changes required to reach the declared configuration",
		Long: `Plan compares the declared configuration against the recorded state
and prints the create, update, replace, and delete actions an apply
would perform. Nothing is changed.

Exit codes: 0 when no changes are needed, 2 when changes are pending,
1 on error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SetContext(commandContext())

			eng, err := createEngine(cmd, varFlags, varFiles)
			if err != nil {
				return err
			}

			plan, err := eng.Plan(cmd.Context(), engine.PlanOptions{
				Refresh: refresh,
				Targets: targets,
				Retry:   provider.DefaultRetryPolicy(),
			})
			if err != nil {
				return err
			}

			planner.Format(os.Stdout, plan)

			if outFile != "" {
				f, err := os.Create(outFile)
				if err != nil {
					return fmt.Errorf("failed to create plan file: %w", err)
				}
				defer f.Close()
				if err := plan.WriteJSON(f); err != nil {
					return fmt.Errorf("failed to write plan file: %w", err)
				}
				fmt.Printf("\nPlan saved to %s\n", outFile)
			}

			if !plan.IsEmpty() {
				os.Exit(2)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", true, "Read live objects before planning")
	cmd.Flags().StringArrayVar(&targets, "target", nil, "Limit planning to the given address and its dependencies (repeatable)")
	cmd.Flags().StringArrayVar(&varFlags, "var", nil, "Set a variable, e.g. --var region=us-east-1 (repeatable)")
	cmd.Flags().StringArrayVar(&varFiles, "var-file", nil, "Load variables from an HCL file (repeatable)")
	cmd.Flags().StringVar(&outFile, "out", "", "Save the plan as JSON to the given path")

	return cmd
}
