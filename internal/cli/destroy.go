package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/groundctl/groundctl/pkg/engine"
	"github.com/groundctl/groundctl/pkg/engine/planner"
	"github.com/groundctl/groundctl/pkg/provider"
)

func newDestroyCmd() *cobra.Command {
	var (
		autoApprove bool
		refresh     bool
		parallelism int
		failFast    bool
		targets     []string
		varFlags    []string
		varFiles    []string
		defTimeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Delete every resource tracked in state",
		Long: `Destroy deletes recorded resources in reverse dependency order:
dependents go before their dependencies. Resources marked
prevent_destroy reject the whole plan.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SetContext(commandContext())

			eng, err := createEngine(cmd, varFlags, varFiles)
			if err != nil {
				return err
			}

			approve := func(plan *planner.Plan) (bool, error) {
				planner.Format(os.Stdout, plan)
				if autoApprove {
					return true, nil
				}
				if !isInteractive() {
					return false, fmt.Errorf("confirmation required; re-run with --auto-approve in non-interactive environments")
				}
				return confirm("\nAre you sure you want to destroy all resources?"), nil
			}

			progress := newProgressRenderer(os.Stdout)

			result, err := eng.Destroy(cmd.Context(), engine.DestroyOptions{
				Refresh:        refresh,
				Targets:        targets,
				Approve:        approve,
				Observer:       progress.Observe,
				Parallelism:    parallelism,
				FailFast:       failFast,
				DefaultTimeout: defTimeout,
				Retry:          provider.DefaultRetryPolicy(),
			})
			if errors.Is(err, engine.ErrCancelled) {
				fmt.Println("\nDestroy cancelled.")
				return nil
			}
			if err != nil {
				return err
			}

			if result.Execution == nil {
				fmt.Println("\nNothing to destroy. State is empty.")
				return nil
			}

			fmt.Printf("\nDestroy complete in %s. Resources: %d deleted.\n",
				result.Duration.Round(time.Millisecond), result.Execution.Deleted)
			if !result.Success {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Skip the interactive confirmation")
	cmd.Flags().BoolVar(&refresh, "refresh", true, "Read live objects before planning")
	cmd.Flags().IntVar(&parallelism, "parallelism", 10, "Maximum concurrent provider operations")
	cmd.Flags().BoolVar(&failFast, "fail-fast", true, "Stop launching new deletes after the first failure")
	cmd.Flags().StringArrayVar(&targets, "target", nil, "Limit the destroy to the given address and its dependents (repeatable)")
	cmd.Flags().StringArrayVar(&varFlags, "var", nil, "Set a variable (repeatable)")
	cmd.Flags().StringArrayVar(&varFiles, "var-file", nil, "Load variables from an HCL file (repeatable)")
	cmd.Flags().DurationVar(&defTimeout, "default-timeout", 0, "Timeout for operations with no more specific limit")

	return cmd
}
