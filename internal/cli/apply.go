package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/groundctl/groundctl/pkg/engine"
	"github.com/groundctl/groundctl/pkg/engine/outputs"
	"github.com/groundctl/groundctl/pkg/engine/planner"
	"github.com/groundctl/groundctl/pkg/provider"
)

func newApplyCmd() *cobra.Command {
	var (
		autoApprove bool
		refresh     bool
		parallelism int
		failFast    bool
		targets     []string
		varFlags    []string
		varFiles    []string
		timeoutStrs []string
		defTimeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Create or update resources to match the configuration",
		Long: `Apply plans the declared configuration against recorded state, asks
for confirmation, and executes the changes in dependency order with
bounded parallelism. The exclusive state lock is held for the whole
cycle so concurrent applies cannot interleave.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SetContext(commandContext())

			eng, err := createEngine(cmd, varFlags, varFiles)
			if err != nil {
				return err
			}

			timeouts, err := parseTimeouts(timeoutStrs)
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
				return confirm("\nDo you want to perform these actions?"), nil
			}

			progress := newProgressRenderer(os.Stdout)

			result, err := eng.Apply(cmd.Context(), engine.ApplyOptions{
				Plan: engine.PlanOptions{
					Refresh: refresh,
					Targets: targets,
					Retry:   provider.DefaultRetryPolicy(),
				},
				Approve:        approve,
				Observer:       progress.Observe,
				Parallelism:    parallelism,
				FailFast:       failFast,
				Timeouts:       timeouts,
				DefaultTimeout: defTimeout,
				Retry:          provider.DefaultRetryPolicy(),
			})
			if errors.Is(err, engine.ErrCancelled) {
				fmt.Println("\nApply cancelled.")
				return nil
			}
			if err != nil {
				return err
			}

			printApplySummary(result)
			if !result.Success {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Skip the interactive confirmation")
	cmd.Flags().BoolVar(&refresh, "refresh", true, "Read live objects before planning")
	cmd.Flags().IntVar(&parallelism, "parallelism", 10, "Maximum concurrent provider operations")
	cmd.Flags().BoolVar(&failFast, "fail-fast", true, "Stop launching new changes after the first failure")
	cmd.Flags().StringArrayVar(&targets, "target", nil, "Limit the apply to the given address and its dependencies (repeatable)")
	cmd.Flags().StringArrayVar(&varFlags, "var", nil, "Set a variable, e.g. --var region=us-east-1 (repeatable)")
	cmd.Flags().StringArrayVar(&varFiles, "var-file", nil, "Load variables from an HCL file (repeatable)")
	cmd.Flags().StringArrayVar(&timeoutStrs, "timeout", nil, "Per-kind operation timeout, e.g. --timeout database=10m (repeatable)")
	cmd.Flags().DurationVar(&defTimeout, "default-timeout", 0, "Timeout for operations with no more specific limit")

	return cmd
}

// parseTimeouts turns kind=duration flags into per-kind limits that
// cover create, update, and delete alike.
func parseTimeouts(flags []string) (map[string]provider.Timeouts, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	timeouts := map[string]provider.Timeouts{}
	for _, flag := range flags {
		parts := strings.SplitN(flag, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid --timeout %q: expected kind=duration", flag)
		}
		d, err := time.ParseDuration(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid --timeout %q: %w", flag, err)
		}
		timeouts[parts[0]] = provider.Timeouts{Create: d, Update: d, Delete: d, Read: d}
	}
	return timeouts, nil
}

func printApplySummary(result *engine.Result) {
	exec := result.Execution
	if exec == nil {
		fmt.Println("\nNo changes. Infrastructure matches the configuration.")
	} else {
		fmt.Printf("\nApply complete in %s. Resources: %d created, %d updated, %d replaced, %d deleted.\n",
			result.Duration.Round(time.Millisecond), exec.Created, exec.Updated, exec.Replaced, exec.Deleted)
		if exec.Failed > 0 || exec.Skipped > 0 {
			fmt.Printf("Failed: %d, skipped: %d.\n", exec.Failed, exec.Skipped)
		}
	}

	if len(result.Outputs) > 0 {
		fmt.Println("\nOutputs:")
		_ = outputs.Render(os.Stdout, result.Outputs, outputs.RenderOptions{})
	}
}
