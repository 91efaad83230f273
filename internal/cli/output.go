package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/groundctl/groundctl/pkg/engine/outputs"
	"github.com/groundctl/groundctl/pkg/state/backend"
)

func newOutputCmd() *cobra.Command {
	var (
		showSensitive bool
		asJSON        bool
	)

	cmd := &cobra.Command{
		Use:   "output [name]",
		Short: "Show output values recorded by the last apply",
		Long: `Output reads values from the state document, not the configuration.
Sensitive values are redacted unless --show-sensitive is given, and
outputs whose resources failed to converge show as unavailable.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SetContext(commandContext())

			manager, err := createStateManager(cmd)
			if err != nil {
				return fmt.Errorf("failed to configure state backend: %w", err)
			}

			lock, err := manager.Lock(cmd.Context(), backend.LockShared, "output")
			if err != nil {
				return err
			}
			defer func() { _ = lock.Unlock(cmd.Context()) }()

			doc, err := manager.ReadDocument(cmd.Context())
			if err != nil {
				return err
			}

			opts := outputs.RenderOptions{ShowSensitive: showSensitive, JSON: asJSON}

			if len(args) == 1 {
				ov, ok := doc.Outputs[args[0]]
				if !ok {
					return fmt.Errorf("output %q not found in state", args[0])
				}
				return outputs.RenderOne(os.Stdout, args[0], ov, opts)
			}

			if len(doc.Outputs) == 0 {
				fmt.Fprintln(os.Stderr, "No outputs recorded. Run apply first.")
				return nil
			}
			return outputs.Render(os.Stdout, doc.Outputs, opts)
		},
	}

	cmd.Flags().BoolVar(&showSensitive, "show-sensitive", false, "Print sensitive values instead of redacting them")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Render outputs as a JSON object")

	return cmd
}
