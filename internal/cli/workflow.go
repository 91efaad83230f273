package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/groundctl/groundctl/pkg/ciworkflow"
	"github.com/groundctl/groundctl/pkg/engine"
)

func newWorkflowCmd() *cobra.Command {
	var (
		format         string
		outFile        string
		name           string
		teardown       bool
		installVersion string
		envVars        []string
		varFlags       []string
		varFiles       []string
	)

	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Generate a CI pipeline that deploys the configuration",
		Long: `Workflow turns the dependency graph into a CI pipeline: one job per
resource instance, running a targeted apply, ordered by the same edges
the engine would follow. Required variables become CI secrets.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SetContext(commandContext())

			generator, ok := ciworkflow.GeneratorFor(ciworkflow.Format(format))
			if !ok {
				return fmt.Errorf("unknown format %q: expected one of %s",
					format, strings.Join(formatNames(), ", "))
			}

			variables, err := parseVariables(varFlags, varFiles)
			if err != nil {
				return err
			}

			eng, diags, err := engine.New(cmd.Context(), engine.Options{
				Dir:       workingDir(),
				Variables: variables,
			})
			if diags.HasErrors() {
				printDiagnostics(diags)
				return fmt.Errorf("configuration is not valid")
			}
			if err != nil {
				return err
			}

			workflow, err := ciworkflow.BuildWorkflow(eng.Graph(), eng.Config().Module, ciworkflow.BuildOptions{
				Name:           name,
				WorkingDir:     chdir,
				InstallVersion: installVersion,
				EnvVars:        parseEnvVars(envVars),
			})
			if err != nil {
				return err
			}

			var content []byte
			path := outFile
			if teardown {
				content, err = generator.GenerateTeardown(workflow)
				if path == "" {
					path = generator.DefaultTeardownOutputPath()
				}
			} else {
				content, err = generator.Generate(workflow)
				if path == "" {
					path = generator.DefaultOutputPath()
				}
			}
			if err != nil {
				return err
			}

			if path == "-" {
				fmt.Print(string(content))
				return nil
			}
			if dir := filepath.Dir(path); dir != "." {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return fmt.Errorf("failed to create %s: %w", dir, err)
				}
			}
			if err := os.WriteFile(path, content, 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}
			fmt.Printf("Workflow written to %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "github", "CI system: "+strings.Join(formatNames(), ", "))
	cmd.Flags().StringVarP(&outFile, "output", "o", "", "Output path ('-' for stdout; defaults to the CI system's convention)")
	cmd.Flags().StringVar(&name, "name", "", "Workflow name (defaults to the configuration directory name)")
	cmd.Flags().BoolVar(&teardown, "teardown", false, "Generate the teardown pipeline instead of the deploy one")
	cmd.Flags().StringVar(&installVersion, "install-version", "", "Pin the groundctl version installed in CI")
	cmd.Flags().StringArrayVar(&envVars, "env", nil, "Extra environment variable for every job (key=value, repeatable)")
	cmd.Flags().StringArrayVar(&varFlags, "var", nil, "Set a variable for graph construction (repeatable)")
	cmd.Flags().StringArrayVar(&varFiles, "var-file", nil, "Load variables from an HCL file (repeatable)")

	return cmd
}

func formatNames() []string {
	return ciworkflow.ValidFormats()
}

func parseEnvVars(flags []string) map[string]string {
	if len(flags) == 0 {
		return nil
	}
	env := map[string]string{}
	for _, flag := range flags {
		parts := strings.SplitN(flag, "=", 2)
		if len(parts) == 2 {
			env[parts[0]] = parts[1]
		}
	}
	return env
}
