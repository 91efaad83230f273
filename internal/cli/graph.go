package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/groundctl/groundctl/pkg/engine"
	"github.com/groundctl/groundctl/pkg/graph/visual"
)

func newGraphCmd() *cobra.Command {
	var (
		format       string
		groupModules bool
		outFile      string
		varFlags     []string
		varFiles     []string
	)

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Render the resource dependency graph",
		Long: `Graph builds the count-expanded instance graph from the configuration
and renders it as a Mermaid flowchart, Graphviz DOT, or a PNG image
(requires mermaid-cli on $PATH).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SetContext(commandContext())

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

			var rendered []byte
			switch format {
			case "mermaid":
				out, err := visual.RenderMermaid(eng.Graph(), visual.MermaidOptions{
					GroupByModule: groupModules,
				})
				if err != nil {
					return err
				}
				rendered = []byte(out)
			case "dot":
				out, err := visual.RenderDOT(eng.Graph(), visual.DOTOptions{})
				if err != nil {
					return err
				}
				rendered = []byte(out)
			case "png":
				if outFile == "" {
					return fmt.Errorf("--output is required with --format png")
				}
				rendered, err = visual.RenderImage(eng.Graph(), visual.ImageOptions{
					MermaidOptions: visual.MermaidOptions{GroupByModule: groupModules},
				})
				if err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown format %q: expected mermaid, dot, or png", format)
			}

			if outFile != "" {
				if err := os.WriteFile(outFile, rendered, 0644); err != nil {
					return fmt.Errorf("failed to write %s: %w", outFile, err)
				}
				fmt.Printf("Graph written to %s\n", outFile)
				return nil
			}
			fmt.Print(string(rendered))
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "mermaid", "Output format: mermaid, dot, or png")
	cmd.Flags().BoolVar(&groupModules, "group-modules", false, "Group instances by module in the diagram")
	cmd.Flags().StringVarP(&outFile, "output", "o", "", "Write the rendering to a file instead of stdout")
	cmd.Flags().StringArrayVar(&varFlags, "var", nil, "Set a variable (repeatable)")
	cmd.Flags().StringArrayVar(&varFiles, "var-file", nil, "Load variables from an HCL file (repeatable)")

	return cmd
}
