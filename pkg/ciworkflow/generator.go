package ciworkflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"github.com/groundctl/groundctl/pkg/config"
	"github.com/groundctl/groundctl/pkg/graph"
)

// BuildOptions configures workflow construction.
type BuildOptions struct {
	// Name is the pipeline display name. Defaults to "Deploy".
	Name string

	// WorkingDir is the configuration directory relative to the
	// repository root, passed via --chdir when set.
	WorkingDir string

	// InstallVersion pins the groundctl release installed in CI.
	InstallVersion string

	// EnvVars are extra pipeline-level environment variables.
	EnvVars map[string]string
}

// BuildWorkflow converts an instance graph and its root module into the
// provider-neutral pipeline form. Each instance becomes a job running a
// targeted apply; required variables are threaded through as --var
// flags reading CI-provided environment variables.
func BuildWorkflow(g *graph.Graph, module *config.Module, opts BuildOptions) (Workflow, error) {
	sorted, err := g.TopologicalSort()
	if err != nil {
		return Workflow{}, fmt.Errorf("failed to sort graph: %w", err)
	}

	name := opts.Name
	if name == "" {
		name = "Deploy"
	}

	variables := extractVariables(module)
	varFlags := buildVarFlags(variables)

	nodeToJob := make(map[string]string, len(sorted))
	for _, node := range sorted {
		nodeToJob[node.ID] = jobID(node.ID)
	}

	jobs := make([]Job, 0, len(sorted))
	for _, node := range sorted {
		var dependsOn []string
		seen := make(map[string]bool)
		for _, depID := range node.DependsOn {
			if depJobID, ok := nodeToJob[depID]; ok && !seen[depJobID] {
				dependsOn = append(dependsOn, depJobID)
				seen[depJobID] = true
			}
		}
		sort.Strings(dependsOn)

		jobs = append(jobs, Job{
			ID:        nodeToJob[node.ID],
			Name:      fmt.Sprintf("Apply %s", node.ID),
			Address:   node.ID,
			Kind:      node.Addr.Resource.Kind,
			DependsOn: dependsOn,
			Command:   command("apply", opts.WorkingDir, fmt.Sprintf("--target=%s", node.ID), varFlags),
		})
	}

	teardown := []Job{{
		ID:   "destroy",
		Name: "Destroy",
		Steps: []Step{{
			Name: "Destroy all resources",
			Run:  command("destroy", opts.WorkingDir, "", varFlags),
		}},
	}}

	return Workflow{
		Name:           name,
		Jobs:           jobs,
		TeardownJobs:   teardown,
		Variables:      variables,
		EnvVars:        opts.EnvVars,
		WorkingDir:     opts.WorkingDir,
		InstallVersion: opts.InstallVersion,
	}, nil
}

// command assembles one groundctl invocation.
func command(verb, workingDir, target string, varFlags []string) string {
	var b strings.Builder
	b.WriteString("groundctl")
	if workingDir != "" {
		fmt.Fprintf(&b, " --chdir=%s", workingDir)
	}
	b.WriteString(" " + verb)
	if target != "" {
		b.WriteString(" " + target)
	}
	b.WriteString(" --auto-approve")
	for _, flag := range varFlags {
		fmt.Fprintf(&b, " --var %s", flag)
	}
	return b.String()
}

// extractVariables flattens the root module's variable declarations in
// name order.
func extractVariables(module *config.Module) []Variable {
	if module == nil || len(module.Variables) == 0 {
		return nil
	}

	names := make([]string, 0, len(module.Variables))
	for name := range module.Variables {
		names = append(names, name)
	}
	sort.Strings(names)

	vars := make([]Variable, 0, len(names))
	for _, name := range names {
		vc := module.Variables[name]
		vars = append(vars, Variable{
			Name:        name,
			EnvName:     envName(name),
			Required:    vc.Required(),
			Default:     defaultString(vc.Default),
			Description: vc.Description,
		})
	}
	return vars
}

// buildVarFlags renders -var arguments for required variables, reading
// their values from CI environment variables.
func buildVarFlags(variables []Variable) []string {
	var flags []string
	for _, v := range variables {
		if v.Required {
			flags = append(flags, fmt.Sprintf("%s=$%s", v.Name, v.EnvName))
		}
	}
	return flags
}

func envName(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// defaultString renders primitive defaults for setup comments.
// Collections render as empty; the comment just notes a default exists.
func defaultString(val cty.Value) string {
	if val == cty.NilVal || val.IsNull() || !val.IsKnown() {
		return ""
	}
	converted, err := convert.Convert(val, cty.String)
	if err != nil {
		return ""
	}
	return converted.AsString()
}

// jobID makes an instance address safe for CI job identifiers.
func jobID(address string) string {
	r := strings.NewReplacer(".", "-", "[", "-", "]", "", "_", "-")
	return r.Replace(address)
}

// installCommand is the groundctl install one-liner used across
// providers.
func installCommand(version string) string {
	if version != "" && version != "latest" {
		return fmt.Sprintf("curl -sSL https://get.groundctl.dev | sh -s -- --version %s", version)
	}
	return "curl -sSL https://get.groundctl.dev | sh"
}

// setupComment lists the environment variables a pipeline needs
// configured, one block shared by every provider with its own header.
func setupComment(header string, variables []Variable) string {
	var required, optional []string
	for _, v := range variables {
		desc := v.EnvName
		if v.Description != "" {
			desc += " (" + v.Description + ")"
		}
		if v.Required {
			required = append(required, desc)
		} else {
			optional = append(optional, desc)
		}
	}

	if len(required) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", header)
	fmt.Fprintf(&b, "#   Required: %s\n", strings.Join(required, ", "))
	if len(optional) > 0 {
		fmt.Fprintf(&b, "#   Optional (defaults apply): %s\n", strings.Join(optional, ", "))
	}
	b.WriteString("\n")
	return b.String()
}

// sortedMapKeys returns sorted keys from a string map.
func sortedMapKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
