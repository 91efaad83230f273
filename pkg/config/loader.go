package config

import (
	"context"
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2"

	"github.com/groundctl/groundctl/pkg/addrs"
	"github.com/groundctl/groundctl/pkg/config/sources"
)

// maxModuleDepth bounds module nesting so that self-referencing sources
// fail fast instead of recursing forever.
const maxModuleDepth = 16

// Loader loads a full configuration tree, resolving module sources
// through a fetcher.
type Loader struct {
	parser  *Parser
	fetcher *sources.Fetcher
}

// NewLoader creates a loader.
func NewLoader(fetcher *sources.Fetcher) *Loader {
	return &Loader{
		parser:  NewParser(),
		fetcher: fetcher,
	}
}

// LoadConfig parses the root module directory and every module it
// calls, transitively.
func (l *Loader) LoadConfig(ctx context.Context, rootDir string) (*Config, hcl.Diagnostics, error) {
	return l.load(ctx, rootDir, addrs.RootModule, 0)
}

func (l *Loader) load(ctx context.Context, dir string, path addrs.Module, depth int) (*Config, hcl.Diagnostics, error) {
	if depth > maxModuleDepth {
		return nil, nil, fmt.Errorf("module nesting exceeds %d levels at %s; check for module source cycles", maxModuleDepth, path)
	}

	module, diags, err := l.parser.ParseDirectory(dir)
	if err != nil {
		return nil, diags, err
	}

	cfg := &Config{
		Path:     path,
		Module:   module,
		Children: map[string]*Config{},
	}

	names := make([]string, 0, len(module.ModuleCalls))
	for name := range module.ModuleCalls {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		call := module.ModuleCalls[name]
		if call.Source == "" {
			continue
		}

		childDir, err := l.fetcher.Fetch(ctx, call.Source, module.SourceDir)
		if err != nil {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Module source unavailable",
				Detail:   err.Error(),
				Subject:  call.DeclRange.Ptr(),
			})
			continue
		}

		child, childDiags, err := l.load(ctx, childDir, path.Child(name), depth+1)
		diags = append(diags, childDiags...)
		if err != nil {
			return nil, diags, err
		}

		diags = append(diags, checkModuleInputs(call, child.Module)...)
		cfg.Children[name] = child
	}

	return cfg, diags, nil
}

// checkModuleInputs verifies that a module call supplies exactly the
// variables its child declares: no unknown arguments, no missing
// required ones.
func checkModuleInputs(call *ModuleCall, child *Module) hcl.Diagnostics {
	var diags hcl.Diagnostics

	for name, expr := range call.Inputs {
		if _, ok := child.Variables[name]; !ok {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Unsupported module argument",
				Detail:   fmt.Sprintf("Module %q declares no variable named %q.", call.Name, name),
				Subject:  expr.Range().Ptr(),
			})
		}
	}

	for name, variable := range child.Variables {
		if !variable.Required() {
			continue
		}
		if _, ok := call.Inputs[name]; !ok {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Missing required module argument",
				Detail:   fmt.Sprintf("Module %q requires a value for variable %q.", call.Name, name),
				Subject:  call.DeclRange.Ptr(),
			})
		}
	}

	return diags
}
