package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/spf13/cobra"
	"github.com/zclconf/go-cty/cty"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/groundctl/groundctl/pkg/engine"
	"github.com/groundctl/groundctl/pkg/state"
	"github.com/groundctl/groundctl/pkg/state/backend"
)

// Environment variable names for state backend configuration.
const (
	// EnvStateBackend sets the state backend type (local, s3, gcs, azurerm).
	EnvStateBackend = "GROUNDCTL_STATE_BACKEND"

	// EnvStatePrefix is the prefix for backend-specific config environment
	// variables. GROUNDCTL_STATE_PATH sets the "path" config for the local
	// backend, GROUNDCTL_STATE_BUCKET the "bucket" for s3/gcs, and so on.
	EnvStatePrefix = "GROUNDCTL_STATE_"
)

// createStateManager creates a state manager from the persistent flags
// on cmd.
//
// Configuration precedence (highest to lowest):
//  1. CLI flags (--state-backend, --backend-config, --state-path)
//  2. Environment variables (GROUNDCTL_STATE_BACKEND, GROUNDCTL_STATE_*)
//  3. Hardcoded defaults (local backend, document in the working directory)
func createStateManager(cmd *cobra.Command) (*state.Manager, error) {
	backendType, _ := cmd.Flags().GetString("state-backend")
	backendConfig, _ := cmd.Flags().GetStringArray("backend-config")
	statePath, _ := cmd.Flags().GetString("state-path")
	return createStateManagerWithConfig(backendType, backendConfig, statePath)
}

func createStateManagerWithConfig(backendType string, backendConfig []string, statePath string) (*state.Manager, error) {
	// Start with hardcoded default
	effectiveBackend := "local"
	effectiveConfig := map[string]string{"path": "."}

	// Apply environment variables
	if envBackend := os.Getenv(EnvStateBackend); envBackend != "" {
		effectiveBackend = envBackend
	}

	// Backend-specific env vars (GROUNDCTL_STATE_PATH, GROUNDCTL_STATE_BUCKET, ...)
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, EnvStatePrefix) && !strings.HasPrefix(env, EnvStateBackend) {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				key := strings.ToLower(strings.TrimPrefix(parts[0], EnvStatePrefix))
				effectiveConfig[key] = parts[1]
			}
		}
	}

	// Apply CLI flags (highest priority)
	if backendType != "" {
		effectiveBackend = backendType
	}
	for _, c := range backendConfig {
		parts := strings.SplitN(c, "=", 2)
		if len(parts) == 2 {
			effectiveConfig[parts[0]] = parts[1]
		}
	}

	config := backend.Config{
		Type:   effectiveBackend,
		Config: effectiveConfig,
	}

	return state.NewManagerFromConfig(config, statePath)
}

// parseVariables combines --var flags and --var-file files into root
// variable bindings. Values parse as HCL expressions so numbers, bools,
// lists, and objects come through typed; anything that does not parse
// falls back to a plain string.
func parseVariables(varFlags []string, varFiles []string) (map[string]cty.Value, error) {
	values := map[string]cty.Value{}

	for _, file := range varFiles {
		src, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read var file: %w", err)
		}
		f, diags := hclsyntax.ParseConfig(src, file, hcl.InitialPos)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse var file %s: %s", file, diags.Error())
		}
		attrs, diags := f.Body.JustAttributes()
		if diags.HasErrors() {
			return nil, fmt.Errorf("invalid var file %s: %s", file, diags.Error())
		}
		for name, attr := range attrs {
			val, diags := attr.Expr.Value(nil)
			if diags.HasErrors() {
				return nil, fmt.Errorf("invalid value for %q in %s: %s", name, file, diags.Error())
			}
			values[name] = val
		}
	}

	for _, flag := range varFlags {
		parts := strings.SplitN(flag, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid --var %q: expected name=value", flag)
		}
		values[parts[0]] = parseVarValue(parts[1])
	}

	return values, nil
}

// parseVarValue interprets a --var value as an HCL expression, falling
// back to a literal string. "5" becomes a number and "[1,2]" a tuple,
// but "us-east-1" stays a string even though the dashes would not parse.
func parseVarValue(raw string) cty.Value {
	expr, diags := hclsyntax.ParseExpression([]byte(raw), "<var>", hcl.InitialPos)
	if !diags.HasErrors() {
		val, diags := expr.Value(nil)
		if !diags.HasErrors() && val.IsWhollyKnown() {
			return val
		}
	}
	return cty.StringVal(raw)
}

// createEngine loads the configuration under --chdir and wires it to
// the configured state backend. Config diagnostics print with source
// context before the error returns.
func createEngine(cmd *cobra.Command, varFlags, varFiles []string) (*engine.Engine, error) {
	variables, err := parseVariables(varFlags, varFiles)
	if err != nil {
		return nil, err
	}

	manager, err := createStateManager(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to configure state backend: %w", err)
	}

	eng, diags, err := engine.New(cmd.Context(), engine.Options{
		Dir:       workingDir(),
		Variables: variables,
		Manager:   manager,
	})
	if diags.HasErrors() {
		printDiagnostics(diags)
		return nil, fmt.Errorf("configuration is not valid")
	}
	if err != nil {
		return nil, err
	}
	return eng, nil
}

// confirm prompts for a yes/no answer on stdin.
func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}

// isInteractive reports whether the CLI is attached to a terminal and
// not running under CI.
func isInteractive() bool {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false
	}
	for _, env := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "CIRCLECI"} {
		if os.Getenv(env) != "" {
			return false
		}
	}
	return true
}

// printDiagnostics renders HCL diagnostics with source context, sized
// to the terminal.
func printDiagnostics(diags hcl.Diagnostics) {
	width := 78
	if w, _, err := term.GetSize(int(os.Stderr.Fd())); err == nil && w > 0 {
		width = w
	}
	color := !noColor && isInteractive()
	writer := hcl.NewDiagnosticTextWriter(os.Stderr, nil, uint(width), color)
	_ = writer.WriteDiagnostics(diags)
}

// marshalJSON prints a value as indented JSON on stdout.
func marshalJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// marshalYAML prints a value as YAML on stdout.
func marshalYAML(v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	fmt.Print(string(data))
	return nil
}
