// Package ciworkflow generates CI pipeline files from a dependency
// graph. Each resource instance becomes one CI job running a targeted
// apply, with job ordering mirroring the graph edges, so a pipeline
// converges the same way a local apply does.
package ciworkflow

// Format identifies a CI provider output format.
type Format string

const (
	FormatGitHub   Format = "github"
	FormatGitLab   Format = "gitlab"
	FormatCircleCI Format = "circleci"
)

// ValidFormats returns every supported format value.
func ValidFormats() []string {
	return []string{string(FormatGitHub), string(FormatGitLab), string(FormatCircleCI)}
}

// GeneratorFor returns the generator for a format.
func GeneratorFor(format Format) (Generator, bool) {
	switch format {
	case FormatGitHub:
		return NewGitHubGenerator(), true
	case FormatGitLab:
		return NewGitLabGenerator(), true
	case FormatCircleCI:
		return NewCircleCIGenerator(), true
	default:
		return nil, false
	}
}

// Workflow is the provider-neutral pipeline representation. Generators
// consume it to produce provider-specific YAML.
type Workflow struct {
	// Name is the pipeline display name, for example "Deploy staging".
	Name string

	// Jobs is the job list in dependency order.
	Jobs []Job

	// TeardownJobs holds the jobs of the teardown pipeline.
	TeardownJobs []Job

	// Variables are the root module's input variables, used for setup
	// comments and per-provider secret wiring.
	Variables []Variable

	// EnvVars are extra pipeline-level environment variables, rendered
	// verbatim.
	EnvVars map[string]string

	// WorkingDir is passed to every command via -chdir when set.
	WorkingDir string

	// InstallVersion pins the groundctl release installed in CI jobs.
	// Empty or "latest" installs the newest release.
	InstallVersion string
}

// Variable describes one root module input for pipeline setup.
type Variable struct {
	// Name is the variable name as declared, for example "api_key".
	Name string

	// EnvName is the uppercased environment variable carrying the
	// value in CI, for example "API_KEY".
	EnvName string

	// Required marks variables with no default.
	Required bool

	// Default is the rendered default value, empty when none exists or
	// the default is not a primitive.
	Default string

	// Description comes from the declaration, for setup comments.
	Description string
}

// Job is one CI job.
type Job struct {
	// ID is the provider-safe job identifier derived from the instance
	// address, for example "database-primary" or "module-app-volume-data-0".
	ID string

	// Name is the human-readable job name.
	Name string

	// Address is the resource instance address the job converges.
	Address string

	// Kind is the resource kind.
	Kind string

	// DependsOn lists job IDs that must finish first.
	DependsOn []string

	// Command is the groundctl invocation the job runs. Jobs with
	// explicit Steps leave it empty.
	Command string

	// Steps are explicit shell steps, used by teardown jobs.
	Steps []Step
}

// Step is a single named shell command inside a job.
type Step struct {
	Name string
	Run  string
}

// Generator renders a Workflow into one CI provider's file format.
type Generator interface {
	// Generate produces the deploy pipeline file content.
	Generate(w Workflow) ([]byte, error)

	// GenerateTeardown produces the teardown pipeline file content.
	GenerateTeardown(w Workflow) ([]byte, error)

	// DefaultOutputPath is the conventional path for the deploy file.
	DefaultOutputPath() string

	// DefaultTeardownOutputPath is the conventional path for the
	// teardown file.
	DefaultTeardownOutputPath() string
}
