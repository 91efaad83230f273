package ciworkflow

import (
	"strings"
	"testing"

	"github.com/groundctl/groundctl/pkg/addrs"
	"github.com/groundctl/groundctl/pkg/config"
	"github.com/groundctl/groundctl/pkg/graph"
	"github.com/groundctl/groundctl/pkg/lang"
)

const pipelineSrc = `
variable "api_key" {
  type        = string
  description = "upstream API key"
}

variable "env" {
  type    = string
  default = "staging"
}

resource "network" "main" {
  cidr = "10.0.0.0/16"
}

resource "database" "primary" {
  engine  = "postgres"
  network = network.main.id
}

resource "instance" "web" {
  count   = 2
  network = network.main.id
  db      = database.primary.id
}
`

func buildTestWorkflow(t *testing.T, src string, opts BuildOptions) Workflow {
	t.Helper()

	module, diags, err := config.NewParser().ParseBytes([]byte(src), "main.gctl.hcl")
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}
	if diags.HasErrors() {
		t.Fatalf("unexpected diagnostics: %s", diags.Error())
	}
	cfg := &config.Config{
		Path:     addrs.RootModule,
		Module:   module,
		Children: map[string]*config.Config{},
	}

	eval := lang.NewEvaluator(cfg)
	if varDiags := eval.SetRootVariables(nil); varDiags.HasErrors() {
		t.Fatalf("unexpected diagnostics: %s", varDiags.Error())
	}

	g, buildDiags := graph.NewBuilder(cfg, eval).Build()
	if buildDiags.HasErrors() {
		t.Fatalf("unexpected diagnostics: %s", buildDiags.Error())
	}

	w, err := BuildWorkflow(g, module, opts)
	if err != nil {
		t.Fatalf("failed to build workflow: %v", err)
	}
	return w
}

func jobByID(w Workflow, id string) *Job {
	for i := range w.Jobs {
		if w.Jobs[i].ID == id {
			return &w.Jobs[i]
		}
	}
	return nil
}

func TestBuildWorkflow_JobsFollowGraphOrder(t *testing.T) {
	w := buildTestWorkflow(t, pipelineSrc, BuildOptions{Name: "Deploy staging"})

	if len(w.Jobs) != 4 {
		t.Fatalf("got %d jobs, want 4", len(w.Jobs))
	}

	// Topological order: a job must come after everything it needs.
	position := make(map[string]int, len(w.Jobs))
	for i, job := range w.Jobs {
		position[job.ID] = i
	}
	for _, job := range w.Jobs {
		for _, dep := range job.DependsOn {
			if position[dep] >= position[job.ID] {
				t.Errorf("job %s appears before its dependency %s", job.ID, dep)
			}
		}
	}

	db := jobByID(w, "database-primary")
	if db == nil {
		t.Fatal("missing database-primary job")
	}
	if len(db.DependsOn) != 1 || db.DependsOn[0] != "network-main" {
		t.Errorf("database-primary needs = %v, want [network-main]", db.DependsOn)
	}

	web0 := jobByID(w, "instance-web-0")
	if web0 == nil {
		t.Fatal("missing instance-web-0 job")
	}
	wantNeeds := []string{"database-primary", "network-main"}
	if len(web0.DependsOn) != 2 || web0.DependsOn[0] != wantNeeds[0] || web0.DependsOn[1] != wantNeeds[1] {
		t.Errorf("instance-web-0 needs = %v, want %v", web0.DependsOn, wantNeeds)
	}
}

func TestBuildWorkflow_Commands(t *testing.T) {
	w := buildTestWorkflow(t, pipelineSrc, BuildOptions{WorkingDir: "infra"})

	db := jobByID(w, "database-primary")
	if db == nil {
		t.Fatal("missing database-primary job")
	}

	want := "groundctl --chdir=infra apply --target=database.primary --auto-approve --var api_key=$API_KEY"
	if db.Command != want {
		t.Errorf("command = %q, want %q", db.Command, want)
	}

	if len(w.TeardownJobs) != 1 {
		t.Fatalf("got %d teardown jobs, want 1", len(w.TeardownJobs))
	}
	teardown := w.TeardownJobs[0].Steps[0].Run
	if !strings.Contains(teardown, "groundctl --chdir=infra destroy --auto-approve") {
		t.Errorf("teardown command = %q", teardown)
	}
}

func TestBuildWorkflow_Variables(t *testing.T) {
	w := buildTestWorkflow(t, pipelineSrc, BuildOptions{})

	if len(w.Variables) != 2 {
		t.Fatalf("got %d variables, want 2", len(w.Variables))
	}

	apiKey := w.Variables[0]
	if apiKey.Name != "api_key" || apiKey.EnvName != "API_KEY" || !apiKey.Required {
		t.Errorf("api_key variable = %+v", apiKey)
	}
	if apiKey.Description != "upstream API key" {
		t.Errorf("api_key description = %q", apiKey.Description)
	}

	env := w.Variables[1]
	if env.Required {
		t.Error("env has a default and should not be required")
	}
	if env.Default != "staging" {
		t.Errorf("env default = %q, want staging", env.Default)
	}
}

func TestBuildWorkflow_CycleFails(t *testing.T) {
	src := `
resource "network" "a" {
  cidr = network.b.cidr
}

resource "network" "b" {
  cidr = network.a.cidr
}
`
	module, diags, err := config.NewParser().ParseBytes([]byte(src), "main.gctl.hcl")
	if err != nil || diags.HasErrors() {
		t.Fatalf("failed to parse config: %v %s", err, diags.Error())
	}
	cfg := &config.Config{
		Path:     addrs.RootModule,
		Module:   module,
		Children: map[string]*config.Config{},
	}
	eval := lang.NewEvaluator(cfg)
	if varDiags := eval.SetRootVariables(nil); varDiags.HasErrors() {
		t.Fatalf("unexpected diagnostics: %s", varDiags.Error())
	}
	g, buildDiags := graph.NewBuilder(cfg, eval).Build()
	if buildDiags.HasErrors() {
		// The builder may already reject the cycle; either failure
		// point is acceptable.
		return
	}

	if _, err := BuildWorkflow(g, module, BuildOptions{}); err == nil {
		t.Fatal("expected an error for a cyclic graph")
	}
}

func TestGeneratorFor(t *testing.T) {
	for _, format := range ValidFormats() {
		gen, ok := GeneratorFor(Format(format))
		if !ok || gen == nil {
			t.Errorf("no generator for %s", format)
		}
	}
	if _, ok := GeneratorFor("jenkins"); ok {
		t.Error("unexpected generator for unsupported format")
	}
}
