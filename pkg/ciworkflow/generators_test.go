package ciworkflow

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func testWorkflow() Workflow {
	return Workflow{
		Name: "Deploy staging",
		Jobs: []Job{
			{
				ID:      "network-main",
				Name:    "Apply network.main",
				Address: "network.main",
				Kind:    "network",
				Command: "groundctl apply --target=network.main --auto-approve --var api_key=$API_KEY",
			},
			{
				ID:        "database-primary",
				Name:      "Apply database.primary",
				Address:   "database.primary",
				Kind:      "database",
				DependsOn: []string{"network-main"},
				Command:   "groundctl apply --target=database.primary --auto-approve --var api_key=$API_KEY",
			},
		},
		TeardownJobs: []Job{
			{
				ID:   "destroy",
				Name: "Destroy",
				Steps: []Step{
					{Name: "Destroy all resources", Run: "groundctl destroy --auto-approve --var api_key=$API_KEY"},
				},
			},
		},
		Variables: []Variable{
			{Name: "api_key", EnvName: "API_KEY", Required: true, Description: "upstream API key"},
			{Name: "env", EnvName: "ENV", Default: "staging"},
		},
	}
}

func TestGitHubGenerator(t *testing.T) {
	out, err := NewGitHubGenerator().Generate(testWorkflow())
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	content := string(out)

	for _, want := range []string{
		"name: Deploy staging",
		"network-main:",
		"database-primary:",
		"needs: [network-main]",
		"API_KEY: ${{ secrets.API_KEY }}",
		"groundctl apply --target=database.primary --auto-approve",
		"Install groundctl",
		"# Configure these in Settings > Secrets and variables > Actions:",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("missing %q in:\n%s", want, content)
		}
	}

	var decoded map[string]interface{}
	if err := yaml.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("output is not valid YAML: %v", err)
	}
	jobs, ok := decoded["jobs"].(map[string]interface{})
	if !ok {
		t.Fatalf("jobs block missing: %v", decoded)
	}
	if len(jobs) != 2 {
		t.Errorf("got %d jobs, want 2", len(jobs))
	}
}

func TestGitHubGenerator_Teardown(t *testing.T) {
	out, err := NewGitHubGenerator().GenerateTeardown(testWorkflow())
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	content := string(out)

	if !strings.Contains(content, "name: Teardown staging") {
		t.Errorf("teardown name not derived:\n%s", content)
	}
	if !strings.Contains(content, "workflow_dispatch") {
		t.Error("teardown should trigger on workflow_dispatch")
	}
	if !strings.Contains(content, "groundctl destroy --auto-approve") {
		t.Error("teardown missing destroy command")
	}
}

func TestGitLabGenerator(t *testing.T) {
	out, err := NewGitLabGenerator().Generate(testWorkflow())
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	content := string(out)

	for _, want := range []string{
		"stages:",
		"  - stage-0",
		"  - stage-1",
		"network-main:\n  stage: stage-0",
		"database-primary:\n  stage: stage-1",
		"*install-groundctl",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("missing %q in:\n%s", want, content)
		}
	}

	var decoded map[string]interface{}
	if err := yaml.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("output is not valid YAML: %v", err)
	}
	if _, ok := decoded["database-primary"]; !ok {
		t.Error("database-primary job missing")
	}
}

func TestCircleCIGenerator(t *testing.T) {
	out, err := NewCircleCIGenerator().Generate(testWorkflow())
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	content := string(out)

	for _, want := range []string{
		"version: 2.1",
		"install-groundctl:",
		"deploy-staging:",
		"requires:",
		"            - network-main",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("missing %q in:\n%s", want, content)
		}
	}

	var decoded struct {
		Version   float64                `yaml:"version"`
		Jobs      map[string]interface{} `yaml:"jobs"`
		Workflows map[string]interface{} `yaml:"workflows"`
	}
	if err := yaml.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("output is not valid YAML: %v", err)
	}
	if len(decoded.Jobs) != 2 {
		t.Errorf("got %d jobs, want 2", len(decoded.Jobs))
	}
	if _, ok := decoded.Workflows["deploy-staging"]; !ok {
		t.Error("workflow key missing")
	}
}

func TestDefaultOutputPaths(t *testing.T) {
	cases := []struct {
		gen  Generator
		path string
	}{
		{NewGitHubGenerator(), ".github/workflows/deploy.yml"},
		{NewGitLabGenerator(), ".gitlab-ci.yml"},
		{NewCircleCIGenerator(), ".circleci/config.yml"},
	}
	for _, tc := range cases {
		if got := tc.gen.DefaultOutputPath(); got != tc.path {
			t.Errorf("DefaultOutputPath = %q, want %q", got, tc.path)
		}
	}
}
