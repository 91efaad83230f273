package ciworkflow

import (
	"bytes"
	"fmt"
	"strings"
)

// GitHubGenerator renders GitHub Actions workflow YAML.
type GitHubGenerator struct{}

// NewGitHubGenerator creates a GitHub Actions generator.
func NewGitHubGenerator() *GitHubGenerator {
	return &GitHubGenerator{}
}

func (g *GitHubGenerator) DefaultOutputPath() string {
	return ".github/workflows/deploy.yml"
}

func (g *GitHubGenerator) DefaultTeardownOutputPath() string {
	return ".github/workflows/teardown.yml"
}

// Generate produces the deploy workflow. Required variables are wired
// from repository secrets into job environments.
func (g *GitHubGenerator) Generate(w Workflow) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteString(setupComment("Configure these in Settings > Secrets and variables > Actions:", w.Variables))

	fmt.Fprintf(&buf, "name: %s\n", w.Name)
	buf.WriteString("on:\n")
	buf.WriteString("  push:\n")
	buf.WriteString("    branches: [main]\n")
	buf.WriteString("\n")

	writeGitHubEnv(&buf, w)

	buf.WriteString("jobs:\n")
	for _, job := range w.Jobs {
		writeGitHubJob(&buf, job, w.InstallVersion)
	}

	return buf.Bytes(), nil
}

// GenerateTeardown produces the teardown workflow, triggered manually.
func (g *GitHubGenerator) GenerateTeardown(w Workflow) ([]byte, error) {
	if len(w.TeardownJobs) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer

	fmt.Fprintf(&buf, "name: %s\n", teardownName(w.Name))
	buf.WriteString("on:\n")
	buf.WriteString("  workflow_dispatch:\n")
	buf.WriteString("\n")

	writeGitHubEnv(&buf, w)

	buf.WriteString("jobs:\n")
	for _, job := range w.TeardownJobs {
		writeGitHubJob(&buf, job, w.InstallVersion)
	}

	return buf.Bytes(), nil
}

// writeGitHubEnv emits the workflow-level env block: explicit EnvVars
// first, then one secret reference per required variable.
func writeGitHubEnv(buf *bytes.Buffer, w Workflow) {
	lines := make([]string, 0, len(w.EnvVars)+len(w.Variables))
	for _, k := range sortedMapKeys(w.EnvVars) {
		lines = append(lines, fmt.Sprintf("  %s: %s", k, w.EnvVars[k]))
	}
	for _, v := range w.Variables {
		if v.Required {
			lines = append(lines, fmt.Sprintf("  %s: ${{ secrets.%s }}", v.EnvName, v.EnvName))
		}
	}
	if len(lines) == 0 {
		return
	}

	buf.WriteString("env:\n")
	for _, line := range lines {
		buf.WriteString(line + "\n")
	}
	buf.WriteString("\n")
}

func writeGitHubJob(buf *bytes.Buffer, job Job, installVersion string) {
	fmt.Fprintf(buf, "  %s:\n", job.ID)
	fmt.Fprintf(buf, "    name: %s\n", job.Name)
	if len(job.DependsOn) > 0 {
		fmt.Fprintf(buf, "    needs: [%s]\n", strings.Join(job.DependsOn, ", "))
	}
	buf.WriteString("    runs-on: ubuntu-latest\n")
	buf.WriteString("    steps:\n")
	buf.WriteString("      - uses: actions/checkout@v4\n")
	buf.WriteString("      - name: Install groundctl\n")
	fmt.Fprintf(buf, "        run: %s\n", installCommand(installVersion))

	if len(job.Steps) > 0 {
		for _, step := range job.Steps {
			fmt.Fprintf(buf, "      - name: %s\n", step.Name)
			fmt.Fprintf(buf, "        run: %s\n", step.Run)
		}
	} else if job.Command != "" {
		fmt.Fprintf(buf, "      - name: %s\n", job.Name)
		fmt.Fprintf(buf, "        run: >-\n          %s\n", job.Command)
	}

	buf.WriteString("\n")
}

func teardownName(name string) string {
	replaced := strings.Replace(name, "Deploy", "Teardown", 1)
	if replaced == name {
		return name + " - Teardown"
	}
	return replaced
}
