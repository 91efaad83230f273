package ciworkflow

import (
	"bytes"
	"fmt"
)

// GitLabGenerator renders GitLab CI pipeline YAML. Jobs are grouped
// into stages by their topological depth so each stage only starts
// after everything it reads has converged.
type GitLabGenerator struct{}

// NewGitLabGenerator creates a GitLab CI generator.
func NewGitLabGenerator() *GitLabGenerator {
	return &GitLabGenerator{}
}

func (g *GitLabGenerator) DefaultOutputPath() string {
	return ".gitlab-ci.yml"
}

func (g *GitLabGenerator) DefaultTeardownOutputPath() string {
	return ".gitlab-ci-teardown.yml"
}

// Generate produces the deploy pipeline.
func (g *GitLabGenerator) Generate(w Workflow) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteString(setupComment("Configure these in Settings > CI/CD > Variables:", w.Variables))

	stages := deriveStages(w.Jobs)
	buf.WriteString("stages:\n")
	for _, stage := range stages {
		fmt.Fprintf(&buf, "  - %s\n", stage)
	}
	buf.WriteString("\n")

	if len(w.EnvVars) > 0 {
		buf.WriteString("variables:\n")
		for _, k := range sortedMapKeys(w.EnvVars) {
			fmt.Fprintf(&buf, "  %s: %s\n", k, w.EnvVars[k])
		}
		buf.WriteString("\n")
	}

	buf.WriteString(".install-groundctl: &install-groundctl\n")
	fmt.Fprintf(&buf, "  - %s\n", installCommand(w.InstallVersion))
	buf.WriteString("\n")

	stageMap := assignStages(w.Jobs, stages)
	for _, job := range w.Jobs {
		writeGitLabJob(&buf, job, stageMap[job.ID])
	}

	return buf.Bytes(), nil
}

// GenerateTeardown produces the teardown pipeline.
func (g *GitLabGenerator) GenerateTeardown(w Workflow) ([]byte, error) {
	if len(w.TeardownJobs) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer

	stages := deriveStages(w.TeardownJobs)
	buf.WriteString("stages:\n")
	for _, stage := range stages {
		fmt.Fprintf(&buf, "  - %s\n", stage)
	}
	buf.WriteString("\n")

	buf.WriteString(".install-groundctl: &install-groundctl\n")
	fmt.Fprintf(&buf, "  - %s\n", installCommand(w.InstallVersion))
	buf.WriteString("\n")

	stageMap := assignStages(w.TeardownJobs, stages)
	for _, job := range w.TeardownJobs {
		writeGitLabJob(&buf, job, stageMap[job.ID])
	}

	return buf.Bytes(), nil
}

func writeGitLabJob(buf *bytes.Buffer, job Job, stage string) {
	fmt.Fprintf(buf, "%s:\n", job.ID)
	fmt.Fprintf(buf, "  stage: %s\n", stage)

	if len(job.DependsOn) > 0 {
		buf.WriteString("  needs:\n")
		for _, dep := range job.DependsOn {
			fmt.Fprintf(buf, "    - %s\n", dep)
		}
	}

	buf.WriteString("  image: ubuntu:latest\n")
	buf.WriteString("  script:\n")
	buf.WriteString("    - *install-groundctl\n")

	if len(job.Steps) > 0 {
		for _, step := range job.Steps {
			fmt.Fprintf(buf, "    - %s\n", step.Run)
		}
	} else if job.Command != "" {
		fmt.Fprintf(buf, "    - >-\n      %s\n", job.Command)
	}

	buf.WriteString("\n")
}

// deriveStages names one stage per level of the job DAG.
func deriveStages(jobs []Job) []string {
	if len(jobs) == 0 {
		return nil
	}

	depths := computeJobDepths(jobs)
	maxDepth := 0
	for _, d := range depths {
		if d > maxDepth {
			maxDepth = d
		}
	}

	stages := make([]string, maxDepth+1)
	for i := range stages {
		stages[i] = fmt.Sprintf("stage-%d", i)
	}
	return stages
}

// assignStages maps job IDs to stage names by depth.
func assignStages(jobs []Job, stages []string) map[string]string {
	depths := computeJobDepths(jobs)
	result := make(map[string]string, len(jobs))
	for _, job := range jobs {
		d := depths[job.ID]
		if d >= len(stages) {
			d = len(stages) - 1
		}
		result[job.ID] = stages[d]
	}
	return result
}

// computeJobDepths returns the topological depth of each job: zero for
// roots, one more than the deepest dependency otherwise.
func computeJobDepths(jobs []Job) map[string]int {
	depths := make(map[string]int, len(jobs))
	for _, job := range jobs {
		depths[job.ID] = 0
	}

	changed := true
	for changed {
		changed = false
		for _, job := range jobs {
			for _, dep := range job.DependsOn {
				if depDepth, ok := depths[dep]; ok && depDepth+1 > depths[job.ID] {
					depths[job.ID] = depDepth + 1
					changed = true
				}
			}
		}
	}
	return depths
}
