package ciworkflow

import (
	"bytes"
	"fmt"
	"strings"
)

// CircleCIGenerator renders CircleCI pipeline YAML.
type CircleCIGenerator struct{}

// NewCircleCIGenerator creates a CircleCI generator.
func NewCircleCIGenerator() *CircleCIGenerator {
	return &CircleCIGenerator{}
}

func (g *CircleCIGenerator) DefaultOutputPath() string {
	return ".circleci/config.yml"
}

func (g *CircleCIGenerator) DefaultTeardownOutputPath() string {
	return ".circleci/teardown.yml"
}

// Generate produces the deploy pipeline.
func (g *CircleCIGenerator) Generate(w Workflow) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteString(setupComment("Configure these in Project Settings > Environment Variables:", w.Variables))

	buf.WriteString("version: 2.1\n\n")
	writeCircleCIInstall(&buf, w.InstallVersion)

	buf.WriteString("jobs:\n")
	for _, job := range w.Jobs {
		writeCircleCIJob(&buf, job)
	}

	buf.WriteString("workflows:\n")
	fmt.Fprintf(&buf, "  %s:\n", circleCIWorkflowID(w.Name))
	buf.WriteString("    jobs:\n")
	writeCircleCIWorkflowJobs(&buf, w.Jobs)

	return buf.Bytes(), nil
}

// GenerateTeardown produces the teardown pipeline.
func (g *CircleCIGenerator) GenerateTeardown(w Workflow) ([]byte, error) {
	if len(w.TeardownJobs) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer

	buf.WriteString("version: 2.1\n\n")
	writeCircleCIInstall(&buf, w.InstallVersion)

	buf.WriteString("jobs:\n")
	for _, job := range w.TeardownJobs {
		writeCircleCIJob(&buf, job)
	}

	buf.WriteString("workflows:\n")
	buf.WriteString("  teardown:\n")
	buf.WriteString("    jobs:\n")
	writeCircleCIWorkflowJobs(&buf, w.TeardownJobs)

	return buf.Bytes(), nil
}

func writeCircleCIInstall(buf *bytes.Buffer, version string) {
	buf.WriteString("commands:\n")
	buf.WriteString("  install-groundctl:\n")
	buf.WriteString("    steps:\n")
	buf.WriteString("      - run:\n")
	buf.WriteString("          name: Install groundctl\n")
	fmt.Fprintf(buf, "          command: %s\n", installCommand(version))
	buf.WriteString("\n")
}

func writeCircleCIJob(buf *bytes.Buffer, job Job) {
	fmt.Fprintf(buf, "  %s:\n", job.ID)
	buf.WriteString("    docker:\n")
	buf.WriteString("      - image: cimg/base:current\n")
	buf.WriteString("    steps:\n")
	buf.WriteString("      - checkout\n")
	buf.WriteString("      - install-groundctl\n")

	if len(job.Steps) > 0 {
		for _, step := range job.Steps {
			buf.WriteString("      - run:\n")
			fmt.Fprintf(buf, "          name: %s\n", step.Name)
			fmt.Fprintf(buf, "          command: %s\n", step.Run)
		}
	} else if job.Command != "" {
		buf.WriteString("      - run:\n")
		fmt.Fprintf(buf, "          name: %s\n", job.Name)
		fmt.Fprintf(buf, "          command: >-\n            %s\n", job.Command)
	}

	buf.WriteString("\n")
}

func writeCircleCIWorkflowJobs(buf *bytes.Buffer, jobs []Job) {
	for _, job := range jobs {
		if len(job.DependsOn) == 0 {
			fmt.Fprintf(buf, "      - %s\n", job.ID)
			continue
		}
		fmt.Fprintf(buf, "      - %s:\n", job.ID)
		buf.WriteString("          requires:\n")
		for _, dep := range job.DependsOn {
			fmt.Fprintf(buf, "            - %s\n", dep)
		}
	}
}

// circleCIWorkflowID makes a workflow name safe for YAML keys.
func circleCIWorkflowID(name string) string {
	r := strings.NewReplacer(" ", "-", "/", "-", ".", "-")
	return strings.ToLower(r.Replace(name))
}
