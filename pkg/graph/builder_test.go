package graph

import (
	"sort"
	"testing"

	"github.com/hashicorp/hcl/v2"

	"github.com/groundctl/groundctl/pkg/addrs"
	"github.com/groundctl/groundctl/pkg/config"
	"github.com/groundctl/groundctl/pkg/lang"
)

func buildGraph(t *testing.T, src string, children map[string]string) *Graph {
	t.Helper()
	g, diags := tryBuildGraph(t, src, children)
	if diags.HasErrors() {
		t.Fatalf("unexpected diagnostics: %s", diags.Error())
	}
	return g
}

func tryBuildGraph(t *testing.T, src string, children map[string]string) (*Graph, hcl.Diagnostics) {
	t.Helper()

	root, diags, err := config.NewParser().ParseBytes([]byte(src), "main.gctl.hcl")
	if err != nil {
		t.Fatalf("failed to parse root module: %v", err)
	}
	if diags.HasErrors() {
		t.Fatalf("unexpected diagnostics: %s", diags.Error())
	}
	cfg := &config.Config{
		Path:     addrs.RootModule,
		Module:   root,
		Children: map[string]*config.Config{},
	}
	for name, childSrc := range children {
		child, childDiags, err := config.NewParser().ParseBytes([]byte(childSrc), name+".gctl.hcl")
		if err != nil {
			t.Fatalf("failed to parse child module: %v", err)
		}
		if childDiags.HasErrors() {
			t.Fatalf("unexpected diagnostics: %s", childDiags.Error())
		}
		cfg.Children[name] = &config.Config{
			Path:     cfg.Path.Child(name),
			Module:   child,
			Children: map[string]*config.Config{},
		}
	}

	eval := lang.NewEvaluator(cfg)
	if varDiags := eval.SetRootVariables(nil); varDiags.HasErrors() {
		t.Fatalf("unexpected diagnostics: %s", varDiags.Error())
	}

	g, buildDiags := NewBuilder(cfg, eval).Build()
	return g, buildDiags
}

func assertDependsOn(t *testing.T, g *Graph, dependent, dependency string) {
	t.Helper()
	node := g.GetNode(dependent)
	if node == nil {
		t.Fatalf("node %s not in graph", dependent)
	}
	for _, dep := range node.DependsOn {
		if dep == dependency {
			return
		}
	}
	t.Errorf("expected %s to depend on %s, has %v", dependent, dependency, node.DependsOn)
}

func TestBuilder_AttributeReferences(t *testing.T) {
	g := buildGraph(t, `
resource "network" "main" {
  cidr_block = "10.0.0.0/16"
}

resource "subnet" "a" {
  network_id = network.main.id
  cidr_block = "10.0.1.0/24"
}
`, nil)

	if len(g.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(g.Nodes))
	}
	assertDependsOn(t, g, "subnet.a", "network.main")
}

func TestBuilder_CountExpansion(t *testing.T) {
	g := buildGraph(t, `
resource "subnet" "a" {
  cidr_block = "10.0.1.0/24"
}

resource "instance" "web" {
  count     = 2
  subnet_id = subnet.a.id
}
`, nil)

	want := []string{"instance.web[0]", "instance.web[1]", "subnet.a"}
	got := ids(g.Instances())
	if len(got) != len(want) {
		t.Fatalf("expected nodes %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected nodes %v, got %v", want, got)
		}
	}

	assertDependsOn(t, g, "instance.web[0]", "subnet.a")
	assertDependsOn(t, g, "instance.web[1]", "subnet.a")
}

func TestBuilder_CountZeroProducesNoNodes(t *testing.T) {
	g := buildGraph(t, `
resource "instance" "web" {
  count = 0
  image = "debian-12"
}

resource "gateway" "edge" {
  backends = length(instance.web)
}
`, nil)

	if g.GetNode("instance.web[0]") != nil {
		t.Error("expected no instances for count = 0")
	}
	node := g.GetNode("gateway.edge")
	if node == nil {
		t.Fatal("gateway.edge not in graph")
	}
	if len(node.DependsOn) != 0 {
		t.Errorf("expected no dependencies for reference to empty expansion, got %v", node.DependsOn)
	}
}

func TestBuilder_IndexedReference(t *testing.T) {
	g := buildGraph(t, `
resource "instance" "web" {
  count = 3
  image = "debian-12"
}

resource "gateway" "edge" {
  primary_backend = instance.web[1].private_ip
}
`, nil)

	node := g.GetNode("gateway.edge")
	if node == nil {
		t.Fatal("gateway.edge not in graph")
	}
	if len(node.DependsOn) != 1 || node.DependsOn[0] != "instance.web[1]" {
		t.Errorf("expected single dependency on instance.web[1], got %v", node.DependsOn)
	}
}

func TestBuilder_IndexOutOfRange(t *testing.T) {
	_, diags := tryBuildGraph(t, `
resource "instance" "web" {
  count = 2
  image = "debian-12"
}

resource "gateway" "edge" {
  primary_backend = instance.web[5].private_ip
}
`, nil)

	if !diags.HasErrors() {
		t.Fatal("expected diagnostics for out-of-range index")
	}
}

func TestBuilder_IndexOnUncountedResource(t *testing.T) {
	_, diags := tryBuildGraph(t, `
resource "network" "main" {
  cidr_block = "10.0.0.0/16"
}

resource "subnet" "a" {
  network_id = network.main[0].id
}
`, nil)

	if !diags.HasErrors() {
		t.Fatal("expected diagnostics for index on resource without count")
	}
}

func TestBuilder_UndeclaredReference(t *testing.T) {
	_, diags := tryBuildGraph(t, `
resource "subnet" "a" {
  network_id = network.ghost.id
}
`, nil)

	if !diags.HasErrors() {
		t.Fatal("expected diagnostics for undeclared resource")
	}
}

func TestBuilder_LocalsExpandToResourceDependencies(t *testing.T) {
	g := buildGraph(t, `
resource "network" "main" {
  cidr_block = "10.0.0.0/16"
}

locals {
  net_id = network.main.id
  tag    = "${local.net_id}-primary"
}

resource "subnet" "a" {
  network_id = local.tag
}
`, nil)

	assertDependsOn(t, g, "subnet.a", "network.main")
}

func TestBuilder_DependsOn(t *testing.T) {
	g := buildGraph(t, `
resource "network" "main" {
  cidr_block = "10.0.0.0/16"
}

resource "volume" "data" {
  size_gb    = 100
  depends_on = [network.main]
}
`, nil)

	assertDependsOn(t, g, "volume.data", "network.main")
}

func TestBuilder_DependsOnModule(t *testing.T) {
	g := buildGraph(t, `
module "app" {
  source = "./app"
}

resource "gateway" "edge" {
  listen_port = 443
  depends_on  = [module.app]
}
`, map[string]string{
		"app": `
resource "database" "primary" {
  engine = "postgres"
}
`,
	})

	assertDependsOn(t, g, "gateway.edge", "module.app.database.primary")
}

func TestBuilder_DependsOnRejectsVariables(t *testing.T) {
	_, diags := tryBuildGraph(t, `
variable "env" {
  type    = string
  default = "dev"
}

resource "network" "main" {
  depends_on = [var.env]
}
`, nil)

	if !diags.HasErrors() {
		t.Fatal("expected diagnostics for depends_on naming a variable")
	}
}

func TestBuilder_ModuleBoundaries(t *testing.T) {
	g := buildGraph(t, `
resource "network" "main" {
  cidr_block = "10.0.0.0/16"
}

module "app" {
  source = "./app"
  net_id = network.main.id
}

resource "gateway" "edge" {
  db_host = module.app.db_host
}
`, map[string]string{
		"app": `
variable "net_id" {
  type = string
}

resource "database" "primary" {
  engine     = "postgres"
  network_id = var.net_id
}

output "db_host" {
  value = database.primary.host
}
`,
	})

	// Child variable flows back to the parent's resource.
	assertDependsOn(t, g, "module.app.database.primary", "network.main")
	// Module output flows forward to the parent's consumer.
	assertDependsOn(t, g, "gateway.edge", "module.app.database.primary")
}

func TestBuilder_CycleSurfacesAtSort(t *testing.T) {
	g := buildGraph(t, `
resource "network" "a" {
  peer = subnet.b.id
}

resource "subnet" "b" {
  network_id = network.a.id
}
`, nil)

	if _, err := g.TopologicalSort(); err == nil {
		t.Fatal("expected cycle error from sort")
	}
}

func TestBuilder_DeterministicDependencyOrder(t *testing.T) {
	src := `
resource "network" "main" {
  cidr_block = "10.0.0.0/16"
}

resource "subnet" "a" {
  network_id = network.main.id
}

resource "subnet" "b" {
  network_id = network.main.id
}

resource "instance" "web" {
  subnets = [subnet.a.id, subnet.b.id]
  network = network.main.id
}
`
	want := buildGraph(t, src, nil).GetNode("instance.web").DependsOn
	if !sort.StringsAreSorted(want) {
		t.Fatalf("expected sorted dependencies, got %v", want)
	}
	for i := 0; i < 10; i++ {
		got := buildGraph(t, src, nil).GetNode("instance.web").DependsOn
		if len(got) != len(want) {
			t.Fatalf("dependency set changed between runs: %v vs %v", want, got)
		}
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("dependency order changed between runs: %v vs %v", want, got)
			}
		}
	}
}
