package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// Suffix identifies groundctl declaration files within a directory.
const Suffix = ".gctl.hcl"

// Parser parses declaration files.
type Parser struct {
	parser *hclparse.Parser
}

// NewParser creates a new parser.
func NewParser() *Parser {
	return &Parser{parser: hclparse.NewParser()}
}

var rootSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "resource", LabelNames: []string{"kind", "name"}},
		{Type: "module", LabelNames: []string{"name"}},
		{Type: "variable", LabelNames: []string{"name"}},
		{Type: "output", LabelNames: []string{"name"}},
		{Type: "locals"},
	},
}

// ParseDirectory parses every *.gctl.hcl file in dir (sorted by name)
// into a single module scope.
func (p *Parser) ParseDirectory(dir string) (*Module, hcl.Diagnostics, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read module directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if filepath.Ext(entry.Name()) == ".hcl" && len(entry.Name()) > len(Suffix) &&
			entry.Name()[len(entry.Name())-len(Suffix):] == Suffix {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)

	module := NewModule(dir)
	var diags hcl.Diagnostics
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, diags, fmt.Errorf("failed to read %s: %w", path, err)
		}
		diags = append(diags, p.parseInto(module, data, path)...)
	}

	return module, diags, nil
}

// ParseBytes parses a single declaration file from raw bytes into a new
// module scope.
func (p *Parser) ParseBytes(data []byte, filename string) (*Module, hcl.Diagnostics, error) {
	module := NewModule("")
	diags := p.parseInto(module, data, filename)
	if diags.HasErrors() {
		return module, diags, fmt.Errorf("failed to parse %s: %s", filename, diags.Error())
	}
	return module, diags, nil
}

func (p *Parser) parseInto(module *Module, data []byte, filename string) hcl.Diagnostics {
	file, diags := p.parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return diags
	}

	content, moreDiags := file.Body.Content(rootSchema)
	diags = append(diags, moreDiags...)

	for _, block := range content.Blocks {
		switch block.Type {
		case "resource":
			resource, blockDiags := parseResource(block)
			diags = append(diags, blockDiags...)
			if resource == nil {
				continue
			}
			if existing := module.ResourceByAddr(resource.Addr()); existing != nil {
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Duplicate resource declaration",
					Detail: fmt.Sprintf("A resource %s.%s was already declared at %s. The (kind, name) pair must be unique within a module.",
						resource.Kind, resource.Name, existing.DeclRange),
					Subject: block.DefRange.Ptr(),
				})
				continue
			}
			module.Resources = append(module.Resources, resource)

		case "module":
			call, blockDiags := parseModuleCall(block)
			diags = append(diags, blockDiags...)
			if call == nil {
				continue
			}
			if existing, ok := module.ModuleCalls[call.Name]; ok {
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Duplicate module call",
					Detail:   fmt.Sprintf("A module %q was already declared at %s.", call.Name, existing.DeclRange),
					Subject:  block.DefRange.Ptr(),
				})
				continue
			}
			module.ModuleCalls[call.Name] = call

		case "variable":
			variable, blockDiags := parseVariable(block)
			diags = append(diags, blockDiags...)
			if variable == nil {
				continue
			}
			if existing, ok := module.Variables[variable.Name]; ok {
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Duplicate variable declaration",
					Detail:   fmt.Sprintf("A variable %q was already declared at %s.", variable.Name, existing.DeclRange),
					Subject:  block.DefRange.Ptr(),
				})
				continue
			}
			module.Variables[variable.Name] = variable

		case "output":
			output, blockDiags := parseOutput(block)
			diags = append(diags, blockDiags...)
			if output == nil {
				continue
			}
			if existing, ok := module.Outputs[output.Name]; ok {
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Duplicate output declaration",
					Detail:   fmt.Sprintf("An output %q was already declared at %s.", output.Name, existing.DeclRange),
					Subject:  block.DefRange.Ptr(),
				})
				continue
			}
			module.Outputs[output.Name] = output

		case "locals":
			attrs, attrDiags := block.Body.JustAttributes()
			diags = append(diags, attrDiags...)
			for name, attr := range attrs {
				if existing, ok := module.Locals[name]; ok {
					diags = append(diags, &hcl.Diagnostic{
						Severity: hcl.DiagError,
						Summary:  "Duplicate local value",
						Detail:   fmt.Sprintf("A local %q was already declared at %s.", name, existing.DeclRange),
						Subject:  attr.Range.Ptr(),
					})
					continue
				}
				module.Locals[name] = &Local{
					Name:      name,
					Expr:      attr.Expr,
					DeclRange: attr.Range,
				}
			}
		}
	}

	return diags
}

var resourceSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "count"},
		{Name: "depends_on"},
	},
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "lifecycle"},
	},
}

var lifecycleSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "create_before_destroy"},
		{Name: "prevent_destroy"},
		{Name: "ignore_changes"},
	},
}

func parseResource(block *hcl.Block) (*Resource, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	resource := &Resource{
		Kind:       block.Labels[0],
		Name:       block.Labels[1],
		Attributes: map[string]hcl.Expression{},
		DeclRange:  block.DefRange,
	}

	content, remain, moreDiags := block.Body.PartialContent(resourceSchema)
	diags = append(diags, moreDiags...)

	if attr, ok := content.Attributes["count"]; ok {
		resource.Count = attr.Expr
	}

	if attr, ok := content.Attributes["depends_on"]; ok {
		exprs, listDiags := hcl.ExprList(attr.Expr)
		diags = append(diags, listDiags...)
		for _, expr := range exprs {
			traversal, travDiags := hcl.AbsTraversalForExpr(expr)
			diags = append(diags, travDiags...)
			if !travDiags.HasErrors() {
				resource.DependsOn = append(resource.DependsOn, traversal)
			}
		}
	}

	for _, lcBlock := range content.Blocks.OfType("lifecycle") {
		lcContent, lcDiags := lcBlock.Body.Content(lifecycleSchema)
		diags = append(diags, lcDiags...)

		if attr, ok := lcContent.Attributes["create_before_destroy"]; ok {
			val, valDiags := literalValue(attr, cty.Bool)
			diags = append(diags, valDiags...)
			if !valDiags.HasErrors() {
				resource.Lifecycle.CreateBeforeDestroy = val.True()
			}
		}
		if attr, ok := lcContent.Attributes["prevent_destroy"]; ok {
			val, valDiags := literalValue(attr, cty.Bool)
			diags = append(diags, valDiags...)
			if !valDiags.HasErrors() {
				resource.Lifecycle.PreventDestroy = val.True()
			}
		}
		if attr, ok := lcContent.Attributes["ignore_changes"]; ok {
			exprs, listDiags := hcl.ExprList(attr.Expr)
			diags = append(diags, listDiags...)
			for _, expr := range exprs {
				// Accept both bare attribute names and quoted strings.
				if name := hcl.ExprAsKeyword(expr); name != "" {
					resource.Lifecycle.IgnoreChanges = append(resource.Lifecycle.IgnoreChanges, name)
					continue
				}
				val, valDiags := expr.Value(nil)
				if valDiags.HasErrors() || val.Type() != cty.String {
					diags = append(diags, &hcl.Diagnostic{
						Severity: hcl.DiagError,
						Summary:  "Invalid ignore_changes entry",
						Detail:   "Entries must be attribute names.",
						Subject:  expr.Range().Ptr(),
					})
					continue
				}
				resource.Lifecycle.IgnoreChanges = append(resource.Lifecycle.IgnoreChanges, val.AsString())
			}
		}
	}

	attrs, attrDiags := remain.JustAttributes()
	diags = append(diags, attrDiags...)
	for name, attr := range attrs {
		resource.Attributes[name] = attr.Expr
	}

	return resource, diags
}

var variableSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "type"},
		{Name: "description"},
		{Name: "default"},
	},
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "validation"},
	},
}

var validationSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "condition", Required: true},
		{Name: "error_message", Required: true},
	},
}

func parseVariable(block *hcl.Block) (*Variable, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	variable := &Variable{
		Name:      block.Labels[0],
		Type:      cty.DynamicPseudoType,
		Default:   cty.NilVal,
		DeclRange: block.DefRange,
	}

	content, moreDiags := block.Body.Content(variableSchema)
	diags = append(diags, moreDiags...)

	if attr, ok := content.Attributes["type"]; ok {
		// Type is a constraint keyword, not an expression to evaluate.
		keyword := hcl.ExprAsKeyword(attr.Expr)
		ty, ok := typeFromKeyword(keyword)
		if !ok {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid variable type",
				Detail:   fmt.Sprintf("Type %q is not supported. Use string, number, bool, list, map, or any.", keyword),
				Subject:  attr.Expr.Range().Ptr(),
			})
		} else {
			variable.Type = ty
		}
	}

	if attr, ok := content.Attributes["description"]; ok {
		val, valDiags := literalValue(attr, cty.String)
		diags = append(diags, valDiags...)
		if !valDiags.HasErrors() {
			variable.Description = val.AsString()
		}
	}

	if attr, ok := content.Attributes["default"]; ok {
		val, valDiags := attr.Expr.Value(nil)
		if valDiags.HasErrors() {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid variable default",
				Detail:   "Default values must be literals and may not reference other objects.",
				Subject:  attr.Expr.Range().Ptr(),
			})
		} else {
			variable.Default = val
		}
	}

	for _, vBlock := range content.Blocks.OfType("validation") {
		vContent, vDiags := vBlock.Body.Content(validationSchema)
		diags = append(diags, vDiags...)
		if vDiags.HasErrors() {
			continue
		}

		validation := &Validation{DeclRange: vBlock.DefRange}
		validation.Condition = vContent.Attributes["condition"].Expr
		msgVal, msgDiags := literalValue(vContent.Attributes["error_message"], cty.String)
		diags = append(diags, msgDiags...)
		if !msgDiags.HasErrors() {
			validation.ErrorMessage = msgVal.AsString()
		}
		variable.Validation = validation
		break
	}

	return variable, diags
}

var outputSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "value", Required: true},
		{Name: "description"},
		{Name: "sensitive"},
	},
}

func parseOutput(block *hcl.Block) (*Output, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	output := &Output{
		Name:      block.Labels[0],
		DeclRange: block.DefRange,
	}

	content, moreDiags := block.Body.Content(outputSchema)
	diags = append(diags, moreDiags...)

	if attr, ok := content.Attributes["value"]; ok {
		output.Value = attr.Expr
	}
	if attr, ok := content.Attributes["description"]; ok {
		val, valDiags := literalValue(attr, cty.String)
		diags = append(diags, valDiags...)
		if !valDiags.HasErrors() {
			output.Description = val.AsString()
		}
	}
	if attr, ok := content.Attributes["sensitive"]; ok {
		val, valDiags := literalValue(attr, cty.Bool)
		diags = append(diags, valDiags...)
		if !valDiags.HasErrors() {
			output.Sensitive = val.True()
		}
	}

	return output, diags
}

var moduleCallSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "source", Required: true},
	},
}

func parseModuleCall(block *hcl.Block) (*ModuleCall, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	call := &ModuleCall{
		Name:      block.Labels[0],
		Inputs:    map[string]hcl.Expression{},
		DeclRange: block.DefRange,
	}

	content, remain, moreDiags := block.Body.PartialContent(moduleCallSchema)
	diags = append(diags, moreDiags...)

	if attr, ok := content.Attributes["source"]; ok {
		// Source must be a literal so the module tree can be loaded
		// before evaluation.
		val, valDiags := attr.Expr.Value(nil)
		if valDiags.HasErrors() || val.Type() != cty.String {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid module source",
				Detail:   "The source argument must be a literal string.",
				Subject:  attr.Expr.Range().Ptr(),
			})
		} else {
			call.Source = val.AsString()
		}
	}

	attrs, attrDiags := remain.JustAttributes()
	diags = append(diags, attrDiags...)
	for name, attr := range attrs {
		call.Inputs[name] = attr.Expr
	}

	return call, diags
}

// literalValue evaluates an attribute that must be a literal of the
// given type.
func literalValue(attr *hcl.Attribute, want cty.Type) (cty.Value, hcl.Diagnostics) {
	val, diags := attr.Expr.Value(nil)
	if diags.HasErrors() {
		return cty.NilVal, diags
	}
	if val.Type() != want {
		return cty.NilVal, hcl.Diagnostics{&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid attribute value",
			Detail:   fmt.Sprintf("%s must be a literal %s.", attr.Name, want.FriendlyName()),
			Subject:  attr.Expr.Range().Ptr(),
		}}
	}
	return val, nil
}

func typeFromKeyword(keyword string) (cty.Type, bool) {
	switch keyword {
	case "string":
		return cty.String, true
	case "number":
		return cty.Number, true
	case "bool":
		return cty.Bool, true
	case "list":
		return cty.List(cty.DynamicPseudoType), true
	case "map":
		return cty.Map(cty.DynamicPseudoType), true
	case "any":
		return cty.DynamicPseudoType, true
	default:
		return cty.NilType, false
	}
}
