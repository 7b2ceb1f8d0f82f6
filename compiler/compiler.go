package compiler

import (
	"regexp"
	"strconv"
	"strings"

	viewdef "github.com/gofhir/fhirview"
	"github.com/gofhir/fhirview/logx"
	"github.com/gofhir/fhirview/pool"
)

var columnNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Compile validates vd and resolves it into an immutable Plan. Compile does
// not touch any resource data; every check here is structural, per spec §7's
// "malformed ViewDefinition" error class.
func Compile(vd *ViewDefinition, opts ...Option) (*viewdef.Plan, error) {
	options := buildOptions(opts)

	if vd == nil {
		return nil, invalidf("", "", "view definition is nil")
	}
	if strings.TrimSpace(vd.Name) == "" {
		return nil, invalidf(vd.Name, "", "name is required")
	}
	if strings.TrimSpace(vd.Resource) == "" {
		return nil, invalidf(vd.Name, "", "resource is required")
	}
	if len(vd.Select) == 0 {
		return nil, invalidf(vd.Name, "", "select must have at least one entry")
	}

	c := &compilation{name: vd.Name, seenNames: map[string]bool{}, dryRun: options.dryRun}

	branches, err := c.compileNodes(vd.Select, "")
	if err != nil {
		return nil, err
	}

	constants := make([]viewdef.Constant, 0, len(vd.Constant))
	for _, cs := range vd.Constant {
		if strings.TrimSpace(cs.Name) == "" {
			return nil, invalidf(vd.Name, "", "constant is missing a name")
		}
		if cs.Type == "" {
			return nil, invalidf(vd.Name, "", "constant %q has no value* attribute", cs.Name)
		}
		constants = append(constants, viewdef.Constant{Name: cs.Name, Value: cs.Value, Type: cs.Type})
	}

	wheres := make([]string, 0, len(vd.Where))
	for _, w := range vd.Where {
		if strings.TrimSpace(w.Path) == "" {
			return nil, invalidf(vd.Name, "", "where clause is missing a path")
		}
		wheres = append(wheres, w.Path)
	}

	plan := &viewdef.Plan{
		Resource:     vd.Resource,
		Name:         vd.Name,
		Columns:      c.allColumns,
		Branches:     branches,
		WhereClauses: wheres,
		Constants:    constants,
	}

	if len(plan.Columns) == 0 {
		return nil, invalidf(vd.Name, "", "view definition declares no columns")
	}

	for path, missing := range plan.UnionColumnGaps() {
		logx.Warn("union-column-gap", logx.F("view", vd.Name), logx.F("path", path), logx.F("missing", missing))
	}

	return plan, nil
}

// compilation carries state threaded through the recursive descent: the
// running list of every column seen (for Plan.Columns and duplicate-name
// detection) and the ViewDefinition's name for error messages.
type compilation struct {
	name       string
	seenNames  map[string]bool
	allColumns []viewdef.Column
	dryRun     bool
}

// compileNodes compiles a sibling list of select nodes (the ViewDefinition's
// top-level select[], or any node's nested select[]) into Branches, per
// spec §4.A's positional selectPath scheme: "0", "1", "0.1", ...
func (c *compilation) compileNodes(nodes []SelectNode, parentPath string) ([]viewdef.Branch, error) {
	branches := make([]viewdef.Branch, 0, len(nodes))
	for i, node := range nodes {
		path := strconv.Itoa(i)
		if parentPath != "" {
			path = pool.JoinPath(parentPath, path)
		}
		branch, err := c.compileNode(node, path)
		if err != nil {
			return nil, err
		}
		branches = append(branches, branch)
	}
	return branches, nil
}

// compileNode compiles a single select node into a Branch.
func (c *compilation) compileNode(node SelectNode, path string) (viewdef.Branch, error) {
	if len(node.UnionAll) > 0 {
		if len(node.Column) > 0 || node.ForEach != "" || node.ForEachOrNull != "" || len(node.Select) > 0 {
			return viewdef.Branch{}, invalidf(c.name, path, "unionAll cannot be combined with column, forEach, forEachOrNull, or select on the same node")
		}
		children, err := c.compileUnionAll(node.UnionAll, path)
		if err != nil {
			return viewdef.Branch{}, err
		}
		return viewdef.Branch{SelectPath: path, Kind: viewdef.BranchUnion, Children: children}, nil
	}

	if node.ForEach != "" && node.ForEachOrNull != "" {
		return viewdef.Branch{}, invalidf(c.name, path, "forEach and forEachOrNull cannot both be set on the same node")
	}

	kind := viewdef.BranchLeaf
	iterExpr := ""
	switch {
	case node.ForEach != "":
		kind = viewdef.BranchForEach
		iterExpr = node.ForEach
	case node.ForEachOrNull != "":
		kind = viewdef.BranchForEachOrNull
		iterExpr = node.ForEachOrNull
	}

	columns, err := c.compileColumns(node.Column, path)
	if err != nil {
		return viewdef.Branch{}, err
	}

	children, err := c.compileNodes(node.Select, path)
	if err != nil {
		return viewdef.Branch{}, err
	}

	if kind == viewdef.BranchLeaf && len(columns) == 0 && len(children) == 0 {
		return viewdef.Branch{}, invalidf(c.name, path, "select node has no column, select, forEach, forEachOrNull, or unionAll")
	}

	return viewdef.Branch{
		SelectPath:     path,
		Kind:           kind,
		IterExpression: iterExpr,
		Columns:        columns,
		Children:       children,
	}, nil
}

// compileUnionAll compiles each unionAll alternative as its own branch,
// stamped "<path>.union.<index>" per spec §4.A.
func (c *compilation) compileUnionAll(alts []SelectNode, path string) ([]viewdef.Branch, error) {
	children := make([]viewdef.Branch, 0, len(alts))
	outer := c.seenNames
	merged := make(map[string]bool, len(outer))
	for i, alt := range alts {
		// Alternatives may repeat each other's column names; a name must
		// only be unique against columns declared outside this union.
		c.seenNames = make(map[string]bool, len(outer))
		for name := range outer {
			c.seenNames[name] = true
		}
		childPath := pool.JoinPath(path, "union", strconv.Itoa(i))
		child, err := c.compileNode(alt, childPath)
		if err != nil {
			return nil, err
		}
		for name := range c.seenNames {
			merged[name] = true
		}
		children = append(children, child)
	}
	c.seenNames = merged
	return children, nil
}

// compileColumns validates and converts column specs, stamping SelectPath
// and appending each to the compilation's global declaration-order list.
func (c *compilation) compileColumns(specs []ColumnSpec, path string) ([]viewdef.Column, error) {
	columns := make([]viewdef.Column, 0, len(specs))
	for _, spec := range specs {
		if strings.TrimSpace(spec.Path) == "" {
			return nil, invalidf(c.name, path, "column is missing a path")
		}
		if !columnNamePattern.MatchString(spec.Name) {
			return nil, invalidf(c.name, path, "column name %q is not a valid identifier", spec.Name)
		}
		if c.seenNames[spec.Name] && !c.dryRun {
			return nil, invalidf(c.name, path, "duplicate column name %q", spec.Name)
		}
		c.seenNames[spec.Name] = true

		tags := make([]viewdef.Tag, 0, len(spec.Tag))
		for _, t := range spec.Tag {
			tags = append(tags, viewdef.Tag{Name: t.Name, Value: t.Value})
		}

		typ := spec.Type
		if typ == "" {
			typ = "string"
		}

		col := viewdef.Column{
			Path:        spec.Path,
			Name:        spec.Name,
			Type:        typ,
			Description: spec.Description,
			Collection:  spec.Collection,
			Tags:        tags,
			SelectPath:  path,
		}
		columns = append(columns, col)
		c.allColumns = append(c.allColumns, col)
	}
	return columns, nil
}
