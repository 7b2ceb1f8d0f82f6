package viewdef

import "fmt"

// BranchKind identifies the structural role of a Branch node in a compiled
// select tree, per spec §3/§4.A.
type BranchKind int

// Branch kinds.
const (
	// BranchLeaf is a plain select node carrying column[] and/or nested
	// select[] (no iteration, no union).
	BranchLeaf BranchKind = iota
	// BranchForEach fans a row out once per element of IterExpression,
	// producing zero rows when the expression is empty (inner join).
	BranchForEach
	// BranchForEachOrNull is BranchForEach except an empty expression
	// result substitutes one null element (outer join).
	BranchForEachOrNull
	// BranchUnion aggregates its Children as alternative select branches
	// whose rows are concatenated.
	BranchUnion
)

// String renders the branch kind for logging and error messages.
func (k BranchKind) String() string {
	switch k {
	case BranchLeaf:
		return "leaf"
	case BranchForEach:
		return "forEach"
	case BranchForEachOrNull:
		return "forEachOrNull"
	case BranchUnion:
		return "union"
	default:
		return "unknown"
	}
}

// Column describes one output column of a view, per spec §3.
type Column struct {
	// Path is the FHIRPath (or constant %-reference) expression evaluated
	// against the current scope to produce the column's value(s).
	Path string
	// Name is the output column identifier; must match ^[A-Za-z][A-Za-z0-9_]*$.
	Name string
	// Type is the semantic type (default "string"); see duckdb/table for
	// the storage type mapping.
	Type string
	// Description is an optional human-readable note, carried through to
	// table comments if the storage layer supports them.
	Description string
	// Collection marks the column as array-typed: the full evaluation
	// list is kept instead of only its first element.
	Collection bool
	// Tags carries free-form key/value annotations; the "ansi/type" tag
	// overrides the semantic-to-storage type mapping.
	Tags []Tag
	// SelectPath is the dotted positional path of the select node that
	// declared this column (e.g. "0.1.union.2"), stamped by the Compiler.
	SelectPath string
}

// Tag is a single free-form column annotation.
type Tag struct {
	Name  string
	Value string
}

// TagValue returns the value of the first tag with the given name.
func (c Column) TagValue(name string) (string, bool) {
	for _, t := range c.Tags {
		if t.Name == name {
			return t.Value, true
		}
	}
	return "", false
}

// Constant is a named, typed literal exposed to FHIRPath expressions as a
// zero-arity function (invoked as %name), per spec §3/§4.B.
type Constant struct {
	Name  string
	Value any
	Type  string
}

// Branch is one node of the compiled select tree, per spec §3.
//
// Invariants (enforced by the compiler, not re-checked here): a BranchLeaf
// node has an empty IterExpression; a BranchForEach/BranchForEachOrNull node
// has a non-empty IterExpression; a BranchUnion node aggregates Children as
// alternatives rather than a nested chain.
type Branch struct {
	SelectPath     string
	Kind           BranchKind
	IterExpression string
	Columns        []Column
	Children       []Branch
}

// Plan is the immutable, compiled output of the Compiler for one
// ViewDefinition, per spec §3.
type Plan struct {
	// Resource is the FHIR resourceType this view is scoped to.
	Resource string
	// Name is the ViewDefinition's declared name; Table() lowercases it.
	Name string
	// Columns are every column declared anywhere in the select tree, in
	// declaration order — used to create the destination table.
	Columns []Column
	// Branches is the root-level ordered list of compiled select nodes.
	Branches []Branch
	// WhereClauses are FHIRPath boolean expressions; a resource is
	// admitted only if every clause's first result is boolean true.
	WhereClauses []string
	// Constants are exposed to FHIRPath evaluation as zero-arity
	// functions.
	Constants []Constant
}

// Table returns the destination table name: the lowercased ViewDefinition
// name, per spec §3.
func (p *Plan) Table() string {
	return lowerASCII(p.Name)
}

// ResourceKeyColumn returns the name of the resource-key column
// ("<resource-lowercased>_id"), populated by getResourceKey().
func (p *Plan) ResourceKeyColumn() string {
	return lowerASCII(p.Resource) + "_id"
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// UnionColumnGaps reports, for every BranchUnion in the plan, which of its
// children are missing which columns relative to the union's full column
// set. This is diagnostic only (spec §10 "supplemented features") — it
// never rejects a ViewDefinition, it just helps an author notice a typo
// across unionAll branches that would otherwise silently materialize as
// null.
func (p *Plan) UnionColumnGaps() map[string][]string {
	gaps := make(map[string][]string)
	for i := range p.Branches {
		collectUnionGaps(&p.Branches[i], gaps)
	}
	return gaps
}

func collectUnionGaps(b *Branch, gaps map[string][]string) {
	if b.Kind == BranchUnion {
		all := make(map[string]bool)
		perChild := make([]map[string]bool, len(b.Children))
		for i, child := range b.Children {
			cols := make(map[string]bool)
			collectBranchColumns(&child, cols)
			perChild[i] = cols
			for name := range cols {
				all[name] = true
			}
		}
		for i := range b.Children {
			var missing []string
			for name := range all {
				if !perChild[i][name] {
					missing = append(missing, name)
				}
			}
			if len(missing) > 0 {
				gaps[fmt.Sprintf("%s.union.%d", b.SelectPath, i)] = missing
			}
		}
	}
	for i := range b.Children {
		collectUnionGaps(&b.Children[i], gaps)
	}
}

func collectBranchColumns(b *Branch, into map[string]bool) {
	for _, c := range b.Columns {
		into[c.Name] = true
	}
	for i := range b.Children {
		collectBranchColumns(&b.Children[i], into)
	}
}
