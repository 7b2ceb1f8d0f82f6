package compiler

import (
	"encoding/json"
	"testing"

	viewdef "github.com/gofhir/fhirview"
)

func mustParse(t *testing.T, raw string) *ViewDefinition {
	t.Helper()
	var vd ViewDefinition
	if err := json.Unmarshal([]byte(raw), &vd); err != nil {
		t.Fatalf("unmarshal view definition: %v", err)
	}
	return &vd
}

func TestCompile_SimpleLeaf(t *testing.T) {
	vd := mustParse(t, `{
		"name": "patients",
		"resource": "Patient",
		"select": [
			{"column": [
				{"path": "id", "name": "id"},
				{"path": "active", "name": "active", "type": "boolean"}
			]}
		]
	}`)

	plan, err := Compile(vd)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if plan.Resource != "Patient" {
		t.Errorf("Resource = %q, want Patient", plan.Resource)
	}
	if len(plan.Columns) != 2 {
		t.Fatalf("len(Columns) = %d, want 2", len(plan.Columns))
	}
	if plan.Columns[0].SelectPath != "0" {
		t.Errorf("Columns[0].SelectPath = %q, want %q", plan.Columns[0].SelectPath, "0")
	}
}

func TestCompile_NestedSelectPaths(t *testing.T) {
	vd := mustParse(t, `{
		"name": "patients",
		"resource": "Patient",
		"select": [
			{
				"forEach": "name",
				"column": [{"path": "family", "name": "family"}],
				"select": [
					{"column": [{"path": "use", "name": "name_use"}]}
				]
			}
		]
	}`)

	plan, err := Compile(vd)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(plan.Branches) != 1 {
		t.Fatalf("len(Branches) = %d, want 1", len(plan.Branches))
	}
	b := plan.Branches[0]
	if b.Kind != viewdef.BranchForEach {
		t.Errorf("Kind = %v, want BranchForEach", b.Kind)
	}
	if b.SelectPath != "0" {
		t.Errorf("SelectPath = %q, want %q", b.SelectPath, "0")
	}
	if len(b.Children) != 1 || b.Children[0].SelectPath != "0.0" {
		t.Fatalf("child SelectPath = %+v, want one child at 0.0", b.Children)
	}
}

func TestCompile_UnionAllPaths(t *testing.T) {
	vd := mustParse(t, `{
		"name": "mixed",
		"resource": "Patient",
		"select": [
			{"unionAll": [
				{"column": [{"path": "'a'", "name": "kind"}]},
				{"column": [{"path": "'b'", "name": "kind"}]}
			]}
		]
	}`)

	plan, err := Compile(vd)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	b := plan.Branches[0]
	if b.Kind != viewdef.BranchUnion {
		t.Errorf("Kind = %v, want BranchUnion", b.Kind)
	}
	wantPaths := []string{"0.union.0", "0.union.1"}
	for i, child := range b.Children {
		if child.SelectPath != wantPaths[i] {
			t.Errorf("Children[%d].SelectPath = %q, want %q", i, child.SelectPath, wantPaths[i])
		}
	}
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{
			name: "missing name",
			raw:  `{"resource": "Patient", "select": [{"column": [{"path": "id", "name": "id"}]}]}`,
		},
		{
			name: "missing resource",
			raw:  `{"name": "v", "select": [{"column": [{"path": "id", "name": "id"}]}]}`,
		},
		{
			name: "empty select",
			raw:  `{"name": "v", "resource": "Patient", "select": []}`,
		},
		{
			name: "unionAll combined with column",
			raw: `{"name": "v", "resource": "Patient", "select": [
				{"unionAll": [{"column": [{"path": "id", "name": "id"}]}], "column": [{"path": "id", "name": "id2"}]}
			]}`,
		},
		{
			name: "forEach and forEachOrNull both set",
			raw: `{"name": "v", "resource": "Patient", "select": [
				{"forEach": "name", "forEachOrNull": "name", "column": [{"path": "family", "name": "family"}]}
			]}`,
		},
		{
			name: "invalid column name",
			raw: `{"name": "v", "resource": "Patient", "select": [
				{"column": [{"path": "id", "name": "not valid"}]}
			]}`,
		},
		{
			name: "duplicate column name",
			raw: `{"name": "v", "resource": "Patient", "select": [
				{"column": [{"path": "id", "name": "id"}, {"path": "id", "name": "id"}]}
			]}`,
		},
		{
			name: "empty leaf",
			raw: `{"name": "v", "resource": "Patient", "select": [
				{}
			]}`,
		},
		{
			name: "constant with no value* attribute",
			raw: `{"name": "v", "resource": "Patient", "select": [
				{"column": [{"path": "id", "name": "id"}]}
			], "constant": [{"name": "onlyName"}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vd := mustParse(t, tt.raw)
			if _, err := Compile(vd); err == nil {
				t.Errorf("Compile() error = nil, want error")
			}
		})
	}
}

func TestCompile_DryRunAllowsDuplicateNames(t *testing.T) {
	vd := mustParse(t, `{
		"name": "v",
		"resource": "Patient",
		"select": [
			{"column": [{"path": "id", "name": "id"}, {"path": "id", "name": "id"}]}
		]
	}`)

	if _, err := Compile(vd, DryRun()); err != nil {
		t.Errorf("Compile with DryRun() error = %v, want nil", err)
	}
	if _, err := Compile(vd); err == nil {
		t.Errorf("Compile without DryRun() error = nil, want duplicate-name error")
	}
}

func TestCompile_UnionColumnGapsNeverFatal(t *testing.T) {
	vd := mustParse(t, `{
		"name": "v",
		"resource": "Patient",
		"select": [
			{"unionAll": [
				{"column": [{"path": "'a'", "name": "a"}]},
				{"column": [{"path": "'b'", "name": "b"}]}
			]}
		]
	}`)

	plan, err := Compile(vd)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(plan.UnionColumnGaps()) == 0 {
		t.Fatal("expected a union column gap between the two alternatives")
	}
}

func TestCompile_ConstantsAndWhere(t *testing.T) {
	vd := mustParse(t, `{
		"name": "v",
		"resource": "Patient",
		"select": [{"column": [{"path": "id", "name": "id"}]}],
		"where": [{"path": "active = true"}],
		"constant": [{"name": "favoriteSystem", "valueString": "http://example.org"}]
	}`)

	plan, err := Compile(vd)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(plan.WhereClauses) != 1 || plan.WhereClauses[0] != "active = true" {
		t.Fatalf("WhereClauses = %+v", plan.WhereClauses)
	}
	if len(plan.Constants) != 1 || plan.Constants[0].Name != "favoriteSystem" || plan.Constants[0].Type != "string" {
		t.Fatalf("Constants = %+v", plan.Constants)
	}
}
