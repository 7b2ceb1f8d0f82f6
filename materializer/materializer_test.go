package materializer

import (
	"fmt"
	"reflect"
	"sort"
	"testing"

	viewdef "github.com/gofhir/fhirview"
)

// fakeEvaluator resolves FHIRPath expressions by looking them up against the
// scope's own fields, enough to exercise the Materializer without depending
// on a real FHIRPath implementation.
type fakeEvaluator struct {
	// exprOverrides short-circuits specific expressions regardless of scope,
	// keyed by expression text.
	overrides map[string]func(scope any) []any
}

func (f *fakeEvaluator) Eval(expr string, scope any) ([]any, error) {
	if f.overrides != nil {
		if fn, ok := f.overrides[expr]; ok {
			return fn(scope), nil
		}
	}

	m, ok := scope.(map[string]any)
	if !ok {
		return nil, nil
	}
	v, ok := m[expr]
	if !ok || v == nil {
		return nil, nil
	}
	if items, ok := v.([]any); ok {
		return items, nil
	}
	return []any{v}, nil
}

func planWithColumns(resource string, columns ...viewdef.Column) *viewdef.Plan {
	return &viewdef.Plan{
		Resource: resource,
		Name:     "test",
		Columns:  columns,
		Branches: []viewdef.Branch{
			{SelectPath: "0", Kind: viewdef.BranchLeaf, Columns: columns},
		},
	}
}

func TestMaterialize_TypeGateExcludesOtherResourceTypes(t *testing.T) {
	m := New(&fakeEvaluator{})
	plan := planWithColumns("Patient", viewdef.Column{Path: "id", Name: "id"})

	rows, matched, err := m.Materialize(plan, map[string]any{"resourceType": "Observation", "id": "1"})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if matched {
		t.Error("matched = true, want false for a non-matching resourceType")
	}
	if len(rows) != 0 {
		t.Errorf("rows = %v, want none", rows)
	}
}

func TestMaterialize_SimpleLeafRow(t *testing.T) {
	m := New(&fakeEvaluator{})
	plan := planWithColumns("Patient",
		viewdef.Column{Path: "id", Name: "id"},
		viewdef.Column{Path: "active", Name: "active"},
	)

	rows, matched, err := m.Materialize(plan, map[string]any{"resourceType": "Patient", "id": "1", "active": true})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if !matched {
		t.Fatal("matched = false, want true")
	}
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
	if rows[0]["id"] != "1" || rows[0]["active"] != true {
		t.Errorf("row = %+v", rows[0])
	}
}

func TestMaterialize_AllNullRowSuppressed(t *testing.T) {
	m := New(&fakeEvaluator{})
	plan := planWithColumns("Patient", viewdef.Column{Path: "missing", Name: "missing"})

	rows, matched, err := m.Materialize(plan, map[string]any{"resourceType": "Patient", "id": "1"})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if !matched {
		t.Fatal("matched = false, want true (type gate and where still passed)")
	}
	if len(rows) != 0 {
		t.Errorf("rows = %v, want none (every column null)", rows)
	}
}

func TestMaterialize_WhereFilterExcludes(t *testing.T) {
	m := New(&fakeEvaluator{})
	plan := planWithColumns("Patient", viewdef.Column{Path: "id", Name: "id"})
	plan.WhereClauses = []string{"active"}

	rows, matched, err := m.Materialize(plan, map[string]any{"resourceType": "Patient", "id": "1", "active": false})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if matched {
		t.Error("matched = true, want false: where clause evaluated to false")
	}
	if len(rows) != 0 {
		t.Errorf("rows = %v, want none", rows)
	}
}

func TestMaterialize_ForEachFansOutPerElement(t *testing.T) {
	eval := &fakeEvaluator{}
	m := New(eval)

	idCol := viewdef.Column{Path: "id", Name: "id"}
	familyCol := viewdef.Column{Path: "family", Name: "family"}
	plan := &viewdef.Plan{
		Resource: "Patient",
		Name:     "test",
		Columns:  []viewdef.Column{idCol, familyCol},
		Branches: []viewdef.Branch{
			{SelectPath: "0", Kind: viewdef.BranchLeaf, Columns: []viewdef.Column{idCol}},
			{
				SelectPath:     "1",
				Kind:           viewdef.BranchForEach,
				IterExpression: "name",
				Columns:        []viewdef.Column{familyCol},
			},
		},
	}

	resource := map[string]any{
		"resourceType": "Patient",
		"id":           "1",
		"name": []any{
			map[string]any{"family": "Smith"},
			map[string]any{"family": "Jones"},
		},
	}

	rows, matched, err := m.Materialize(plan, resource)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if !matched {
		t.Fatal("matched = false, want true")
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	families := []string{fmt.Sprint(rows[0]["family"]), fmt.Sprint(rows[1]["family"])}
	sort.Strings(families)
	if families[0] != "Jones" || families[1] != "Smith" {
		t.Errorf("families = %v, want [Jones Smith]", families)
	}
	for _, r := range rows {
		if r["id"] != "1" {
			t.Errorf("row missing outer id: %+v", r)
		}
	}
}

func TestMaterialize_ForEachOrNullEmitsOneNullRowWhenEmpty(t *testing.T) {
	m := New(&fakeEvaluator{})
	familyCol := viewdef.Column{Path: "family", Name: "family"}
	idCol := viewdef.Column{Path: "id", Name: "id"}
	plan := &viewdef.Plan{
		Resource: "Patient",
		Name:     "test",
		Columns:  []viewdef.Column{idCol, familyCol},
		Branches: []viewdef.Branch{
			{SelectPath: "0", Kind: viewdef.BranchLeaf, Columns: []viewdef.Column{idCol}},
			{SelectPath: "1", Kind: viewdef.BranchForEachOrNull, IterExpression: "name", Columns: []viewdef.Column{familyCol}},
		},
	}

	rows, matched, err := m.Materialize(plan, map[string]any{"resourceType": "Patient", "id": "1"})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if !matched {
		t.Fatal("matched = false, want true")
	}
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1 (outer id keeps the row non-null)", len(rows))
	}
	if rows[0]["id"] != "1" {
		t.Errorf("row = %+v", rows[0])
	}
	if v, ok := rows[0]["family"]; !ok || v != nil {
		t.Errorf("family = %v, want explicit nil", v)
	}
}

func TestMaterialize_ForEachEmitsNoRowsWhenEmpty(t *testing.T) {
	m := New(&fakeEvaluator{})
	familyCol := viewdef.Column{Path: "family", Name: "family"}
	plan := &viewdef.Plan{
		Resource: "Patient",
		Name:     "test",
		Columns:  []viewdef.Column{familyCol},
		Branches: []viewdef.Branch{
			{SelectPath: "0", Kind: viewdef.BranchForEach, IterExpression: "name", Columns: []viewdef.Column{familyCol}},
		},
	}

	rows, matched, err := m.Materialize(plan, map[string]any{"resourceType": "Patient", "id": "1"})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if !matched {
		t.Fatal("matched = false, want true")
	}
	if len(rows) != 0 {
		t.Fatalf("rows = %v, want none: forEach over an empty collection emits nothing", rows)
	}
}

func TestMaterialize_UnionAllConcatenatesAndPadsColumns(t *testing.T) {
	m := New(&fakeEvaluator{
		overrides: map[string]func(scope any) []any{
			"'a'": func(any) []any { return []any{"a"} },
			"'b'": func(any) []any { return []any{"b"} },
		},
	})

	aCol := viewdef.Column{Path: "'a'", Name: "kind_a"}
	bCol := viewdef.Column{Path: "'b'", Name: "kind_b"}
	plan := &viewdef.Plan{
		Resource: "Patient",
		Name:     "test",
		Columns:  []viewdef.Column{aCol, bCol},
		Branches: []viewdef.Branch{
			{
				SelectPath: "0",
				Kind:       viewdef.BranchUnion,
				Children: []viewdef.Branch{
					{SelectPath: "0.union.0", Kind: viewdef.BranchLeaf, Columns: []viewdef.Column{aCol}},
					{SelectPath: "0.union.1", Kind: viewdef.BranchLeaf, Columns: []viewdef.Column{bCol}},
				},
			},
		},
	}

	rows, matched, err := m.Materialize(plan, map[string]any{"resourceType": "Patient"})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if !matched {
		t.Fatal("matched = false, want true")
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	for _, r := range rows {
		if _, ok := r["kind_a"]; !ok {
			t.Errorf("row %+v missing padded kind_a column", r)
		}
		if _, ok := r["kind_b"]; !ok {
			t.Errorf("row %+v missing padded kind_b column", r)
		}
	}
	if rows[0]["kind_a"] != "a" || rows[0]["kind_b"] != nil {
		t.Errorf("first union row = %+v", rows[0])
	}
	if rows[1]["kind_b"] != "b" || rows[1]["kind_a"] != nil {
		t.Errorf("second union row = %+v", rows[1])
	}
}

func TestMaterialize_CollectionColumnKeepsWholeSlice(t *testing.T) {
	m := New(&fakeEvaluator{})
	col := viewdef.Column{Path: "tag", Name: "tags", Collection: true}
	plan := planWithColumns("Patient", col)

	rows, _, err := m.Materialize(plan, map[string]any{
		"resourceType": "Patient",
		"tag":          []any{"a", "b"},
	})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
	got, ok := rows[0]["tags"].([]any)
	if !ok || !reflect.DeepEqual(got, []any{"a", "b"}) {
		t.Errorf("tags = %#v, want [a b]", rows[0]["tags"])
	}
}
