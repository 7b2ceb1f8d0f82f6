package fhirpathx

import "testing"

func TestAdapter_WholeConstantRef(t *testing.T) {
	a := New()
	a.RegisterConstant("favoriteSystem", "http://example.org", "string")

	got, err := a.Eval("%favoriteSystem", nil)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if len(got) != 1 || got[0] != "http://example.org" {
		t.Fatalf("Eval(%%favoriteSystem) = %v", got)
	}
}

func TestAdapter_WholeConstantRef_Unknown(t *testing.T) {
	a := New()
	if _, err := a.Eval("%missing", nil); err == nil {
		t.Error("Eval on an unregistered constant should error")
	}
}

func TestAdapter_GetResourceKeyBareOnScope(t *testing.T) {
	a := New()
	resource := map[string]any{"resourceType": "Patient", "id": "123"}

	got, err := a.Eval("getResourceKey()", resource)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if len(got) != 1 || got[0] != "123" {
		t.Fatalf("Eval(getResourceKey()) = %v, want [123]", got)
	}
}

func TestAdapter_GetReferenceKeyOnScopeCollection(t *testing.T) {
	a := New()
	items := []any{
		map[string]any{"reference": "Patient/1"},
		map[string]any{"reference": "Observation/2"},
	}

	got, err := a.Eval("getReferenceKey('Patient')", items)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if len(got) != 1 || got[0] != "1" {
		t.Fatalf("Eval(getReferenceKey('Patient')) = %v, want [1]", got)
	}
}

func TestAdapter_GetReferenceKeyNoTypeFilter(t *testing.T) {
	a := New()
	items := []any{
		map[string]any{"reference": "Patient/1"},
		map[string]any{"reference": "Observation/2"},
	}

	got, err := a.Eval("getReferenceKey()", items)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Eval(getReferenceKey()) = %v, want 2 results", got)
	}
}

func TestAdapter_EmptyExpressionYieldsNothing(t *testing.T) {
	a := New()
	got, err := a.Eval("", map[string]any{})
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Eval(\"\") = %v, want empty", got)
	}
}

func TestLiteralOf(t *testing.T) {
	tests := []struct {
		name  string
		value any
		typ   string
		want  string
	}{
		{name: "integer", value: 5, typ: "integer", want: "5"},
		{name: "boolean", value: true, typ: "boolean", want: "true"},
		{name: "string quoted", value: "abc", typ: "string", want: "'abc'"},
		{name: "string with quote escaped", value: "it's", typ: "string", want: `'it\'s'`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := literalOf(tt.value, tt.typ); got != tt.want {
				t.Errorf("literalOf(%v, %q) = %q, want %q", tt.value, tt.typ, got, tt.want)
			}
		})
	}
}

func TestSubstituteConstants_LeavesComplexTypesUntouched(t *testing.T) {
	a := New()
	a.RegisterConstant("ageLimit", 18, "integer")
	a.RegisterConstant("statusCoding", map[string]any{"code": "final"}, "coding")

	got := a.substituteConstants("age >= %ageLimit")
	if got != "age >= 18" {
		t.Errorf("substituteConstants scalar = %q, want %q", got, "age >= 18")
	}

	got = a.substituteConstants("status = %statusCoding")
	if got != "status = %statusCoding" {
		t.Errorf("substituteConstants complex = %q, want token left untouched", got)
	}
}
