// Package compiler implements the ViewDefinition Compiler from spec §4.A:
// it validates a ViewDefinition and produces an immutable, resolved Plan
// the Row Materializer can apply to a stream of resources.
package compiler

import (
	"encoding/json"
	"strings"
)

// ViewDefinition is the input mapping document, per spec §3.
type ViewDefinition struct {
	Name     string         `json:"name"`
	Status   string         `json:"status"`
	Resource string         `json:"resource"`
	Select   []SelectNode   `json:"select"`
	Where    []WhereClause  `json:"where,omitempty"`
	Constant []ConstantSpec `json:"constant,omitempty"`
}

// SelectNode is one node of the ViewDefinition's select tree, per spec §3.
// Per DESIGN.md, a node is compiled as exactly one of: a plain leaf
// (column[] and/or nested select[]), a forEach/forEachOrNull iteration
// (column[] scoped to each iteration element, plus optional nested
// select[]), or a unionAll alternative set — the three never combine on a
// single node, matching every published SQL-on-FHIR ViewDefinition example.
type SelectNode struct {
	Column        []ColumnSpec `json:"column,omitempty"`
	ForEach       string       `json:"forEach,omitempty"`
	ForEachOrNull string       `json:"forEachOrNull,omitempty"`
	Select        []SelectNode `json:"select,omitempty"`
	UnionAll      []SelectNode `json:"unionAll,omitempty"`
}

// ColumnSpec is one column descriptor in the input document, per spec §3.
type ColumnSpec struct {
	Path        string   `json:"path"`
	Name        string   `json:"name"`
	Type        string   `json:"type,omitempty"`
	Description string   `json:"description,omitempty"`
	Collection  bool     `json:"collection,omitempty"`
	Tag         []TagSpec `json:"tag,omitempty"`
}

// TagSpec is a single free-form column annotation in the input document.
type TagSpec struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// WhereClause is a FHIRPath boolean expression that must hold for a
// resource to be admitted, per spec §3/§4.C.2.
type WhereClause struct {
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

// ConstantSpec is a named, typed constant in the input document. Per spec
// §4.A, the value key is whichever attribute begins with "value" (e.g.
// "valueString", "valueInteger"); the type is that key's suffix, lowercased.
// Unlike the other input structs, ConstantSpec needs a custom unmarshaler
// because the value key's name varies per-instance.
type ConstantSpec struct {
	Name  string
	Value any
	Type  string
}

// UnmarshalJSON implements the "any attribute beginning with value" lookup
// from spec §4.A.
func (c *ConstantSpec) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if nameRaw, ok := raw["name"]; ok {
		if err := json.Unmarshal(nameRaw, &c.Name); err != nil {
			return err
		}
	}

	for key, val := range raw {
		if key == "name" {
			continue
		}
		if !strings.HasPrefix(key, "value") {
			continue
		}
		typeSuffix := strings.ToLower(strings.TrimPrefix(key, "value"))
		var v any
		if err := json.Unmarshal(val, &v); err != nil {
			return err
		}
		c.Value = decodeTypedConstant(typeSuffix, val, v)
		c.Type = typeSuffix
		break
	}

	return nil
}
