// Package fhirpathx adapts github.com/gofhir/fhirpath to the narrow
// evaluation contract the Row Materializer needs, per spec §4.B: compile
// and cache expressions, evaluate them against a scope, and resolve the
// custom functions (getResourceKey(), getReferenceKey([resourceType]), and
// one zero-arity %name per constant) the Row Materializer's compiled Plans
// can reference.
//
// This is a direct descendant of the reference validator's
// FHIRPathAdapter (compile-and-cache around fhirpath.Compile /
// Expression.Evaluate), generalized from a boolean constraint-check result
// to an arbitrary value collection and extended with the custom functions
// above.
package fhirpathx

import (
	"encoding/json"
	"fmt"

	"github.com/gofhir/fhirpath"
	"github.com/gofhir/fhirpath/types"

	"github.com/gofhir/fhirview/cache"
)

// Evaluator evaluates a FHIRPath (or custom-function) expression against a
// scope value, returning the result as a collection of native Go values.
// The Row Materializer depends on this interface, not *Adapter directly, so
// tests can substitute a fake.
type Evaluator interface {
	Eval(expr string, scope any) ([]any, error)
}

// Adapter is the Evaluator backed by github.com/gofhir/fhirpath.
type Adapter struct {
	cache     *cache.Cache[string, *fhirpath.Expression]
	constants map[string]constantValue
}

type constantValue struct {
	value any
	typ   string
}

// defaultCacheSize bounds the number of distinct compiled expressions kept
// resident; a Plan's select tree rarely declares more than a few hundred
// distinct paths, so this comfortably covers one run without growing
// unbounded across many ViewDefinitions sharing one Adapter.
const defaultCacheSize = 2048

// New creates an Adapter with no constants registered.
func New() *Adapter {
	return &Adapter{
		cache:     cache.New[string, *fhirpath.Expression](defaultCacheSize),
		constants: map[string]constantValue{},
	}
}

// RegisterConstant exposes a Plan constant as %name to every expression
// this Adapter evaluates, per spec §3/§4.B.
func (a *Adapter) RegisterConstant(name string, value any, typ string) {
	a.constants[name] = constantValue{value: value, typ: typ}
}

// CacheStats exposes the compiled-expression cache's hit/miss counters for
// observability.
func (a *Adapter) CacheStats() cache.Stats { return a.cache.Stats() }

// Eval evaluates expr against scope, returning the result as a collection
// of native Go values ([]any is empty, never nil, when the expression
// yields nothing).
func (a *Adapter) Eval(expr string, scope any) ([]any, error) {
	if expr == "" {
		return []any{}, nil
	}

	if name, ok := wholeConstantRef(expr); ok {
		if c, ok := a.constants[name]; ok {
			return []any{c.value}, nil
		}
		return nil, &EvalError{Expression: expr, Err: fmt.Errorf("unknown constant %q", name)}
	}

	if prefix, ok := splitResourceKeyCall(expr); ok {
		items, err := a.resolvePrefix(prefix, scope)
		if err != nil {
			return nil, err
		}
		return evalResourceKey(items), nil
	}

	if prefix, arg, ok := splitReferenceKeyCall(expr); ok {
		items, err := a.resolvePrefix(prefix, scope)
		if err != nil {
			return nil, err
		}
		return evalReferenceKey(items, unquoteArg(arg)), nil
	}

	return a.evalFHIRPath(a.substituteConstants(expr), scope)
}

// resolvePrefix evaluates the FHIRPath path preceding a custom function
// call, or treats scope itself as the input collection when there is none
// (a bare "getResourceKey()" applied to $this).
func (a *Adapter) resolvePrefix(prefix string, scope any) ([]any, error) {
	if prefix == "" {
		return asCollection(scope), nil
	}
	return a.evalFHIRPath(a.substituteConstants(prefix), scope)
}

func evalResourceKey(items []any) []any {
	out := make([]any, len(items))
	for i, item := range items {
		if id, ok := idOf(item); ok {
			out[i] = id
		}
	}
	return out
}

func evalReferenceKey(items []any, resourceType string) []any {
	out := make([]any, 0)
	for _, item := range items {
		ref, ok := referenceStringOf(item)
		if !ok {
			continue
		}
		refType, id, ok := parseReference(ref)
		if !ok {
			continue
		}
		if resourceType != "" && refType != resourceType {
			continue
		}
		out = append(out, id)
	}
	return out
}

// wholeConstantRef reports whether expr, trimmed, is nothing but a single
// %name reference.
func wholeConstantRef(expr string) (string, bool) {
	if len(expr) < 2 || expr[0] != '%' {
		return "", false
	}
	if !constantRefPattern.MatchString(expr) {
		return "", false
	}
	if constantRefPattern.FindString(expr) != expr {
		return "", false
	}
	return expr[1:], true
}

// substituteConstants replaces every %name token embedded in expr with a
// FHIRPath literal for a registered constant; unregistered tokens are left
// untouched so a compile error names the actual unresolved reference. A
// complex-typed constant (coding, codeableConcept, identifier) has no
// FHIRPath literal syntax, so it is left as-is too — those are only usable
// as the whole expression, via wholeConstantRef.
func (a *Adapter) substituteConstants(expr string) string {
	return constantRefPattern.ReplaceAllStringFunc(expr, func(tok string) string {
		c, ok := a.constants[tok[1:]]
		if !ok || isComplexConstantType(c.typ) {
			return tok
		}
		return literalOf(c.value, c.typ)
	})
}

func isComplexConstantType(typ string) bool {
	switch typ {
	case "coding", "codeableconcept", "identifier":
		return true
	default:
		return false
	}
}

func literalOf(value any, typ string) string {
	switch typ {
	case "integer", "unsignedint", "positiveint", "decimal", "boolean":
		return fmt.Sprintf("%v", value)
	default:
		s := fmt.Sprintf("%v", value)
		escaped := ""
		for _, r := range s {
			if r == '\'' {
				escaped += "\\'"
			} else {
				escaped += string(r)
			}
		}
		return "'" + escaped + "'"
	}
}

// evalFHIRPath compiles (or reuses a cached compile of) expr and evaluates
// it against scope, converting the result to native Go values.
func (a *Adapter) evalFHIRPath(expr string, scope any) ([]any, error) {
	compiled, ok := a.cache.Get(expr)
	if !ok {
		c, cerr := fhirpath.Compile(expr)
		if cerr != nil {
			return nil, &CompileError{Expression: expr, Err: cerr}
		}
		a.cache.Set(expr, c)
		compiled = c
	}

	scopeJSON, merr := json.Marshal(scope)
	if merr != nil {
		return nil, &EvalError{Expression: expr, Err: fmt.Errorf("marshal scope: %w", merr)}
	}

	result, eerr := compiled.Evaluate(scopeJSON)
	if eerr != nil {
		return nil, &EvalError{Expression: expr, Err: eerr}
	}

	return toNativeCollection(result), nil
}

func asCollection(scope any) []any {
	if items, ok := scope.([]any); ok {
		return items
	}
	return []any{scope}
}

// toNativeCollection converts a fhirpath result collection to native Go
// values. types.Boolean is handled explicitly (it is the one concrete type
// the reference adapter exercises); everything else round-trips through
// JSON, which every fhirpath value type that matters for column output
// (string, numeric, date/time, and composite types serialized as their FHIR
// JSON shape) is expected to support via json.Marshaler.
func toNativeCollection(result types.Collection) []any {
	out := make([]any, 0, len(result))
	for _, item := range result {
		out = append(out, toNative(item))
	}
	return out
}

func toNative(item any) any {
	if b, ok := item.(types.Boolean); ok {
		return b.Bool()
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Sprintf("%v", item)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Sprintf("%v", item)
	}
	return v
}
