package fhirpathx

import (
	"regexp"
	"strings"
)

// The fhirpath package's custom-function registration surface isn't visible
// from the retrieved reference code (only Compile and Expression.Evaluate
// are exercised there), so getResourceKey/getReferenceKey/constants are
// resolved here instead of inside the library: the adapter splits the
// trailing function call off the expression string, evaluates whatever
// FHIRPath prefix remains through the library, and applies the function's
// semantics natively in Go. See DESIGN.md.

var (
	resourceKeyCallPattern  = regexp.MustCompile(`^(?:(.+)\.)?getResourceKey\(\)$`)
	referenceKeyCallPattern = regexp.MustCompile(`^(?:(.+)\.)?getReferenceKey\((.*)\)$`)
	constantRefPattern      = regexp.MustCompile(`%[A-Za-z_][A-Za-z0-9_]*`)
	referenceShapePattern   = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9]*)/([A-Za-z0-9\-.]{1,64})$`)
)

// splitResourceKeyCall reports whether expr is (optionally prefixed by a
// FHIRPath path) a call to getResourceKey(), per spec §4.B.
func splitResourceKeyCall(expr string) (prefix string, ok bool) {
	m := resourceKeyCallPattern.FindStringSubmatch(expr)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// splitReferenceKeyCall reports whether expr is a call to
// getReferenceKey([resourceType]), returning the FHIRPath prefix (if any)
// and the raw argument text (if any).
func splitReferenceKeyCall(expr string) (prefix, arg string, ok bool) {
	m := referenceKeyCallPattern.FindStringSubmatch(expr)
	if m == nil {
		return "", "", false
	}
	return m[1], strings.TrimSpace(m[2]), true
}

// unquoteArg strips a single layer of FHIRPath string-literal quoting
// ('Patient' -> Patient); arguments that aren't quoted are returned as-is.
func unquoteArg(arg string) string {
	arg = strings.TrimSpace(arg)
	if len(arg) >= 2 && (arg[0] == '\'' || arg[0] == '"') && arg[len(arg)-1] == arg[0] {
		return arg[1 : len(arg)-1]
	}
	return arg
}

// parseReference extracts (resourceType, id) from a relative reference
// string shaped "ResourceType/id", per spec §4.B.
func parseReference(ref string) (resourceType, id string, ok bool) {
	m := referenceShapePattern.FindStringSubmatch(strings.TrimSpace(ref))
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// referenceStringOf extracts the reference string from either a bare string
// item or a {"reference": "..."} object, the two shapes a reference-typed
// FHIRPath result can take.
func referenceStringOf(item any) (string, bool) {
	switch v := item.(type) {
	case string:
		return v, true
	case map[string]any:
		if ref, ok := v["reference"].(string); ok {
			return ref, true
		}
	}
	return "", false
}

// idOf extracts the "id" field from a resource-shaped item.
func idOf(item any) (string, bool) {
	m, ok := item.(map[string]any)
	if !ok {
		return "", false
	}
	id, ok := m["id"].(string)
	return id, ok
}
