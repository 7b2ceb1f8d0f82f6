// Package viewdef holds the domain types shared by every stage of the
// pipeline: the compiled Plan a ViewDefinition resolves to, the Branch tree
// that drives row fan-out, and the Row a resource materializes into.
//
// Nothing in this package reads a ViewDefinition, evaluates FHIRPath, or
// talks to a database — those are compiler, fhirpathx, materializer and the
// duckdb subpackages. This package only defines the shapes they pass
// between each other.
package viewdef
