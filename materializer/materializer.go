// Package materializer implements the Row Materializer, spec §4.C: applying
// one compiled Plan to one resource to produce zero or more flat Rows by
// walking the Plan's branch tree depth-first, fanning a row out on
// forEach/forEachOrNull and concatenating on unionAll.
package materializer

import (
	viewdef "github.com/gofhir/fhirview"
	"github.com/gofhir/fhirview/fhirpathx"
	"github.com/gofhir/fhirview/logx"
)

// Materializer applies Plans to resources using an Evaluator for every
// FHIRPath expression it encounters.
type Materializer struct {
	eval fhirpathx.Evaluator
	log  *logx.Logger
}

// Option configures a Materializer.
type Option func(*Materializer)

// WithLogger overrides the logger used for evaluator-failure events.
func WithLogger(l *logx.Logger) Option {
	return func(m *Materializer) { m.log = l }
}

// New creates a Materializer backed by eval.
func New(eval fhirpathx.Evaluator, opts ...Option) *Materializer {
	m := &Materializer{eval: eval, log: logx.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// rowState pairs an in-progress accumulator row with the scope element
// FHIRPath expressions under it should evaluate against.
type rowState struct {
	scope any
	acc   viewdef.Row
}

// Materialize runs plan against resource, per spec §4.C's six-step
// algorithm. The returned slice is empty (never nil) when resource doesn't
// match the plan's resource type, fails a where clause, or every candidate
// row turns out all-null. matched reports whether the resource passed the
// type gate and where filter — the Stream Processor's parsedRecords counter
// tracks this independently of whether any row was actually produced (a
// forEach branch with no elements is a matched resource that emits zero
// rows).
func (m *Materializer) Materialize(plan *viewdef.Plan, resource map[string]any) (rows []viewdef.Row, matched bool, err error) {
	rows = make([]viewdef.Row, 0)

	resourceType, _ := resource["resourceType"].(string)
	if resourceType != plan.Resource {
		return rows, false, nil
	}

	if !m.admittedByWhere(plan, resource) {
		return rows, false, nil
	}

	states := m.processNodes(plan.Branches, []rowState{{scope: any(resource), acc: viewdef.Row{}}})

	for _, s := range states {
		padColumns(s.acc, plan.Columns)
		if !s.acc.HasNonNullValue() {
			continue
		}
		rows = append(rows, s.acc)
	}

	return rows, true, nil
}

// admittedByWhere evaluates every where clause against the whole resource;
// the resource is admitted only if each clause's first result is the
// boolean true, per spec §4.C.2.
func (m *Materializer) admittedByWhere(plan *viewdef.Plan, resource map[string]any) bool {
	for _, clause := range plan.WhereClauses {
		vals, err := m.eval.Eval(clause, resource)
		if err != nil {
			m.log.Warn("evaluator-error", logx.F("expression", clause), logx.F("error", err.Error()))
			return false
		}
		if len(vals) == 0 {
			return false
		}
		ok, isBool := vals[0].(bool)
		if !isBool || !ok {
			return false
		}
	}
	return true
}

// processNodes folds a sibling list of branches over the current set of
// row states, in declaration order: each branch in turn maps every existing
// state to zero or more successor states.
func (m *Materializer) processNodes(branches []viewdef.Branch, states []rowState) []rowState {
	for _, b := range branches {
		next := make([]rowState, 0, len(states))
		for _, s := range states {
			next = append(next, m.processBranch(b, s)...)
		}
		states = next
	}
	return states
}

// processBranch evaluates one branch against one row state, per spec
// §4.C.4's leaf / forEach / forEachOrNull / unionAll cases.
func (m *Materializer) processBranch(b viewdef.Branch, s rowState) []rowState {
	switch b.Kind {
	case viewdef.BranchUnion:
		out := make([]rowState, 0, len(b.Children))
		for _, child := range b.Children {
			out = append(out, m.processBranch(child, s)...)
		}
		return out

	case viewdef.BranchForEach, viewdef.BranchForEachOrNull:
		elems, err := m.eval.Eval(b.IterExpression, s.scope)
		if err != nil {
			m.log.Warn("evaluator-error", logx.F("expression", b.IterExpression), logx.F("error", err.Error()))
			elems = nil
		}
		if len(elems) == 0 {
			if b.Kind == viewdef.BranchForEachOrNull {
				elems = []any{nil}
			} else {
				return nil
			}
		}

		out := make([]rowState, 0, len(elems))
		for _, elem := range elems {
			acc := s.acc.Clone()
			m.mergeColumns(b.Columns, elem, acc)
			out = append(out, m.processNodes(b.Children, []rowState{{scope: elem, acc: acc}})...)
		}
		return out

	default: // BranchLeaf
		acc := s.acc.Clone()
		m.mergeColumns(b.Columns, s.scope, acc)
		return m.processNodes(b.Children, []rowState{{scope: s.scope, acc: acc}})
	}
}

// mergeColumns evaluates each column against scope and writes its value
// into acc, per spec §4.C.3/§4.C.6 ($this == scope).
func (m *Materializer) mergeColumns(columns []viewdef.Column, scope any, acc viewdef.Row) {
	for _, col := range columns {
		acc[col.Name] = m.evalColumn(col, scope)
	}
}

func (m *Materializer) evalColumn(col viewdef.Column, scope any) any {
	vals, err := m.eval.Eval(col.Path, scope)
	if err != nil {
		m.log.Warn("evaluator-error", logx.F("column", col.Name), logx.F("expression", col.Path), logx.F("error", err.Error()))
		vals = nil
	}

	if col.Collection {
		if len(vals) == 0 {
			return nil
		}
		return vals
	}
	if len(vals) == 0 {
		return nil
	}
	return vals[0]
}

// padColumns fills in any column absent from acc with nil, so rows
// originating from one unionAll alternative carry null for columns only a
// sibling alternative declared, per spec §4.C.4's unionAll case.
func padColumns(acc viewdef.Row, columns []viewdef.Column) {
	for _, c := range columns {
		if _, ok := acc[c.Name]; !ok {
			acc[c.Name] = nil
		}
	}
}
