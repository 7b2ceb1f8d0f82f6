package compiler

import "fmt"

// InvalidViewDefinitionError reports a structural problem in a
// ViewDefinition that the compiler refuses to turn into a Plan, per spec
// §7 ("malformed ViewDefinition — fails fast before any resource is read").
type InvalidViewDefinitionError struct {
	Name string // the ViewDefinition's declared name, if any
	Path string // dotted select-tree location of the problem, if applicable
	Msg  string
}

func (e *InvalidViewDefinitionError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("compiler: invalid view definition %q at %s: %s", e.Name, e.Path, e.Msg)
	}
	return fmt.Sprintf("compiler: invalid view definition %q: %s", e.Name, e.Msg)
}

func invalidf(name, path, format string, args ...any) *InvalidViewDefinitionError {
	return &InvalidViewDefinitionError{Name: name, Path: path, Msg: fmt.Sprintf(format, args...)}
}
