package compiler

// Options holds compiler behavior flags, set via functional Option values —
// the pattern the teacher uses throughout for optional validator behavior.
type Options struct {
	dryRun bool
}

// Option configures the compiler.
type Option func(*Options)

// DryRun compiles the ViewDefinition and runs every structural check without
// requiring column names to be unique per spec §10 — it's meant for
// "does this ViewDefinition parse" tooling, not for producing a Plan that
// will actually be materialized against resources.
func DryRun() Option {
	return func(o *Options) { o.dryRun = true }
}

func buildOptions(opts []Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
