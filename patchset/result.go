package patchset

import "github.com/pgaskin/ilpatch/host"

// State is the application state of a spec. Applied and Failed are terminal.
type State int

const (
	Registered State = iota
	Resolving
	Applied
	Failed
)

func (s State) String() string {
	switch s {
	case Registered:
		return "registered"
	case Resolving:
		return "resolving"
	case Applied:
		return "applied"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the outcome of a spec.
type Result struct {
	Spec       string
	Target     host.Target
	Routine    *host.Routine // nil if resolution failed
	State      State
	Stage      string // last pipeline stage which ran
	Diagnostic string
	Err        error
}

// Success checks whether the spec was applied.
func (r Result) Success() bool {
	return r.State == Applied
}

func (r Result) String() string {
	if r.State == Failed {
		return r.Spec + ": failed: " + r.Diagnostic
	}
	return r.Spec + ": " + r.State.String()
}
