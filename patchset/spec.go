// Package patchset applies interception specs to a host: each spec is
// resolved, its body rewrites are run in order, and the result is installed
// all at once or not at all.
package patchset

import (
	"fmt"

	"github.com/pgaskin/ilpatch/host"
	"github.com/pgaskin/ilpatch/patchlib"
)

// Host is the instrumentation mechanism specs are installed into.
type Host interface {
	// Resolve resolves a target to a routine.
	Resolve(t host.Target) (*host.Routine, error)
	// LookupExtern returns the declaration of an extern callable with callext.
	LookupExtern(name string) (patchlib.ExternRef, bool)
	// Install installs a body and/or hooks on a routine.
	Install(r *host.Routine, inst host.Installation) error
}

// Rewrite is a named body transformation. Transform must not have side
// effects other than its return value. A non-nil error fails the whole spec.
type Rewrite struct {
	Name      string
	Transform func(patchlib.Stream) (patchlib.Stream, error)
}

// PatchRewrite creates a Rewrite which edits the body with a Patcher.
func PatchRewrite(name string, fn func(*patchlib.Patcher) error) Rewrite {
	return Rewrite{
		Name: name,
		Transform: func(s patchlib.Stream) (patchlib.Stream, error) {
			p := patchlib.NewPatcher(s)
			if err := fn(p); err != nil {
				return s, err
			}
			return p.Stream(), nil
		},
	}
}

// SpliceRewrite creates a Rewrite which replaces the range between two
// anchors (inclusive) with replacement.
func SpliceRewrite(name string, start, end patchlib.MatchSpec, replacement ...patchlib.Instruction) Rewrite {
	return Rewrite{
		Name: name,
		Transform: func(s patchlib.Stream) (patchlib.Stream, error) {
			a := patchlib.LocateAnchor(s, start, end)
			if !a.Valid() {
				return s, fmt.Errorf("locate %s..%s: %w", start, end, patchlib.ErrNotFound)
			}
			return patchlib.Splice(s, a, replacement)
		},
	}
}

// Spec describes everything done to a single target.
type Spec struct {
	Name     string // defaults to the target
	Target   host.Target
	Rewrites []Rewrite
	Pre      host.PreHook
	Post     host.PostHook
}

func (s Spec) name() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Target.Key()
}
