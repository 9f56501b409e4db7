// Package patchfile provides a standard interface to read patch sets from files.
package patchfile

import (
	"io/ioutil"
	"sort"

	"github.com/pgaskin/ilpatch/host"
	"github.com/pgaskin/ilpatch/patchset"
	"github.com/pkg/errors"
)

// Log is used to log debugging messages.
var Log = func(format string, a ...interface{}) {}

// PatchSet represents a set of patches which can be compiled into specs.
type PatchSet interface {
	// Validate validates the PatchSet.
	Validate() error
	// Specs validates the PatchSet and compiles the enabled patches into
	// specs, resolving hook names against hooks. If rt is not nil, patches
	// whose targets resolve to the same routine are compiled into one spec.
	Specs(hooks HookSet, rt Resolver) ([]patchset.Spec, error)
	// SetEnabled sets the Enabled state of a Patch in a PatchSet.
	SetEnabled(string, bool) error
	// Patches returns the names of the patches in the order they were defined.
	Patches() []string
}

// Resolver finds the routine for a target. It is implemented by
// host.ResolutionTable and host.Machine.
type Resolver interface {
	Resolve(host.Target) (*host.Routine, error)
}

// HookSet contains the hooks which patches can refer to by name.
type HookSet struct {
	Pre  map[string]host.PreHook
	Post map[string]host.PostHook
}

// PreHook gets a pre-hook by name.
func (h HookSet) PreHook(name string) (host.PreHook, error) {
	if fn, ok := h.Pre[name]; ok && fn != nil {
		return fn, nil
	}
	return nil, errors.Errorf("no pre-hook called '%s'", name)
}

// PostHook gets a post-hook by name.
func (h HookSet) PostHook(name string) (host.PostHook, error) {
	if fn, ok := h.Post[name]; ok && fn != nil {
		return fn, nil
	}
	return nil, errors.Errorf("no post-hook called '%s'", name)
}

var formats = map[string]func([]byte) (PatchSet, error){}

// RegisterFormat registers a format.
func RegisterFormat(name string, f func([]byte) (PatchSet, error)) {
	if _, ok := formats[name]; ok {
		panic("attempt to register duplicate format " + name)
	}
	formats[name] = f
}

// GetFormat gets a format.
func GetFormat(name string) (func([]byte) (PatchSet, error), bool) {
	f, ok := formats[name]
	return f, ok
}

// GetFormats gets all registered formats.
func GetFormats() []string {
	f := []string{}
	for n := range formats {
		f = append(f, n)
	}
	sort.Strings(f)
	return f
}

// ReadFromFile reads a patchset from a file (but does not validate it).
func ReadFromFile(format, filename string) (PatchSet, error) {
	f, ok := GetFormat(format)
	if !ok {
		return nil, errors.Errorf("no format called '%s'", format)
	}

	buf, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "could not open patch file")
	}

	ps, err := f(buf)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse patch file")
	}

	return ps, nil
}
