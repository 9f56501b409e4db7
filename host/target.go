// Package host implements the patchable side of the engine: routine
// descriptors, the resolution table used to find them, and an in-process
// machine which executes (possibly patched) routine bodies.
package host

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ianlancetaylor/demangle"
	"github.com/pgaskin/ilpatch/patchlib"
)

var (
	ErrNoRoutine = errors.New("no such routine")
	ErrAmbiguous = errors.New("ambiguous routine")
)

// Target identifies a routine by owner, name and (optionally) parameter shape.
// If Params is nil, any overload matches, which is an error if there is more
// than one. An empty non-nil Params only matches routines without parameters.
//
// A target without an Owner is a symbol target: Name is the mangled or
// demangled symbol of the routine.
type Target struct {
	Owner  string   `yaml:"Owner" json:"owner" cbor:"owner"`
	Name   string   `yaml:"Name" json:"name" cbor:"name"`
	Params []string `yaml:"Params,omitempty,flow" json:"params,omitempty" cbor:"params,omitempty"`
}

// SymbolPrefix is the prefix of a symbol target in text form.
const SymbolPrefix = "sym:"

// ParseTarget parses a target from "Owner::Name", "Owner::Name(T1,T2)" or
// "sym:Symbol".
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if sym, ok := strings.CutPrefix(s, SymbolPrefix); ok {
		if sym = strings.TrimSpace(sym); sym == "" {
			return Target{}, fmt.Errorf("ParseTarget(%#v): empty symbol", s)
		}
		return Target{Name: sym}, nil
	}
	if strings.HasSuffix(s, ")") {
		m, err := patchlib.ParseInst("call " + s)
		if err != nil {
			return Target{}, fmt.Errorf("ParseTarget(%#v): invalid target", s)
		}
		ref := m.Operand.(patchlib.MethodRef)
		ps := ref.Params()
		if ps == nil {
			ps = []string{}
		}
		return Target{ref.Owner, ref.Name, ps}, nil
	}
	i := strings.LastIndex(s, "::")
	if i <= 0 || i+2 >= len(s) || strings.ContainsAny(s[i+2:], "()") {
		return Target{}, fmt.Errorf("ParseTarget(%#v): expected Owner::Name", s)
	}
	return Target{Owner: s[:i], Name: s[i+2:]}, nil
}

// Ref returns the method reference used to call the target.
func (t Target) Ref() patchlib.MethodRef {
	return patchlib.MethodRef{Owner: t.Owner, Name: t.Name, Sig: strings.Join(t.Params, ",")}
}

// IsSymbol checks whether the target refers to a routine by symbol.
func (t Target) IsSymbol() bool {
	return t.Owner == ""
}

// Key returns a string which uniquely identifies the descriptor.
func (t Target) Key() string {
	if t.IsSymbol() {
		return SymbolPrefix + t.Name
	}
	if t.Params == nil {
		return t.Owner + "::" + t.Name
	}
	return t.Ref().String()
}

func (t Target) String() string {
	return t.Key()
}

// Matches checks whether the descriptor matches a fully specified routine
// signature.
func (t Target) Matches(r Target) bool {
	if t.Owner != r.Owner || t.Name != r.Name {
		return false
	}
	if t.Params == nil {
		return true
	}
	if len(t.Params) != len(r.Params) {
		return false
	}
	for i := range t.Params {
		if t.Params[i] != r.Params[i] {
			return false
		}
	}
	return true
}

// ResolutionTable maps descriptors to routines. It is built once from a
// static list and is read-only afterwards.
type ResolutionTable struct {
	routines []*Routine
	byKey    map[string]*Routine
	byOwner  map[string][]*Routine // Owner::Name -> overloads
	byName   map[string]*Routine   // mangled symbol name
	byDemang map[string]*Routine   // demangled symbol name
}

// NewResolutionTable builds a resolution table. It returns an error if two
// routines have the same full signature or symbol name.
func NewResolutionTable(routines []*Routine) (*ResolutionTable, error) {
	rt := &ResolutionTable{
		byKey:    map[string]*Routine{},
		byOwner:  map[string][]*Routine{},
		byName:   map[string]*Routine{},
		byDemang: map[string]*Routine{},
	}
	for _, r := range routines {
		if r.Target.IsSymbol() || r.Target.Name == "" {
			return nil, fmt.Errorf("NewResolutionTable: routine %s has no owner or name", r.Target)
		}
		if r.Target.Params == nil {
			r.Target.Params = []string{}
		}
		k := r.Target.Key()
		if _, ok := rt.byKey[k]; ok {
			return nil, fmt.Errorf("NewResolutionTable: duplicate routine %s", k)
		}
		rt.byKey[k] = r
		on := r.Target.Owner + "::" + r.Target.Name
		rt.byOwner[on] = append(rt.byOwner[on], r)
		if r.Symbol != "" {
			if _, ok := rt.byName[r.Symbol]; ok {
				return nil, fmt.Errorf("NewResolutionTable: duplicate symbol %#v", r.Symbol)
			}
			rt.byName[r.Symbol] = r
			if d := demangleName(r.Symbol); d != "" {
				rt.byDemang[d] = r
			}
		}
		rt.routines = append(rt.routines, r)
	}
	return rt, nil
}

// Routines returns all routines sorted by key.
func (rt *ResolutionTable) Routines() []*Routine {
	rs := append([]*Routine(nil), rt.routines...)
	sort.Slice(rs, func(i, j int) bool {
		return rs[i].Target.Key() < rs[j].Target.Key()
	})
	return rs
}

// Resolve finds the routine for a descriptor.
func (rt *ResolutionTable) Resolve(t Target) (*Routine, error) {
	if t.IsSymbol() {
		if r, err := rt.ResolveSymbol(t.Name); err == nil {
			return r, nil
		}
	} else if t.Params != nil {
		if r, ok := rt.byKey[t.Key()]; ok {
			return r, nil
		}
	} else {
		switch rs := rt.byOwner[t.Owner+"::"+t.Name]; len(rs) {
		case 0:
		case 1:
			return rs[0], nil
		default:
			sigs := make([]string, len(rs))
			for i, r := range rs {
				sigs[i] = r.Target.Key()
			}
			sort.Strings(sigs)
			return nil, fmt.Errorf("Resolve(%s): %w (candidates: %s)", t, ErrAmbiguous, strings.Join(sigs, ", "))
		}
	}
	return nil, fmt.Errorf("Resolve(%s): %w", t, ErrNoRoutine)
}

// ResolveSymbol resolves a mangled (fallback to demangled) symbol name.
func (rt *ResolutionTable) ResolveSymbol(name string) (*Routine, error) {
	if r, ok := rt.byName[name]; ok {
		return r, nil
	}
	if r, ok := rt.byDemang[name]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("ResolveSymbol(%#v): %w", name, ErrNoRoutine)
}

func demangleName(sym string) string {
	v, err := demangle.ToString(sym)
	if err != nil {
		return ""
	}
	return v
}
