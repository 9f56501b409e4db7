package host

import (
	"fmt"

	"github.com/pgaskin/ilpatch/patchlib"
)

// Routine is a callable unit of the host program.
type Routine struct {
	Target  Target
	Symbol  string // mangled symbol name, optional
	Locals  int
	Returns bool
	Body    patchlib.Stream
}

func (r *Routine) String() string {
	if r.Symbol != "" {
		return fmt.Sprintf("%s [%s]", r.Target, r.Symbol)
	}
	return r.Target.String()
}

// Arity returns the number of arguments the routine takes.
func (r *Routine) Arity() int {
	return len(r.Target.Params)
}
