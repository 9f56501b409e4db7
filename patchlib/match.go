package patchlib

import (
	"errors"
	"fmt"
)

// NotFound is returned by Locate when nothing matches.
const NotFound = -1

// ErrNotFound is wrapped by errors from operations which failed to locate an
// instruction pattern.
var ErrNotFound = errors.New("pattern not found")

// Predicate decides whether an instruction matches.
type Predicate func(Instruction) bool

// Direction is the direction to scan a stream in.
type Direction int

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// MatchSpec is a reusable search description. If Explicit is false, From is
// ignored and the search starts at the stream boundary (or right after the
// previous match in a chain).
type MatchSpec struct {
	Pred     Predicate
	Dir      Direction
	From     int
	Explicit bool
	Desc     string // optional, for diagnostics
}

// Find returns a forward MatchSpec.
func Find(pred Predicate) MatchSpec {
	return MatchSpec{Pred: pred, Dir: Forward}
}

// FindBackward returns a backward MatchSpec.
func FindBackward(pred Predicate) MatchSpec {
	return MatchSpec{Pred: pred, Dir: Backward}
}

// At returns a copy of the spec starting explicitly at index i.
func (m MatchSpec) At(i int) MatchSpec {
	m.From, m.Explicit = i, true
	return m
}

// Describe returns a copy of the spec with a description used in errors.
func (m MatchSpec) Describe(desc string) MatchSpec {
	m.Desc = desc
	return m
}

func (m MatchSpec) String() string {
	d := m.Desc
	if d == "" {
		d = "<predicate>"
	}
	if m.Explicit {
		return fmt.Sprintf("%s %s from %d", d, m.Dir, m.From)
	}
	return fmt.Sprintf("%s %s", d, m.Dir)
}

// Locate returns the index of the first instruction matching spec, scanning in
// spec.Dir from the start index (inclusive) to the stream boundary. It returns
// NotFound if nothing matches. A predicate which panics is treated as not
// matching that instruction.
func Locate(s Stream, spec MatchSpec) int {
	if s.Len() == 0 || spec.Pred == nil {
		return NotFound
	}
	start := 0
	if spec.Dir == Backward {
		start = s.Len() - 1
	}
	if spec.Explicit {
		start = spec.From
	}
	switch spec.Dir {
	case Backward:
		if start >= s.Len() {
			start = s.Len() - 1
		}
		for i := start; i >= 0; i-- {
			if try(spec.Pred, s.insts[i]) {
				return i
			}
		}
	default:
		if start < 0 {
			start = 0
		}
		for i := start; i < s.Len(); i++ {
			if try(spec.Pred, s.insts[i]) {
				return i
			}
		}
	}
	return NotFound
}

// LocateChain evaluates specs in order. Each spec without an explicit start
// continues from the previous match (previous+1 forward, previous-1 backward).
// It returns the index of every match, or nil as soon as any spec fails.
func LocateChain(s Stream, specs ...MatchSpec) []int {
	if len(specs) == 0 {
		return nil
	}
	res := make([]int, 0, len(specs))
	for n, spec := range specs {
		if n > 0 && !spec.Explicit {
			prev := res[n-1]
			if spec.Dir == Backward {
				spec = spec.At(prev - 1)
			} else {
				spec = spec.At(prev + 1)
			}
		}
		i := Locate(s, spec)
		if i == NotFound {
			Log("LocateChain: spec %d (%s) not found\n", n, spec)
			return nil
		}
		res = append(res, i)
	}
	return res
}

// LocateAnchor locates start, then end continuing after it, and returns the
// pair. If either fails, the pair is not Valid.
func LocateAnchor(s Stream, start, end MatchSpec) AnchorPair {
	r := LocateChain(s, start, end)
	if r == nil {
		return AnchorPair{NotFound, NotFound}
	}
	return AnchorPair{r[0], r[1]}
}

func try(pred Predicate, in Instruction) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return pred(in)
}

// Any matches every instruction.
func Any() Predicate {
	return func(Instruction) bool { return true }
}

// Op matches an opcode, regardless of the operand.
func Op(op Opcode) Predicate {
	return func(in Instruction) bool { return in.Op == op }
}

// OpIn matches any of the opcodes.
func OpIn(ops ...Opcode) Predicate {
	return func(in Instruction) bool {
		for _, op := range ops {
			if in.Op == op {
				return true
			}
		}
		return false
	}
}

// Exactly matches an identical instruction.
func Exactly(want Instruction) Predicate {
	return func(in Instruction) bool { return in == want }
}

// OperandEq matches an opcode with an equal operand.
func OperandEq(op Opcode, operand Operand) Predicate {
	return Exactly(Instruction{op, operand})
}

// OperandKind matches an opcode whose operand is of the specified kind (see
// Operand.Kind).
func OperandKind(op Opcode, kind string) Predicate {
	return func(in Instruction) bool {
		return in.Op == op && in.Operand != nil && in.Operand.Kind() == kind
	}
}

// OperandInt matches an opcode with an integer operand equal to v.
func OperandInt(op Opcode, v int64) Predicate {
	return func(in Instruction) bool {
		return in.Op == op && in.Operand.(Int) == Int(v)
	}
}

// CallTo matches a Call or NewObj to the named method (any signature).
func CallTo(owner, name string) Predicate {
	return func(in Instruction) bool {
		if in.Op != Call && in.Op != NewObj {
			return false
		}
		m := in.Operand.(MethodRef)
		return m.Owner == owner && m.Name == name
	}
}

// And matches if all predicates match.
func And(preds ...Predicate) Predicate {
	return func(in Instruction) bool {
		for _, p := range preds {
			if !p(in) {
				return false
			}
		}
		return true
	}
}

// Or matches if any predicate matches.
func Or(preds ...Predicate) Predicate {
	return func(in Instruction) bool {
		for _, p := range preds {
			if p(in) {
				return true
			}
		}
		return false
	}
}

// Not inverts a predicate.
func Not(pred Predicate) Predicate {
	return func(in Instruction) bool { return !pred(in) }
}
