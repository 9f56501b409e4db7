package patchlib

import (
	"sort"
	"strings"
)

// Stream is an immutable, ordered sequence of instructions making up the body
// of one routine. Indexes are 0-based and only meaningful for the stream they
// were obtained from. None of the methods modify the stream; edits return a new
// one, so a failed edit never affects its input.
type Stream struct {
	insts []Instruction
}

// NewStream creates a stream from a copy of insts.
func NewStream(insts ...Instruction) Stream {
	return Stream{append([]Instruction(nil), insts...)}
}

// Len returns the number of instructions.
func (s Stream) Len() int {
	return len(s.insts)
}

// At returns the instruction at index i. It panics if i is out of range.
func (s Stream) At(i int) Instruction {
	return s.insts[i]
}

// Insts returns a copy of the instructions.
func (s Stream) Insts() []Instruction {
	return append([]Instruction(nil), s.insts...)
}

// Equal checks whether both streams contain identical instructions.
func (s Stream) Equal(o Stream) bool {
	if len(s.insts) != len(o.insts) {
		return false
	}
	for i := range s.insts {
		if s.insts[i] != o.insts[i] {
			return false
		}
	}
	return true
}

// Labels returns the index of every Label marker in the stream.
func (s Stream) Labels() map[LabelID]int {
	m := map[LabelID]int{}
	for i, in := range s.insts {
		if in.Op != Label {
			continue
		}
		if l, ok := in.Operand.(LabelID); ok {
			m[l] = i
		}
	}
	return m
}

// MaxLabel returns the highest label id used in the stream, or -1 if none. It
// can be used to allocate fresh labels when injecting branches.
func (s Stream) MaxLabel() LabelID {
	max := LabelID(-1)
	for _, in := range s.insts {
		if l, ok := in.Operand.(LabelID); ok && l > max {
			max = l
		}
	}
	return max
}

// String renders the stream one instruction per line, prefixed with the index.
func (s Stream) String() string {
	var b strings.Builder
	for i, in := range s.insts {
		b.WriteString(pad(i, len(s.insts)))
		b.WriteString("  ")
		b.WriteString(in.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// Apply materializes a new stream from an edit list. The ranges of the ops are
// relative to s and must not overlap; pure insertions are expressed with
// InsertOp. An insertion at the start of a replaced range goes before the
// replacement, regardless of the order of ops. The receiver is never modified.
// On error, s is returned.
func (s Stream) Apply(ops ...SpliceOp) (Stream, error) {
	sorted := append([]SpliceOp(nil), ops...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Range, sorted[j].Range
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		return a.End < a.Start && b.End >= b.Start
	})
	for i, op := range sorted {
		if err := op.check(s.Len()); err != nil {
			return s, err
		}
		if i > 0 && sorted[i-1].end() >= op.Range.Start {
			return s, errOverlap(sorted[i-1], op)
		}
	}
	n := s.Len()
	for _, op := range sorted {
		n += op.delta()
	}
	out := make([]Instruction, 0, n)
	prev := 0
	for _, op := range sorted {
		out = append(out, s.insts[prev:op.Range.Start]...)
		out = append(out, op.Replacement...)
		prev = op.end() + 1
	}
	out = append(out, s.insts[prev:]...)
	Log("Apply: %d ops, %d -> %d instructions\n", len(sorted), s.Len(), len(out))
	return Stream{out}, nil
}

func pad(i, n int) string {
	w := len(itoa(n))
	v := itoa(i)
	for len(v) < w {
		v = " " + v
	}
	return v
}

func itoa(i int) string {
	return Int(i).String()
}
