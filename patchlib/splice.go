package patchlib

import (
	"errors"
	"fmt"
)

// ErrInvalidAnchor is returned when a splice is attempted with an anchor which
// is not valid for the stream. The stream is never partially modified.
var ErrInvalidAnchor = errors.New("invalid anchor")

// AnchorPair is an inclusive index range [Start, End] located in a stream.
type AnchorPair struct {
	Start int
	End   int
}

// Valid returns true if both sides were found and Start <= End.
func (a AnchorPair) Valid() bool {
	return a.Start >= 0 && a.End >= 0 && a.Start <= a.End
}

// Len returns the number of instructions covered by the anchor.
func (a AnchorPair) Len() int {
	if !a.Valid() {
		return 0
	}
	return a.End - a.Start + 1
}

func (a AnchorPair) String() string {
	return fmt.Sprintf("[%d, %d]", a.Start, a.End)
}

// SpliceOp replaces Range with Replacement. An op whose End is Start-1 is a
// pure insertion before Start.
type SpliceOp struct {
	Range       AnchorPair
	Replacement []Instruction
}

// InsertOp returns a SpliceOp which inserts insts before index at.
func InsertOp(at int, insts ...Instruction) SpliceOp {
	return SpliceOp{AnchorPair{at, at - 1}, insts}
}

func (op SpliceOp) end() int {
	return op.Range.End
}

func (op SpliceOp) delta() int {
	return len(op.Replacement) - (op.Range.End - op.Range.Start + 1)
}

func (op SpliceOp) check(n int) error {
	r := op.Range
	if r.Start >= 0 && r.End == r.Start-1 && r.Start <= n {
		return nil // insertion (possibly at the very end)
	}
	if !r.Valid() {
		return fmt.Errorf("range %s: %w", r, ErrInvalidAnchor)
	}
	if r.End >= n {
		return fmt.Errorf("range %s past end of stream (len %d): %w", r, n, ErrInvalidAnchor)
	}
	return nil
}

func errOverlap(a, b SpliceOp) error {
	return fmt.Errorf("overlapping edits %s and %s: %w", a.Range, b.Range, ErrInvalidAnchor)
}

// Splice replaces the inclusive range anchor with replacement. Instructions
// outside the range are copied unchanged and in order. If the anchor is not
// valid for s, s is returned unmodified along with an error wrapping
// ErrInvalidAnchor.
func Splice(s Stream, anchor AnchorPair, replacement []Instruction) (Stream, error) {
	if !anchor.Valid() {
		return s, fmt.Errorf("Splice: range %s: %w", anchor, ErrInvalidAnchor)
	}
	n, err := s.Apply(SpliceOp{anchor, replacement})
	if err != nil {
		return s, fmt.Errorf("Splice: %w", err)
	}
	return n, nil
}

// InsertAfter inserts insts directly after index.
func InsertAfter(s Stream, index int, insts []Instruction) (Stream, error) {
	if index < 0 || index >= s.Len() {
		return s, fmt.Errorf("InsertAfter: index %d out of range (len %d): %w", index, s.Len(), ErrInvalidAnchor)
	}
	n, err := s.Apply(InsertOp(index+1, insts...))
	if err != nil {
		return s, fmt.Errorf("InsertAfter: %w", err)
	}
	return n, nil
}

// InsertBefore inserts insts directly before index.
func InsertBefore(s Stream, index int, insts []Instruction) (Stream, error) {
	if index < 0 || index >= s.Len() {
		return s, fmt.Errorf("InsertBefore: index %d out of range (len %d): %w", index, s.Len(), ErrInvalidAnchor)
	}
	n, err := s.Apply(InsertOp(index, insts...))
	if err != nil {
		return s, fmt.Errorf("InsertBefore: %w", err)
	}
	return n, nil
}

// Remove deletes the inclusive range anchor.
func Remove(s Stream, anchor AnchorPair) (Stream, error) {
	return Splice(s, anchor, nil)
}
