// Package patchlib provides the instruction stream model and the functions
// used to locate and splice instructions in routine bodies.
package patchlib

import (
	"errors"
	"fmt"
)

// Log is used to log debugging messages.
var Log = func(format string, a ...interface{}) {}

// Patcher applies edits to a stream. All operations are done starting from
// cur. Every change materializes a new stream, so the stream passed to
// NewPatcher is never modified.
type Patcher struct {
	s    Stream
	cur  int
	hook func(offset int, find, replace []Instruction) error
}

// NewPatcher creates a new Patcher.
func NewPatcher(s Stream) *Patcher {
	return &Patcher{s, 0, nil}
}

// Stream returns the current content of the Patcher.
func (p *Patcher) Stream() Stream {
	return p.s
}

// Cur gets the current cursor.
func (p *Patcher) Cur() int {
	return p.cur
}

// ResetCursor moves cur to 0.
func (p *Patcher) ResetCursor() {
	p.cur = 0
}

// Hook sets a hook to be called right before every change. If it returns an
// error, it will be passed on. If nil (the default), the hook will be removed.
// The find and replace arguments MUST NOT be modified by the hook.
func (p *Patcher) Hook(fn func(offset int, find, replace []Instruction) error) {
	p.hook = fn
}

// Seek moves cur to an index.
func (p *Patcher) Seek(index int) error {
	if index < 0 {
		return errors.New("Seek: index less than 0")
	}
	if index >= p.s.Len() {
		return errors.New("Seek: index greater than length of stream")
	}
	p.cur = index
	return nil
}

// Find moves cur to the next (or, for backward specs, previous) instruction
// matching spec, including the one at cur, unless the spec has an explicit
// start.
func (p *Patcher) Find(spec MatchSpec) error {
	if !spec.Explicit {
		spec = spec.At(p.cur)
	}
	i := Locate(p.s, spec)
	if i == NotFound {
		return fmt.Errorf("Find(%s): %w", spec, ErrNotFound)
	}
	p.cur = i
	return nil
}

// FindChain locates a chain of specs starting at cur and moves cur to the last
// match. It returns every matched index.
func (p *Patcher) FindChain(specs ...MatchSpec) ([]int, error) {
	if len(specs) == 0 {
		return nil, errors.New("FindChain: no specs")
	}
	if !specs[0].Explicit {
		specs = append([]MatchSpec{specs[0].At(p.cur)}, specs[1:]...)
	}
	r := LocateChain(p.s, specs...)
	if r == nil {
		return nil, fmt.Errorf("FindChain(%d specs): %w", len(specs), ErrNotFound)
	}
	p.cur = r[len(r)-1]
	return r, nil
}

// Replace replaces the instructions find, which must be exactly at cur+offset,
// with replace. The lengths may differ. The cursor stays at the start of the
// replacement.
func (p *Patcher) Replace(offset int, find, replace []Instruction) error {
	at := p.cur + offset
	if err := p.expect(at, find); err != nil {
		return fmt.Errorf("Replace: %w", err)
	}
	if len(find) == 0 {
		return p.change(at, InsertOp(at, replace...), find, replace, "Replace")
	}
	return p.change(at, SpliceOp{AnchorPair{at, at + len(find) - 1}, replace}, find, replace, "Replace")
}

// ReplaceRange replaces everything from cur up to and including the next
// instruction matching to (searched from cur) with replace.
func (p *Patcher) ReplaceRange(to MatchSpec, replace []Instruction) error {
	if !to.Explicit {
		to = to.At(p.cur)
	}
	end := Locate(p.s, to)
	a := AnchorPair{p.cur, end}
	if !a.Valid() {
		return fmt.Errorf("ReplaceRange(%s) from %d: %w", to, p.cur, ErrNotFound)
	}
	find := p.s.insts[a.Start : a.End+1]
	return p.change(a.Start, SpliceOp{a, replace}, find, replace, "ReplaceRange")
}

// InsertAfter inserts insts after the instruction at cur+offset. The cursor is
// moved to the last inserted instruction.
func (p *Patcher) InsertAfter(offset int, insts []Instruction) error {
	at := p.cur + offset
	if at < 0 || at >= p.s.Len() {
		return fmt.Errorf("InsertAfter: index %d out of range: %w", at, ErrInvalidAnchor)
	}
	if err := p.change(at+1, InsertOp(at+1, insts...), nil, insts, "InsertAfter"); err != nil {
		return err
	}
	if len(insts) != 0 {
		p.cur = at + len(insts)
	}
	return nil
}

// InsertBefore inserts insts before the instruction at cur+offset. The cursor
// is moved to the first inserted instruction.
func (p *Patcher) InsertBefore(offset int, insts []Instruction) error {
	at := p.cur + offset
	if at < 0 || at >= p.s.Len() {
		return fmt.Errorf("InsertBefore: index %d out of range: %w", at, ErrInvalidAnchor)
	}
	return p.change(at, InsertOp(at, insts...), nil, insts, "InsertBefore")
}

// Check ensures the instructions find are exactly at cur+offset without
// changing anything.
func (p *Patcher) Check(offset int, find []Instruction) error {
	if err := p.expect(p.cur+offset, find); err != nil {
		return fmt.Errorf("Check: %w", err)
	}
	return nil
}

func (p *Patcher) expect(at int, find []Instruction) error {
	if at < 0 {
		return errors.New("index less than 0")
	}
	if at+len(find) > p.s.Len() {
		return fmt.Errorf("instructions to find past end of stream: %w", ErrNotFound)
	}
	for i, in := range find {
		if p.s.insts[at+i] != in {
			return fmt.Errorf("could not find specified instructions at %d (%s != %s): %w", at, p.s.insts[at+i], in, ErrNotFound)
		}
	}
	return nil
}

func (p *Patcher) change(at int, op SpliceOp, find, replace []Instruction, what string) error {
	if p.hook != nil {
		if err := p.hook(at, find, replace); err != nil {
			return fmt.Errorf("%s: hook returned error: %w", what, err)
		}
	}
	n, err := p.s.Apply(op)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	Log("%s at %d: -%d +%d\n", what, at, len(find), len(replace))
	p.s, p.cur = n, at
	if p.cur >= n.Len() && n.Len() > 0 {
		p.cur = n.Len() - 1
	}
	return nil
}
