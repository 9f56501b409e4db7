package patchset

import (
	"errors"
	"fmt"

	"github.com/pgaskin/ilpatch/host"
	"github.com/pgaskin/ilpatch/patchlib"
)

// ErrApplied is returned when registering a spec after Apply.
var ErrApplied = errors.New("specs have already been applied")

// ResolutionError means the target could not be found or was ambiguous.
type ResolutionError struct {
	Target host.Target
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Target, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// AnchorNotFoundError means a rewrite could not find the instructions it
// expected, usually because the host routine changed.
type AnchorNotFoundError struct {
	Rewrite string
	Err     error
}

func (e *AnchorNotFoundError) Error() string {
	return fmt.Sprintf("rewrite %#v: anchor not found: %v", e.Rewrite, e.Err)
}

func (e *AnchorNotFoundError) Unwrap() error {
	return e.Err
}

// RewriteError means a rewrite failed for another reason.
type RewriteError struct {
	Rewrite string
	Err     error
}

func (e *RewriteError) Error() string {
	return fmt.Sprintf("rewrite %#v: %v", e.Rewrite, e.Err)
}

func (e *RewriteError) Unwrap() error {
	return e.Err
}

// BindingError means the final body references something the host does not
// provide in the expected shape.
type BindingError struct {
	Index  int
	Inst   patchlib.Instruction
	Reason string
}

func (e *BindingError) Error() string {
	return fmt.Sprintf("bind: instruction %d (%s): %s", e.Index, e.Inst, e.Reason)
}

// DuplicateApplicationError means a target was registered more than once.
// The later spec is skipped.
type DuplicateApplicationError struct {
	Spec     string
	Target   host.Target
	Previous string
}

func (e *DuplicateApplicationError) Error() string {
	return fmt.Sprintf("duplicate application of %s by %#v (already handled by %#v)", e.Target, e.Spec, e.Previous)
}

func classify(rewrite string, err error) error {
	if errors.Is(err, patchlib.ErrNotFound) || errors.Is(err, patchlib.ErrInvalidAnchor) {
		return &AnchorNotFoundError{rewrite, err}
	}
	return &RewriteError{rewrite, err}
}
