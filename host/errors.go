package host

import (
	"errors"
	"fmt"
)

var (
	ErrSealed    = errors.New("machine is sealed")
	ErrInstalled = errors.New("routine already has an installation")
	ErrNoExtern  = errors.New("no such extern")
)

// InjectedCallError is an error (or panic) raised by a hook or extern while a
// routine was running. It is logged, and never returned to the caller.
type InjectedCallError struct {
	Target Target
	Site   string
	Err    error
}

func (e *InjectedCallError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Target, e.Site, e.Err)
}

func (e *InjectedCallError) Unwrap() error {
	return e.Err
}

// RuntimeError is an error in the execution of a routine body itself (bad
// stack, bad operand, missing callee). It is returned from Invoke.
type RuntimeError struct {
	Target Target
	Index  int
	Err    error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s: at %d: %v", e.Target, e.Index, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}
