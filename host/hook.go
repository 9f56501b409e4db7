package host

import (
	"context"

	"github.com/pgaskin/ilpatch/patchlib"
)

// Value is a value on the machine's evaluation stack. Integers are int64,
// strings are string, booleans are bool, objects are *Object, and references
// to argument or local slots are *Ref.
type Value = any

// Object is an instance created by newobj.
type Object struct {
	Type   string
	Fields map[string]Value
}

// Ref is a reference to a live argument or local slot. Injected calls receive
// a *Ref for every argument loaded with ldarga or ldloca.
type Ref struct {
	slot *Value
}

// NewRef returns a reference to a standalone slot holding v.
func NewRef(v Value) *Ref {
	return &Ref{&v}
}

// Get returns the current value of the slot.
func (r *Ref) Get() Value {
	return *r.slot
}

// Set replaces the value of the slot.
func (r *Ref) Set(v Value) {
	*r.slot = v
}

// Frame is passed by pointer to hooks. Changes to Args are seen by the body,
// and changes to Result by the caller.
type Frame struct {
	Target Target
	Args   []Value
	Result Value
	State  any
}

// PreHook runs before the body. Returning false vetoes the call: neither the
// body nor the post-hook runs, and the caller receives Frame.Result as left by
// the hook.
type PreHook func(f *Frame) (bool, error)

// PostHook runs after the body with the result in Frame.Result.
type PostHook func(f *Frame) error

// Extern is a fixed-arity function called from an injected callext
// instruction. The result is ignored unless the extern is declared as
// returning a value.
type Extern func(args []Value) (Value, error)

// Installation is what gets installed on a routine. A nil Body keeps the
// original one.
type Installation struct {
	Body *patchlib.Stream
	Pre  PreHook
	Post PostHook
}

type stateKey struct{}

// WithState attaches a context object which is passed to hooks as
// Frame.State for every call made with the returned context.
func WithState(ctx context.Context, state any) context.Context {
	return context.WithValue(ctx, stateKey{}, state)
}

// StateFrom returns the context object attached with WithState, if any.
func StateFrom(ctx context.Context) any {
	return ctx.Value(stateKey{})
}
