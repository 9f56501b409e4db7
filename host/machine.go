package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/pgaskin/ilpatch/patchlib"
)

const maxDepth = 256

var errUnderflow = errors.New("stack underflow")

type extern struct {
	ref patchlib.ExternRef
	fn  Extern
}

type installed struct {
	body   patchlib.Stream
	labels map[patchlib.LabelID]int
	pre    PreHook
	post   PostHook
}

// Machine runs routine bodies and is the instrumentation mechanism patches
// are installed into. Externs and installations may only be added before the
// first call to Invoke (or Seal). Afterwards, the machine is read-only and
// safe for concurrent use.
type Machine struct {
	table  *ResolutionTable
	logger *log.Logger

	mu        sync.Mutex
	sealed    atomic.Bool
	externs   map[string]extern
	installed map[*Routine]*installed
	injected  atomic.Int64
}

// NewMachine creates a machine for the routines in table. If logger is nil,
// nothing is logged.
func NewMachine(table *ResolutionTable, logger *log.Logger) *Machine {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Machine{
		table:     table,
		logger:    logger,
		externs:   map[string]extern{},
		installed: map[*Routine]*installed{},
	}
}

// Table returns the resolution table.
func (m *Machine) Table() *ResolutionTable {
	return m.table
}

// Resolve resolves a target against the resolution table.
func (m *Machine) Resolve(t Target) (*Routine, error) {
	return m.table.Resolve(t)
}

// BindExtern makes fn callable from callext instructions as name. The arity
// and returns flag must exactly match the callext operand.
func (m *Machine) BindExtern(name string, arity int, returns bool, fn Extern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.sealed.Load():
		return fmt.Errorf("BindExtern(%#v): %w", name, ErrSealed)
	case name == "":
		return errors.New("BindExtern: empty name")
	case arity < 0:
		return fmt.Errorf("BindExtern(%#v): negative arity", name)
	case fn == nil:
		return fmt.Errorf("BindExtern(%#v): nil function", name)
	}
	if _, ok := m.externs[name]; ok {
		return fmt.Errorf("BindExtern(%#v): already bound", name)
	}
	m.externs[name] = extern{patchlib.ExternRef{Name: name, Arity: arity, Returns: returns}, fn}
	return nil
}

// LookupExtern returns the declaration of a bound extern.
func (m *Machine) LookupExtern(name string) (patchlib.ExternRef, bool) {
	if !m.sealed.Load() {
		m.mu.Lock()
		defer m.mu.Unlock()
	}
	e, ok := m.externs[name]
	return e.ref, ok
}

// Externs returns the declarations of all bound externs sorted by name.
func (m *Machine) Externs() []patchlib.ExternRef {
	if !m.sealed.Load() {
		m.mu.Lock()
		defer m.mu.Unlock()
	}
	refs := make([]patchlib.ExternRef, 0, len(m.externs))
	for _, e := range m.externs {
		refs = append(refs, e.ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		return refs[i].Name < refs[j].Name
	})
	return refs
}

// Install replaces the body of r and/or wraps it with hooks. A routine can
// only have one installation.
func (m *Machine) Install(r *Routine, inst Installation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sealed.Load() {
		return fmt.Errorf("Install(%s): %w", r.Target, ErrSealed)
	}
	if _, ok := m.installed[r]; ok {
		return fmt.Errorf("Install(%s): %w", r.Target, ErrInstalled)
	}
	if rr, ok := m.table.byKey[r.Target.Key()]; !ok || rr != r {
		return fmt.Errorf("Install(%s): %w", r.Target, ErrNoRoutine)
	}
	in := &installed{body: r.Body, pre: inst.Pre, post: inst.Post}
	if inst.Body != nil {
		in.body = *inst.Body
	}
	in.labels = in.body.Labels()
	m.installed[r] = in
	m.logger.Debug("installed", "target", r.Target, "rewritten", inst.Body != nil, "pre", inst.Pre != nil, "post", inst.Post != nil)
	return nil
}

// Installed checks whether r has an installation.
func (m *Machine) Installed(r *Routine) bool {
	return m.installation(r) != nil
}

// Body returns the body which will run for r.
func (m *Machine) Body(r *Routine) patchlib.Stream {
	if in := m.installation(r); in != nil {
		return in.body
	}
	return r.Body
}

func (m *Machine) installation(r *Routine) *installed {
	if !m.sealed.Load() {
		m.mu.Lock()
		defer m.mu.Unlock()
	}
	return m.installed[r]
}

// Seal prevents further installations. It is called implicitly by the first
// Invoke.
func (m *Machine) Seal() {
	m.mu.Lock()
	m.sealed.Store(true)
	m.mu.Unlock()
}

// Sealed checks whether the machine has been sealed.
func (m *Machine) Sealed() bool {
	return m.sealed.Load()
}

// InjectedErrors returns the number of errors raised by hooks and externs so
// far.
func (m *Machine) InjectedErrors() int64 {
	return m.injected.Load()
}

// Invoke calls the routine identified by t. Errors from hooks and externs are
// logged and do not fail the call; errors in the body itself do.
func (m *Machine) Invoke(ctx context.Context, t Target, args ...Value) (Value, error) {
	if !m.sealed.Load() {
		m.Seal()
	}
	r, err := m.table.Resolve(t)
	if err != nil {
		return nil, err
	}
	return m.invoke(ctx, r, args, 0)
}

func (m *Machine) invoke(ctx context.Context, r *Routine, args []Value, depth int) (Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if depth > maxDepth {
		return nil, &RuntimeError{r.Target, 0, errors.New("call depth exceeded")}
	}
	if len(args) != r.Arity() {
		return nil, &RuntimeError{r.Target, 0, fmt.Errorf("expected %d arguments, got %d", r.Arity(), len(args))}
	}

	in := m.installed[r]
	if in == nil {
		in = &installed{body: r.Body, labels: r.Body.Labels()}
	}

	f := &Frame{
		Target: r.Target,
		Args:   append([]Value(nil), args...),
		State:  StateFrom(ctx),
	}

	if in.pre != nil {
		var cont bool
		if err := protect(func() (err error) {
			cont, err = in.pre(f)
			return
		}); err != nil {
			m.report(&InjectedCallError{r.Target, "pre-hook", err})
			cont = true
		}
		if !cont {
			m.logger.Debug("vetoed", "target", r.Target)
			return f.Result, nil
		}
	}

	res, err := m.exec(ctx, r, in, f, depth)
	if err != nil {
		return nil, err
	}
	f.Result = res

	if in.post != nil {
		if err := protect(func() error {
			return in.post(f)
		}); err != nil {
			m.report(&InjectedCallError{r.Target, "post-hook", err})
		}
	}
	return f.Result, nil
}

func (m *Machine) exec(ctx context.Context, r *Routine, in *installed, f *Frame, depth int) (Value, error) {
	var st evalStack
	locals := make([]Value, r.Locals)

	for pc := 0; pc < in.body.Len(); pc++ {
		inst := in.body.At(pc)
		fail := func(format string, a ...interface{}) error {
			return &RuntimeError{r.Target, pc, fmt.Errorf("%s: "+format, append([]interface{}{inst}, a...)...)}
		}

		switch inst.Op {
		case patchlib.Nop, patchlib.Label:

		case patchlib.LdArg, patchlib.LdArgA, patchlib.StArg, patchlib.LdLoc, patchlib.LdLocA, patchlib.StLoc:
			slots := f.Args
			if inst.Op == patchlib.LdLoc || inst.Op == patchlib.LdLocA || inst.Op == patchlib.StLoc {
				slots = locals
			}
			i, ok := inst.Operand.(patchlib.Int)
			if !ok || i < 0 || int(i) >= len(slots) {
				return nil, fail("bad slot index")
			}
			switch inst.Op {
			case patchlib.LdArg, patchlib.LdLoc:
				st.push(slots[i])
			case patchlib.LdArgA, patchlib.LdLocA:
				st.push(&Ref{&slots[i]})
			default:
				v, err := st.pop()
				if err != nil {
					return nil, fail("%w", err)
				}
				slots[i] = v
			}

		case patchlib.LdNull:
			st.push(nil)

		case patchlib.LdC:
			v, ok := inst.Operand.(patchlib.Int)
			if !ok {
				return nil, fail("bad operand")
			}
			st.push(int64(v))

		case patchlib.LdStr:
			v, ok := inst.Operand.(patchlib.Str)
			if !ok {
				return nil, fail("bad operand")
			}
			st.push(string(v))

		case patchlib.Pop:
			if _, err := st.pop(); err != nil {
				return nil, fail("%w", err)
			}

		case patchlib.Dup:
			v, err := st.pop()
			if err != nil {
				return nil, fail("%w", err)
			}
			st.push(v)
			st.push(v)

		case patchlib.Add, patchlib.Sub, patchlib.Mul, patchlib.Ceq, patchlib.Clt:
			vs, err := st.popN(2)
			if err != nil {
				return nil, fail("%w", err)
			}
			v, err := binop(inst.Op, vs[0], vs[1])
			if err != nil {
				return nil, fail("%w", err)
			}
			st.push(v)

		case patchlib.Br, patchlib.BrTrue, patchlib.BrFalse:
			l, ok := inst.Operand.(patchlib.LabelID)
			if !ok {
				return nil, fail("bad operand")
			}
			to, ok := in.labels[l]
			if !ok {
				return nil, fail("undefined label")
			}
			jump := true
			if inst.Op != patchlib.Br {
				v, err := st.pop()
				if err != nil {
					return nil, fail("%w", err)
				}
				jump = truthy(v) == (inst.Op == patchlib.BrTrue)
			}
			if jump {
				pc = to
			}

		case patchlib.Ret:
			if !r.Returns || len(st) == 0 {
				return nil, nil
			}
			v, _ := st.pop()
			return v, nil

		case patchlib.Call, patchlib.NewObj:
			ref, ok := inst.Operand.(patchlib.MethodRef)
			if !ok {
				return nil, fail("bad operand")
			}
			t := Target{Owner: ref.Owner, Name: ref.Name, Params: ref.Params()}
			if t.Params == nil {
				t.Params = []string{}
			}
			args, err := st.popN(len(t.Params))
			if err != nil {
				return nil, fail("%w", err)
			}
			callee, err := m.table.Resolve(t)
			if err != nil {
				if inst.Op == patchlib.NewObj && errors.Is(err, ErrNoRoutine) && len(args) == 0 {
					st.push(&Object{Type: ref.Owner, Fields: map[string]Value{}})
					continue
				}
				return nil, fail("%w", err)
			}
			v, err := m.invoke(ctx, callee, args, depth+1)
			if err != nil {
				return nil, err
			}
			if inst.Op == patchlib.NewObj && !callee.Returns {
				v = &Object{Type: ref.Owner, Fields: map[string]Value{}}
			}
			if callee.Returns || inst.Op == patchlib.NewObj {
				st.push(v)
			}

		case patchlib.LdFld, patchlib.StFld:
			ref, ok := inst.Operand.(patchlib.FieldRef)
			if !ok {
				return nil, fail("bad operand")
			}
			n := 1
			if inst.Op == patchlib.StFld {
				n = 2
			}
			vs, err := st.popN(n)
			if err != nil {
				return nil, fail("%w", err)
			}
			obj, ok := deref(vs[0]).(*Object)
			if !ok || obj == nil {
				return nil, fail("not an object: %T", vs[0])
			}
			if inst.Op == patchlib.LdFld {
				st.push(obj.Fields[ref.Name])
			} else {
				obj.Fields[ref.Name] = vs[1]
			}

		case patchlib.CallExt:
			ref, ok := inst.Operand.(patchlib.ExternRef)
			if !ok {
				return nil, fail("bad operand")
			}
			e, ok := m.externs[ref.Name]
			if !ok || e.ref != ref {
				return nil, fail("%w", ErrNoExtern)
			}
			args, err := st.popN(ref.Arity)
			if err != nil {
				return nil, fail("%w", err)
			}
			var v Value
			if err := protect(func() (err error) {
				v, err = e.fn(args)
				return
			}); err != nil {
				m.report(&InjectedCallError{r.Target, fmt.Sprintf("%s at %d", inst, pc), err})
				v = nil
			}
			if ref.Returns {
				st.push(v)
			}

		default:
			return nil, fail("cannot execute")
		}
	}

	if r.Returns && len(st) != 0 {
		return st.pop()
	}
	return nil, nil
}

func (m *Machine) report(err *InjectedCallError) {
	m.injected.Add(1)
	m.logger.Error("injected call failed", "target", err.Target, "site", err.Site, "err", err.Err)
}

// protect calls fn, converting a panic into an error.
func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

type evalStack []Value

func (s *evalStack) push(v Value) {
	*s = append(*s, v)
}

func (s *evalStack) pop() (Value, error) {
	if len(*s) == 0 {
		return nil, errUnderflow
	}
	v := (*s)[len(*s)-1]
	*s = (*s)[:len(*s)-1]
	return v, nil
}

// popN pops n values, returning them in push order.
func (s *evalStack) popN(n int) ([]Value, error) {
	if len(*s) < n {
		return nil, errUnderflow
	}
	vs := append([]Value(nil), (*s)[len(*s)-n:]...)
	*s = (*s)[:len(*s)-n]
	return vs, nil
}

func deref(v Value) Value {
	if r, ok := v.(*Ref); ok {
		return r.Get()
	}
	return v
}

func truthy(v Value) bool {
	switch v := deref(v).(type) {
	case nil:
		return false
	case bool:
		return v
	case int64:
		return v != 0
	case string:
		return v != ""
	default:
		return true
	}
}

func boolValue(b bool) Value {
	if b {
		return int64(1)
	}
	return int64(0)
}

func binop(op patchlib.Opcode, a, b Value) (v Value, err error) {
	a, b = deref(a), deref(b)
	if op == patchlib.Ceq {
		defer func() {
			if recover() != nil {
				v, err = int64(0), nil
			}
		}()
		return boolValue(a == b), nil
	}
	switch x := a.(type) {
	case int64:
		y, ok := b.(int64)
		if !ok {
			break
		}
		switch op {
		case patchlib.Add:
			return x + y, nil
		case patchlib.Sub:
			return x - y, nil
		case patchlib.Mul:
			return x * y, nil
		case patchlib.Clt:
			return boolValue(x < y), nil
		}
	case string:
		y, ok := b.(string)
		if !ok {
			break
		}
		switch op {
		case patchlib.Add:
			return x + y, nil
		case patchlib.Clt:
			return boolValue(x < y), nil
		}
	}
	return nil, fmt.Errorf("unsupported operands %T, %T", a, b)
}
