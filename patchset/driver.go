package patchset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/pgaskin/ilpatch/host"
	"github.com/pgaskin/ilpatch/patchlib"
)

// Driver applies registered specs to a host exactly once. Each spec goes
// through the pipeline resolve, rewrite:<name>..., bind, install. A failure
// in any stage leaves the routine untouched and does not affect other specs.
type Driver struct {
	host   Host
	logger *log.Logger

	mu       sync.Mutex
	applied  bool
	specs    []Spec
	results  []*Result
	warnings []error
}

// NewDriver creates a Driver for h. If logger is nil, nothing is logged.
func NewDriver(h Host, logger *log.Logger) *Driver {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Driver{host: h, logger: logger}
}

// Register adds specs to be applied. It fails once Apply has been called.
func (d *Driver) Register(specs ...Spec) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.applied {
		return fmt.Errorf("Register: %w", ErrApplied)
	}
	for _, s := range specs {
		if s.Target.Name == "" {
			return fmt.Errorf("Register(%#v): no target", s.Name)
		}
		for _, rw := range s.Rewrites {
			if rw.Transform == nil {
				return fmt.Errorf("Register(%#v): rewrite %#v has no transform", s.name(), rw.Name)
			}
		}
		d.specs = append(d.specs, s)
		d.results = append(d.results, &Result{
			Spec:   s.name(),
			Target: s.Target,
			State:  Registered,
		})
	}
	return nil
}

// Apply applies all registered specs in registration order and returns the
// results. Calling it again does nothing but return the same results.
func (d *Driver) Apply(ctx context.Context) []Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.applied {
		d.logger.Warn("specs already applied, not applying again")
		return d.copyResults()
	}
	d.applied = true

	byTarget := map[string]*Result{}
	byRoutine := map[*host.Routine]*Result{}
	var results []*Result
	for i, s := range d.specs {
		res := d.results[i]

		if prev, ok := byTarget[s.Target.Key()]; ok {
			d.duplicate(s, prev)
			continue
		}
		byTarget[s.Target.Key()] = res

		if err := ctx.Err(); err != nil {
			d.fail(res, "resolve", err)
			results = append(results, res)
			continue
		}

		res.State = Resolving
		r, err := d.resolve(res, s)
		if err == nil {
			if prev, ok := byRoutine[r]; ok {
				d.duplicate(s, prev)
				continue
			}
			byRoutine[r] = res
			err = d.apply(res, s, r)
		}
		if err != nil {
			d.fail(res, res.Stage, err)
		} else {
			res.State = Applied
			d.logger.Info("applied", "spec", res.Spec, "target", r.Target)
		}
		results = append(results, res)
	}
	d.results = results
	return d.copyResults()
}

func (d *Driver) resolve(res *Result, s Spec) (*host.Routine, error) {
	res.Stage = "resolve"
	r, err := d.host.Resolve(s.Target)
	if err != nil {
		return nil, &ResolutionError{s.Target, err}
	}
	res.Routine = r
	return r, nil
}

func (d *Driver) apply(res *Result, s Spec, r *host.Routine) error {
	body := r.Body
	for _, rw := range s.Rewrites {
		res.Stage = "rewrite:" + rw.Name
		out, err := transform(rw, body)
		if err != nil {
			return classify(rw.Name, err)
		}
		d.logger.Debug("rewrote", "spec", res.Spec, "rewrite", rw.Name, "before", body.Len(), "after", out.Len())
		body = out
	}

	inst := host.Installation{Pre: s.Pre, Post: s.Post}
	if len(s.Rewrites) != 0 {
		res.Stage = "bind"
		if err := d.bind(body); err != nil {
			return err
		}
		inst.Body = &body
	}

	res.Stage = "install"
	if err := d.host.Install(r, inst); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	return nil
}

// bind checks that every call and branch in the final body can be satisfied.
func (d *Driver) bind(body patchlib.Stream) error {
	labels := body.Labels()
	for i, in := range body.Insts() {
		switch in.Op {
		case patchlib.CallExt:
			ref, ok := in.Operand.(patchlib.ExternRef)
			if !ok {
				return &BindingError{i, in, "operand is not an extern reference"}
			}
			decl, ok := d.host.LookupExtern(ref.Name)
			if !ok {
				return &BindingError{i, in, "extern is not bound"}
			}
			if decl != ref {
				return &BindingError{i, in, fmt.Sprintf("extern is declared as %s", decl)}
			}
		case patchlib.Call, patchlib.NewObj:
			ref, ok := in.Operand.(patchlib.MethodRef)
			if !ok {
				return &BindingError{i, in, "operand is not a method reference"}
			}
			t := host.Target{Owner: ref.Owner, Name: ref.Name, Params: ref.Params()}
			if t.Params == nil {
				t.Params = []string{}
			}
			if _, err := d.host.Resolve(t); err != nil {
				if in.Op == patchlib.NewObj && len(t.Params) == 0 && errors.Is(err, host.ErrNoRoutine) {
					continue
				}
				return &BindingError{i, in, err.Error()}
			}
		case patchlib.Br, patchlib.BrTrue, patchlib.BrFalse:
			l, ok := in.Operand.(patchlib.LabelID)
			if !ok {
				return &BindingError{i, in, "operand is not a label"}
			}
			if _, ok := labels[l]; !ok {
				return &BindingError{i, in, "undefined label"}
			}
		}
	}
	return nil
}

func (d *Driver) fail(res *Result, stage string, err error) {
	res.State = Failed
	res.Stage = stage
	res.Err = err
	res.Diagnostic = err.Error()
	d.logger.Error("failed: "+res.Diagnostic, "spec", res.Spec, "stage", stage)
}

func (d *Driver) duplicate(s Spec, prev *Result) {
	err := &DuplicateApplicationError{s.name(), s.Target, prev.Spec}
	d.warnings = append(d.warnings, err)
	d.logger.Warn("skipping duplicate", "err", err)
}

// Results returns the results of all specs which were not skipped as
// duplicates, in registration order.
func (d *Driver) Results() []Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.copyResults()
}

// Result returns the result for the spec with the specified name.
func (d *Driver) Result(name string) (Result, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.results {
		if r.Spec == name {
			return *r, true
		}
	}
	return Result{}, false
}

// Warnings returns the duplicate application warnings from Apply.
func (d *Driver) Warnings() []error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]error(nil), d.warnings...)
}

// Summary returns the number of applied and failed specs.
func (d *Driver) Summary() (applied, failed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.results {
		switch r.State {
		case Applied:
			applied++
		case Failed:
			failed++
		}
	}
	return
}

func (d *Driver) copyResults() []Result {
	rs := make([]Result, len(d.results))
	for i, r := range d.results {
		rs[i] = *r
	}
	return rs
}

// transform runs a rewrite, converting a panic into an error.
func transform(rw Rewrite, s patchlib.Stream) (out patchlib.Stream, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = s, fmt.Errorf("panic: %v", r)
		}
	}()
	return rw.Transform(s)
}
