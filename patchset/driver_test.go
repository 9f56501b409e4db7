package patchset

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/pgaskin/ilpatch/host"
	"github.com/pgaskin/ilpatch/patchlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingHost counts installations.
type countingHost struct {
	*host.Machine
	installs int
}

func (c *countingHost) Install(r *host.Routine, inst host.Installation) error {
	c.installs++
	return c.Machine.Install(r, inst)
}

func mustStream(t *testing.T, src string) patchlib.Stream {
	t.Helper()
	s, err := patchlib.ParseStream(src)
	require.NoError(t, err)
	return s
}

// testHost is a small kitchen. BuildMenu has been "updated" so the list
// construction which rewrites look for is no longer there.
func testHost(t *testing.T) *countingHost {
	t.Helper()
	rt, err := host.NewResolutionTable([]*host.Routine{
		{
			Target:  host.Target{Owner: "Game.Kitchen", Name: "BuildMenu", Params: []string{"int"}},
			Locals:  3,
			Returns: true,
			Body: mustStream(t, `
				ldarg 0
				ldc 4
				stloc 2
				nop
				ldnull
				stloc 2
				ldloc 2
				ret
			`),
		},
		{
			Target:  host.Target{Owner: "Game.Kitchen", Name: "Season", Params: []string{"string"}},
			Locals:  1,
			Returns: true,
			Body: mustStream(t, `
				ldarg 0
				stloc 0
				ldloc 0
				ret
			`),
		},
		{
			Target:  host.Target{Owner: "Game.Kitchen", Name: "Price", Params: []string{"int"}},
			Returns: true,
			Body: mustStream(t, `
				ldarg 0
				ldc 2
				mul
				ret
			`),
		},
	})
	require.NoError(t, err)
	m := host.NewMachine(rt, nil)
	require.NoError(t, m.BindExtern("Salt", 1, false, func(args []host.Value) (host.Value, error) {
		r := args[0].(*host.Ref)
		r.Set(r.Get().(string) + "+salt")
		return nil, nil
	}))
	require.NoError(t, m.BindExtern("BuildMenu", 1, true, func(args []host.Value) (host.Value, error) {
		return "custom menu", nil
	}))
	return &countingHost{Machine: m}
}

func target(t *testing.T, s string) host.Target {
	t.Helper()
	tg, err := host.ParseTarget(s)
	require.NoError(t, err)
	return tg
}

// buildMenuRewrite replaces the list construction with a call to BuildMenu.
func buildMenuRewrite() Rewrite {
	return SpliceRewrite("build-menu",
		patchlib.Find(patchlib.Op(patchlib.NewObj)),
		patchlib.Find(patchlib.Op(patchlib.LdNull)),
		patchlib.InstCallExt("BuildMenu", 1, true),
	)
}

// seasonRewrite salts the argument once it has been stored.
func seasonRewrite() Rewrite {
	return PatchRewrite("salt", func(p *patchlib.Patcher) error {
		if err := p.Find(patchlib.Find(patchlib.OperandEq(patchlib.StLoc, patchlib.Int(0)))); err != nil {
			return err
		}
		return p.InsertAfter(0, []patchlib.Instruction{
			patchlib.InstLdLocA(0),
			patchlib.InstCallExt("Salt", 1, false),
		})
	})
}

func TestApplyIsolation(t *testing.T) {
	h := testHost(t)
	var buf bytes.Buffer
	d := NewDriver(h, log.New(&buf))

	x := target(t, "Game.Kitchen::BuildMenu")
	y := target(t, "Game.Kitchen::Season")
	require.NoError(t, d.Register(
		Spec{Name: "X", Target: x, Rewrites: []Rewrite{buildMenuRewrite()}},
		Spec{Name: "Y", Target: y, Rewrites: []Rewrite{seasonRewrite()}},
	))

	rs := d.Apply(context.Background())
	require.Len(t, rs, 2)

	assert.Equal(t, Failed, rs[0].State)
	assert.Equal(t, "rewrite:build-menu", rs[0].Stage)
	var anf *AnchorNotFoundError
	assert.True(t, errors.As(rs[0].Err, &anf), "got %v", rs[0].Err)
	assert.NotEmpty(t, rs[0].Diagnostic)

	assert.Equal(t, Applied, rs[1].State)
	assert.True(t, rs[1].Success())
	assert.Equal(t, 1, h.installs, "failed specs must not install anything")

	xr, err := h.Resolve(x)
	require.NoError(t, err)
	assert.False(t, h.Installed(xr))
	assert.True(t, h.Body(xr).Equal(xr.Body))

	v, err := h.Invoke(context.Background(), x, int64(1))
	require.NoError(t, err)
	assert.Nil(t, v, "X keeps its original behavior")

	v, err = h.Invoke(context.Background(), y, "soup")
	require.NoError(t, err)
	assert.Equal(t, "soup+salt", v, "Y has its rewrite")

	applied, failed := d.Summary()
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, failed)

	out := buf.String()
	assert.Contains(t, out, "applied")
	assert.Contains(t, out, "failed: rewrite")
}

func TestApplyAllOrNothing(t *testing.T) {
	h := testHost(t)
	d := NewDriver(h, nil)
	y := target(t, "Game.Kitchen::Season")

	var calls []string
	require.NoError(t, d.Register(Spec{
		Target: y,
		Rewrites: []Rewrite{
			seasonRewrite(),
			{Name: "observe", Transform: func(s patchlib.Stream) (patchlib.Stream, error) {
				calls = append(calls, "observe")
				assert.Equal(t, 6, s.Len(), "should get the previous rewrite's output")
				return s, nil
			}},
			PatchRewrite("missing", func(p *patchlib.Patcher) error {
				return p.Find(patchlib.Find(patchlib.Op(patchlib.NewObj)))
			}),
			{Name: "never", Transform: func(s patchlib.Stream) (patchlib.Stream, error) {
				calls = append(calls, "never")
				return s, nil
			}},
		},
		Pre: func(f *host.Frame) (bool, error) {
			t.Error("pre-hook of a failed spec must not be installed")
			return true, nil
		},
	}))

	rs := d.Apply(context.Background())
	require.Len(t, rs, 1)
	assert.Equal(t, Failed, rs[0].State)
	assert.Equal(t, "rewrite:missing", rs[0].Stage)
	assert.Equal(t, []string{"observe"}, calls)
	assert.Zero(t, h.installs)

	v, err := h.Invoke(context.Background(), y, "soup")
	require.NoError(t, err)
	assert.Equal(t, "soup", v)
}

func TestApplyResolutionError(t *testing.T) {
	h := testHost(t)
	d := NewDriver(h, nil)
	require.NoError(t, d.Register(
		Spec{Name: "missing", Target: target(t, "Game.Pantry::Stock")},
		Spec{Name: "price", Target: target(t, "Game.Kitchen::Price"), Post: func(f *host.Frame) error {
			f.Result = f.Result.(int64) + 1
			return nil
		}},
	))
	rs := d.Apply(context.Background())
	require.Len(t, rs, 2)

	var re *ResolutionError
	assert.True(t, errors.As(rs[0].Err, &re))
	assert.True(t, errors.Is(rs[0].Err, host.ErrNoRoutine))
	assert.Nil(t, rs[0].Routine)

	r, ok := d.Result("price")
	require.True(t, ok)
	assert.Equal(t, Applied, r.State)
	_, ok = d.Result("nothing")
	assert.False(t, ok)

	v, err := h.Invoke(context.Background(), target(t, "Game.Kitchen::Price"), int64(4))
	require.NoError(t, err)
	assert.Equal(t, int64(9), v)
}

func TestApplyDuplicate(t *testing.T) {
	h := testHost(t)
	var buf bytes.Buffer
	d := NewDriver(h, log.New(&buf))

	spec := Spec{Name: "salt", Target: target(t, "Game.Kitchen::Season"), Rewrites: []Rewrite{seasonRewrite()}}
	require.NoError(t, d.Register(spec, spec))
	require.NoError(t, d.Register(Spec{Name: "salt-again", Target: target(t, "Game.Kitchen::Season(string)")}))

	rs := d.Apply(context.Background())
	require.Len(t, rs, 1)
	assert.Equal(t, Applied, rs[0].State)
	assert.Equal(t, 1, h.installs)

	ws := d.Warnings()
	require.Len(t, ws, 2)
	for _, w := range ws {
		var de *DuplicateApplicationError
		assert.True(t, errors.As(w, &de))
		assert.Equal(t, "salt", de.Previous)
	}
	assert.Contains(t, buf.String(), "skipping duplicate")

	// a second Apply does nothing
	rs2 := d.Apply(context.Background())
	assert.Equal(t, rs, rs2)
	assert.Equal(t, 1, h.installs)

	err := d.Register(spec)
	assert.True(t, errors.Is(err, ErrApplied))
}

func TestApplyBinding(t *testing.T) {
	for _, tc := range []struct {
		name string
		inst patchlib.Instruction
	}{
		{"UnboundExtern", patchlib.InstCallExt("Pepper", 1, false)},
		{"WrongArity", patchlib.InstCallExt("Salt", 2, false)},
		{"WrongReturns", patchlib.InstCallExt("Salt", 1, true)},
		{"UnknownCall", patchlib.InstCall("Game.Kitchen", "Missing")},
		{"UndefinedLabel", patchlib.InstBr(9)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := testHost(t)
			d := NewDriver(h, nil)
			require.NoError(t, d.Register(Spec{
				Target: target(t, "Game.Kitchen::Season"),
				Rewrites: []Rewrite{PatchRewrite("inject", func(p *patchlib.Patcher) error {
					return p.InsertAfter(0, []patchlib.Instruction{tc.inst})
				})},
			}))
			rs := d.Apply(context.Background())
			require.Len(t, rs, 1)
			assert.Equal(t, Failed, rs[0].State)
			assert.Equal(t, "bind", rs[0].Stage)
			var be *BindingError
			assert.True(t, errors.As(rs[0].Err, &be), "got %v", rs[0].Err)
			assert.Equal(t, 1, be.Index)
			assert.Zero(t, h.installs)
		})
	}
}

func TestApplyRewritePanic(t *testing.T) {
	h := testHost(t)
	d := NewDriver(h, nil)
	require.NoError(t, d.Register(Spec{
		Target: target(t, "Game.Kitchen::Price"),
		Rewrites: []Rewrite{{Name: "boom", Transform: func(s patchlib.Stream) (patchlib.Stream, error) {
			panic("boom")
		}}},
	}))
	rs := d.Apply(context.Background())
	var re *RewriteError
	require.True(t, errors.As(rs[0].Err, &re))
	assert.Equal(t, "boom", re.Rewrite)
}

func TestApplyVetoWithRewrite(t *testing.T) {
	h := testHost(t)
	d := NewDriver(h, nil)
	y := target(t, "Game.Kitchen::Season")

	var post bool
	require.NoError(t, d.Register(Spec{
		Target:   y,
		Rewrites: []Rewrite{seasonRewrite()},
		Pre: func(f *host.Frame) (bool, error) {
			if f.Args[0] == "skip" {
				f.Result = "skipped"
				return false, nil
			}
			return true, nil
		},
		Post: func(f *host.Frame) error {
			post = true
			return nil
		},
	}))
	rs := d.Apply(context.Background())
	require.True(t, rs[0].Success())

	v, err := h.Invoke(context.Background(), y, "skip")
	require.NoError(t, err)
	assert.Equal(t, "skipped", v)
	assert.False(t, post)

	v, err = h.Invoke(context.Background(), y, "stew")
	require.NoError(t, err)
	assert.Equal(t, "stew+salt", v)
	assert.True(t, post)
}

func TestApplyCanceled(t *testing.T) {
	h := testHost(t)
	d := NewDriver(h, nil)
	require.NoError(t, d.Register(Spec{Target: target(t, "Game.Kitchen::Price")}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rs := d.Apply(ctx)
	assert.Equal(t, Failed, rs[0].State)
	assert.True(t, errors.Is(rs[0].Err, context.Canceled))
}

func TestRegisterInvalid(t *testing.T) {
	d := NewDriver(testHost(t), nil)
	assert.Error(t, d.Register(Spec{Name: "empty"}))
	assert.Error(t, d.Register(Spec{Target: host.Target{Owner: "A", Name: "B"}, Rewrites: []Rewrite{{Name: "nil"}}}))
}

func TestSpliceRewrite(t *testing.T) {
	// the list construction is present in this version of the routine
	s := mustStream(t, `
		ldarg 0
		newobj List`+"`"+`1::.ctor()
		stloc 2
		nop
		ldnull
		stloc 2
	`)
	out, err := buildMenuRewrite().Transform(s)
	require.NoError(t, err)
	assert.Equal(t, s.Len()-3, out.Len())
	assert.Equal(t, patchlib.InstCallExt("BuildMenu", 1, true), out.At(1))
	assert.Equal(t, patchlib.InstStLoc(2), out.At(2))
}
