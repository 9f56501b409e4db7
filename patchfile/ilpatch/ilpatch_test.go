package ilpatch

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pgaskin/ilpatch/host"
	"github.com/pgaskin/ilpatch/patchfile"
	"github.com/pgaskin/ilpatch/patchlib"
	"github.com/pgaskin/ilpatch/patchset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPatches = `
Use the custom menu builder:
  - Enabled: true
  - Description: Replaces the list construction with BuildMenu.
  - PatchGroup: Menu
  - Target: Game.Kitchen::BuildMenu(int)
  - FindInst: newobj :method
  - ReplaceRange:
      To: ldnull
      Replace: [callext BuildMenu/1:r]

Use the plain menu:
  - Enabled: false
  - PatchGroup: Menu
  - Target: Game.Kitchen::BuildMenu(int)
  - PreHook: Veto

Salt everything:
  - Enabled: true
  - Target: Game.Kitchen::Season
  - FindInst: [ldarg 0, stloc 0]
  - InsertAfter: [ldloca 0, callext Salt/1]
  - PostHook: Garnish

Check the season:
  - Enabled: true
  - Target: Game.Kitchen::Season
  - Seek: 0
  - CheckInst:
      Find: |
        ldarg 0
        stloc 0
`

func testHooks() patchfile.HookSet {
	return patchfile.HookSet{
		Pre: map[string]host.PreHook{
			"Veto": func(f *host.Frame) (bool, error) {
				return false, nil
			},
		},
		Post: map[string]host.PostHook{
			"Garnish": func(f *host.Frame) error {
				f.Result = f.Result.(string) + "+parsley"
				return nil
			},
		},
	}
}

func testMachine(t *testing.T) *host.Machine {
	t.Helper()
	body := func(src string) patchlib.Stream {
		s, err := patchlib.ParseStream(src)
		require.NoError(t, err)
		return s
	}
	rt, err := host.NewResolutionTable([]*host.Routine{
		{
			Target:  host.Target{Owner: "Game.Kitchen", Name: "BuildMenu", Params: []string{"int"}},
			Locals:  3,
			Returns: true,
			Body: body(`
				ldarg 0
				newobj List` + "`" + `1::.ctor()
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
			Body: body(`
				ldarg 0
				stloc 0
				ldloc 0
				ret
			`),
		},
	})
	require.NoError(t, err)
	m := host.NewMachine(rt, nil)
	require.NoError(t, m.BindExtern("BuildMenu", 1, true, func(args []host.Value) (host.Value, error) {
		return "custom menu", nil
	}))
	require.NoError(t, m.BindExtern("Salt", 1, false, func(args []host.Value) (host.Value, error) {
		r := args[0].(*host.Ref)
		r.Set(r.Get().(string) + "+salt")
		return nil, nil
	}))
	return m
}

func TestParse(t *testing.T) {
	ps, err := Parse([]byte(testPatches))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Use the custom menu builder",
		"Use the plain menu",
		"Salt everything",
		"Check the season",
	}, ps.Patches())
	assert.NoError(t, ps.Validate())

	ps, err = Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, ps.Patches())

	f, ok := patchfile.GetFormat("ilpatch")
	assert.True(t, ok, "format should be registered")
	assert.NotNil(t, f)
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		name, in, err string
	}{
		{"NotMapping", "- a\n- b\n", "expected a mapping"},
		{"NotList", "a: b\n", "is not a list of instructions"},
		{"Duplicate", "a: []\na: []\n", "duplicate patch `a`"},
		{"Unknown", "a:\n  - Unknown: true\n", `unknown instruction type "Unknown"`},
		{"TooMany", "a:\n  - Enabled: true\n    Target: A::B\n", "line 3: multiple types found in instruction, maybe you forgot a '-'"},
		{"Extra", "a:\n  - ReplaceRange: {To: ldnull, Replace: [], Extra: 1}\n", "field Extra not found"},
		{"Syntax", "a: [\n", "error parsing patch file"},
		{"Null", "a:\n  - Enabled:\n", `instruction "Enabled" has no value`},
		{"TargetExtra", "a:\n  - Target: {Sym: x, Extra: 1}\n", "field Extra not found"},
		{"TargetEmptySym", "a:\n  - Target: {Sym: \"\"}\n", "Sym must not be empty"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.in))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.err)
		})
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name, in, err string
	}{
		{"NoEnabled", "a:\n  - Target: A::B\n  - PreHook: X\n", "no `Enabled` option in `a`"},
		{"TwoEnabled", "a:\n  - Enabled: true\n  - Enabled: false\n  - Target: A::B\n  - PreHook: X\n", "more than one `Enabled` option in `a`"},
		{"TwoDescriptions", "a:\n  - Enabled: true\n  - Description: x\n  - Description: y\n  - Target: A::B\n  - PreHook: X\n", "more than one `Description`"},
		{"NoTarget", "a:\n  - Enabled: true\n  - PreHook: X\n", "no `Target` in `a`"},
		{"TwoTargets", "a:\n  - Enabled: true\n  - Target: A::B\n  - Target: A::C\n  - PreHook: X\n", "more than one `Target`"},
		{"BadTarget", "a:\n  - Enabled: true\n  - Target: nope\n  - PreHook: X\n", "invalid Target on line 3 in `a`"},
		{"Nothing", "a:\n  - Enabled: true\n  - Target: A::B\n", "nothing to do in `a`"},
		{"TwoPreHooks", "a:\n  - Enabled: true\n  - Target: A::B\n  - PreHook: X\n  - PreHook: Y\n", "more than one `PreHook`"},
		{"BadPattern", "a:\n  - Enabled: true\n  - Target: A::B\n  - FindInst: bogus 1\n", "invalid instruction on line 4 in `a`"},
		{"BadInst", "a:\n  - Enabled: true\n  - Target: A::B\n  - InsertAfter: [ldarg x]\n", "invalid instruction on line 4 in `a`"},
		{"EmptyInsert", "a:\n  - Enabled: true\n  - Target: A::B\n  - InsertAfter: []\n", "nothing to insert"},
		{"NegativeSeek", "a:\n  - Enabled: true\n  - Target: A::B\n  - Seek: -1\n", "index must be positive"},
		{"PatchGroup", "a:\n  - Enabled: true\n  - PatchGroup: g\n  - Target: A::B\n  - PreHook: X\nb:\n  - Enabled: true\n  - PatchGroup: g\n  - Target: A::C\n  - PreHook: X\n", "more than one patch enabled in PatchGroup `g`"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ps, err := Parse([]byte(tc.in))
			require.NoError(t, err)
			err = ps.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.err)
		})
	}
}

func TestSetEnabled(t *testing.T) {
	ps, err := Parse([]byte(testPatches))
	require.NoError(t, err)

	assert.NoError(t, ps.SetEnabled("Use the plain menu", true))
	err = ps.Validate()
	require.Error(t, err, "both patches in the group are now enabled")
	assert.Contains(t, err.Error(), "PatchGroup `Menu`")

	assert.NoError(t, ps.SetEnabled("Use the custom menu builder", false))
	assert.NoError(t, ps.Validate())

	assert.Error(t, ps.SetEnabled("Nonexistent", true))
	assert.NoError(t, ps.SetEnabled("Nonexistent", false))
}

func TestSpecs(t *testing.T) {
	ps, err := Parse([]byte(testPatches))
	require.NoError(t, err)

	specs, err := ps.Specs(testHooks(), nil)
	require.NoError(t, err)
	require.Len(t, specs, 2)

	assert.Equal(t, "Use the custom menu builder", specs[0].Name)
	assert.Equal(t, host.Target{Owner: "Game.Kitchen", Name: "BuildMenu", Params: []string{"int"}}, specs[0].Target)
	assert.Len(t, specs[0].Rewrites, 1)
	assert.Nil(t, specs[0].Pre, "disabled patches must not contribute hooks")

	assert.Equal(t, "Salt everything + Check the season", specs[1].Name)
	assert.Len(t, specs[1].Rewrites, 2)
	assert.NotNil(t, specs[1].Post)

	_, err = ps.Specs(patchfile.HookSet{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no post-hook called 'Garnish'")
}

func TestSpecsMergeByRoutine(t *testing.T) {
	ps, err := Parse([]byte(strings.Join([]string{
		"Salt it:",
		"  - Enabled: true",
		"  - Target: Game.Kitchen::Season",
		"  - FindInst: stloc 0",
		"  - InsertAfter: [ldloca 0, callext Salt/1]",
		"Garnish it:",
		"  - Enabled: true",
		"  - Target: Game.Kitchen::Season(string)",
		"  - PostHook: Garnish",
	}, "\n")))
	require.NoError(t, err)

	specs, err := ps.Specs(testHooks(), nil)
	require.NoError(t, err)
	assert.Len(t, specs, 2, "without a resolver, only identical targets are merged")

	m := testMachine(t)
	specs, err = ps.Specs(testHooks(), m)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "Salt it + Garnish it", specs[0].Name)
	assert.Len(t, specs[0].Rewrites, 1)
	assert.NotNil(t, specs[0].Post)

	d := patchset.NewDriver(m, nil)
	require.NoError(t, d.Register(specs...))
	for _, r := range d.Apply(context.Background()) {
		assert.True(t, r.Success(), "%s", r)
	}
	assert.Empty(t, d.Warnings())

	v, err := m.Invoke(context.Background(), host.Target{Owner: "Game.Kitchen", Name: "Season"}, "soup")
	require.NoError(t, err)
	assert.Equal(t, "soup+salt+parsley", v)
}

func TestApply(t *testing.T) {
	ps, err := Parse([]byte(testPatches))
	require.NoError(t, err)
	specs, err := ps.Specs(testHooks(), nil)
	require.NoError(t, err)

	m := testMachine(t)
	d := patchset.NewDriver(m, nil)
	require.NoError(t, d.Register(specs...))
	for _, r := range d.Apply(context.Background()) {
		assert.True(t, r.Success(), "%s", r)
	}

	v, err := m.Invoke(context.Background(), host.Target{Owner: "Game.Kitchen", Name: "BuildMenu"}, int64(3))
	require.NoError(t, err)
	assert.Equal(t, "custom menu", v)

	v, err = m.Invoke(context.Background(), host.Target{Owner: "Game.Kitchen", Name: "Season"}, "soup")
	require.NoError(t, err)
	assert.Equal(t, "soup+salt+parsley", v)
}

func TestApplyAnchorMissing(t *testing.T) {
	ps, err := Parse([]byte(strings.Join([]string{
		"Missing anchor:",
		"  - Enabled: true",
		"  - Target: Game.Kitchen::Season",
		"  - FindInst: newobj :method",
		"  - InsertAfter: [nop]",
		"Still works:",
		"  - Enabled: true",
		"  - Target: Game.Kitchen::BuildMenu",
		"  - PreHook: Veto",
	}, "\n")))
	require.NoError(t, err)
	specs, err := ps.Specs(testHooks(), nil)
	require.NoError(t, err)

	m := testMachine(t)
	d := patchset.NewDriver(m, nil)
	require.NoError(t, d.Register(specs...))
	rs := d.Apply(context.Background())
	require.Len(t, rs, 2)

	var anf *patchset.AnchorNotFoundError
	assert.True(t, errors.As(rs[0].Err, &anf), "got %v", rs[0].Err)
	assert.True(t, errors.Is(rs[0].Err, patchlib.ErrNotFound))
	assert.True(t, rs[1].Success())

	v, err := m.Invoke(context.Background(), host.Target{Owner: "Game.Kitchen", Name: "Season"}, "soup")
	require.NoError(t, err)
	assert.Equal(t, "soup", v)
}
