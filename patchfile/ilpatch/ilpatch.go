// Package ilpatch reads ilpatch style patches.
//
// A patch file is a mapping of patch names to a list of single-key
// instructions. Every patch needs exactly one Enabled and one Target, and the
// edit instructions (FindInst, ReplaceInst, InsertAfter, ...) run in order on
// the target's body with a cursor starting at 0. Enabled patches with the same
// target are merged into a single spec.
//
//	Use the custom menu builder:
//	  - Enabled: true
//	  - Target: Game.Kitchen::BuildMenu(int)
//	  - FindInst: newobj :method
//	  - ReplaceRange:
//	      To: ldnull
//	      Replace: [callext BuildMenu/1:r]
//	  - PostHook: LogMenu
package ilpatch

import (
	"github.com/pgaskin/ilpatch/host"
	"github.com/pgaskin/ilpatch/patchfile"
	"github.com/pgaskin/ilpatch/patchlib"
	"github.com/pgaskin/ilpatch/patchset"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// PatchSet represents a series of patches.
type PatchSet struct {
	patches []*patch
}

type patch struct {
	Name  string
	Line  int
	Insts []*Instruction
	Lines []int
}

// Parse parses a PatchSet from a buf.
func Parse(buf []byte) (patchfile.PatchSet, error) {
	patchfile.Log("parsing patch file\n")
	ps := &PatchSet{}

	var root yaml.Node
	if err := yaml.Unmarshal(buf, &root); err != nil {
		return nil, errors.Wrap(err, "error parsing patch file")
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		patchfile.Log("  empty patch file\n")
		return ps, nil
	}

	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, errors.Errorf("error parsing patch file: line %d: expected a mapping of patch names to patches", doc.Line)
	}

	seen := map[string]bool{}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		k, v := doc.Content[i], doc.Content[i+1]
		if seen[k.Value] {
			return nil, errors.Errorf("error parsing patch file: line %d: duplicate patch `%s`", k.Line, k.Value)
		}
		seen[k.Value] = true

		if v.Kind != yaml.SequenceNode {
			return nil, errors.Errorf("error parsing patch file: line %d: patch `%s` is not a list of instructions", v.Line, k.Value)
		}

		p := &patch{Name: k.Value, Line: k.Line}
		for _, item := range v.Content {
			var in InstructionNode
			if err := item.Decode(&in); err != nil {
				return nil, errors.Wrapf(err, "error parsing patch file: line %d: patch `%s`", item.Line, k.Value)
			}
			inst, err := in.ToInstruction()
			if err != nil {
				return nil, errors.Wrapf(err, "error parsing patch file: patch `%s`", k.Value)
			}
			p.Insts = append(p.Insts, inst)
			p.Lines = append(p.Lines, in.Line(item.Line))
		}
		patchfile.Log("  patch `%s`: %d instructions\n", p.Name, len(p.Insts))
		ps.patches = append(ps.patches, p)
	}
	return ps, nil
}

// Validate validates the PatchSet.
func (ps *PatchSet) Validate() error {
	enabledPatchGroups := map[string]bool{}
	for _, p := range ps.patches {
		n := p.Name
		ec, dc, pgc, tc, prc, poc, edc := 0, 0, 0, 0, 0, 0, 0
		e, pg := false, ""

		for x, i := range p.Insts {
			switch v := i.ToSingleInstruction().(type) {
			case nil:
				return errors.Errorf("internal error while validating `%s` (you should report this as a bug)", n)
			case Enabled:
				ec++
				e = bool(v)
			case Description:
				dc++
			case PatchGroup:
				pgc++
				pg = string(v)
			case Target:
				tc++
				if _, err := v.Parse(); err != nil {
					return errors.Wrapf(err, "invalid Target on line %d in `%s`", p.Lines[x], n)
				}
			case PreHook:
				prc++
			case PostHook:
				poc++
			case PatchableInstruction:
				edc++
				if err := v.Validate(); err != nil {
					return errors.Wrapf(err, "invalid instruction on line %d in `%s`", p.Lines[x], n)
				}
			default:
				return errors.Errorf("internal error while validating `%s`: unhandled instruction %T (you should report this as a bug)", n, v)
			}
		}

		patchfile.Log("  `%s`: ec:%d, e:%t, pgc:%d, pg:%s, dc:%d, tc:%d, prc:%d, poc:%d, edc:%d\n", n, ec, e, pgc, pg, dc, tc, prc, poc, edc)
		if ec < 1 {
			return errors.Errorf("no `Enabled` option in `%s`", n)
		} else if ec > 1 {
			return errors.Errorf("more than one `Enabled` option in `%s`", n)
		}
		if dc > 1 {
			return errors.Errorf("more than one `Description` option in `%s` (use comments to describe individual lines)", n)
		}
		if pgc > 1 {
			return errors.Errorf("more than one `PatchGroup` option in `%s`", n)
		}
		if tc < 1 {
			return errors.Errorf("no `Target` in `%s`", n)
		} else if tc > 1 {
			return errors.Errorf("more than one `Target` in `%s` (use a separate patch for each target)", n)
		}
		if prc > 1 {
			return errors.Errorf("more than one `PreHook` in `%s`", n)
		}
		if poc > 1 {
			return errors.Errorf("more than one `PostHook` in `%s`", n)
		}
		if edc+prc+poc == 0 {
			return errors.Errorf("nothing to do in `%s`", n)
		}
		if pg != "" && e {
			if _, ok := enabledPatchGroups[pg]; ok {
				return errors.Errorf("more than one patch enabled in PatchGroup `%s`", pg)
			}
			enabledPatchGroups[pg] = true
		}
	}
	patchfile.Log("  enabledPatchGroups:%v\n", enabledPatchGroups)
	return nil
}

// Specs compiles the enabled patches into specs. Patches are merged by the
// routine their target resolves to if rt is not nil, or by target otherwise.
func (ps *PatchSet) Specs(hooks patchfile.HookSet, rt patchfile.Resolver) ([]patchset.Spec, error) {
	patchfile.Log("validating patch file\n")
	if err := ps.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid patch file")
	}

	var specs []patchset.Spec
	byTarget := map[interface{}]int{}
	for _, p := range ps.patches {
		if !p.enabled() {
			patchfile.Log("  skipping disabled patch `%s`\n", p.Name)
			continue
		}
		patchfile.Log("  compiling patch `%s`\n", p.Name)

		var (
			target host.Target
			edits  []PatchableInstruction
			pre    host.PreHook
			post   host.PostHook
			err    error
		)
		for _, i := range p.Insts {
			switch v := i.ToSingleInstruction().(type) {
			case Target:
				target, _ = v.Parse() // already validated
			case PreHook:
				if pre, err = hooks.PreHook(string(v)); err != nil {
					return nil, errors.Wrapf(err, "patch `%s`", p.Name)
				}
			case PostHook:
				if post, err = hooks.PostHook(string(v)); err != nil {
					return nil, errors.Wrapf(err, "patch `%s`", p.Name)
				}
			case PatchableInstruction:
				edits = append(edits, v)
			}
		}

		var key interface{} = target.Key()
		if rt != nil {
			// unresolvable targets are left for the driver to report
			if r, err := rt.Resolve(target); err == nil {
				key = r
			}
		}

		x, ok := byTarget[key]
		if !ok {
			x = len(specs)
			byTarget[key] = x
			specs = append(specs, patchset.Spec{Name: p.Name, Target: target})
		} else {
			patchfile.Log("    merging into `%s`\n", specs[x].Name)
			specs[x].Name += " + " + p.Name
		}

		s := &specs[x]
		if pre != nil {
			if s.Pre != nil {
				return nil, errors.Errorf("more than one PreHook for %s (in `%s`)", target, p.Name)
			}
			s.Pre = pre
		}
		if post != nil {
			if s.Post != nil {
				return nil, errors.Errorf("more than one PostHook for %s (in `%s`)", target, p.Name)
			}
			s.Post = post
		}
		if len(edits) != 0 {
			s.Rewrites = append(s.Rewrites, rewrite(p.Name, edits))
		}
	}
	return specs, nil
}

func rewrite(name string, edits []PatchableInstruction) patchset.Rewrite {
	return patchset.PatchRewrite(name, func(pt *patchlib.Patcher) error {
		patchfile.Log("applying patch `%s`\n", name)
		for _, e := range edits {
			if err := e.ApplyTo(pt, func(format string, a ...interface{}) {
				patchfile.Log("  "+format+"\n", a...)
			}); err != nil {
				patchfile.Log("could not apply patch: %v\n", err)
				return errors.Wrapf(err, "could not apply patch `%s`", name)
			}
		}
		return nil
	})
}

// SetEnabled sets the Enabled state of a Patch in a PatchSet.
func (ps *PatchSet) SetEnabled(patch string, enabled bool) error {
	for _, p := range ps.patches {
		if p.Name != patch {
			continue
		}
		for _, i := range p.Insts {
			if i.Enabled != nil {
				*i.Enabled = Enabled(enabled)
				return nil
			}
		}
		return errors.Errorf("could not set enabled state of '%s' to %t: no Enabled instruction in patch", patch, enabled)
	}
	if enabled {
		return errors.Errorf("could not set enabled state of '%s' to %t: no such patch", patch, enabled)
	}
	return nil
}

// Patches returns the names of the patches in order.
func (ps *PatchSet) Patches() []string {
	ns := make([]string, len(ps.patches))
	for i, p := range ps.patches {
		ns[i] = p.Name
	}
	return ns
}

func (p *patch) enabled() bool {
	for _, i := range p.Insts {
		if i.Enabled != nil {
			return bool(*i.Enabled)
		}
	}
	return false
}

func init() {
	patchfile.RegisterFormat("ilpatch", Parse)
}
