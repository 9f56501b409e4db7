// Package lift decodes native machine code into instruction streams.
//
// Every decoded instruction becomes an opcode named "<arch>.<mnemonic>" (see
// patchlib.DefineOpcode) with the rendered arguments as a Native operand.
// Branches to addresses inside the decoded range are rewritten to refer to a
// label, and a label marker is inserted before the target instruction, so
// patterns can anchor on control flow. Bytes which cannot be decoded become a
// "<arch>.word" instruction.
package lift

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pgaskin/ilpatch/patchlib"
)

// Func lifts the code located at base.
type Func func(code []byte, base uint64) (patchlib.Stream, error)

var arches = map[string]Func{
	"arm":   ARM,
	"arm64": ARM64,
}

// Lift lifts code for the named architecture.
func Lift(arch string, code []byte, base uint64) (patchlib.Stream, error) {
	fn, ok := arches[strings.ToLower(arch)]
	if !ok {
		return patchlib.Stream{}, fmt.Errorf("lift: unsupported architecture %#v (supported: %s)", arch, strings.Join(Arches(), ", "))
	}
	return fn(code, base)
}

// Arches returns the supported architecture names.
func Arches() []string {
	var as []string
	for a := range arches {
		as = append(as, a)
	}
	sort.Strings(as)
	return as
}

// DefineOpcodes defines the lifted opcodes used in lines so they can be parsed
// with patchlib.ParseInsts.
func DefineOpcodes(lines []string) {
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if i := strings.IndexAny(l, " \t"); i >= 0 {
			l = l[:i]
		}
		if i := strings.IndexByte(l, '.'); i > 0 {
			if _, ok := arches[strings.ToLower(l[:i])]; ok {
				patchlib.DefineOpcode(l)
			}
		}
	}
}

// decoded is a single architecture-independent decoded instruction.
type decoded struct {
	addr   uint64
	op     string
	args   []string
	branch int // index into args of the branch target, or -1
	target uint64
}

// assemble converts decoded instructions into a stream.
func assemble(arch string, insts []decoded) patchlib.Stream {
	at := map[uint64]bool{}
	for _, d := range insts {
		at[d.addr] = true
	}

	var targets []uint64
	seen := map[uint64]bool{}
	for _, d := range insts {
		if d.branch >= 0 && at[d.target] && !seen[d.target] {
			seen[d.target] = true
			targets = append(targets, d.target)
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })

	labels := map[uint64]patchlib.LabelID{}
	for i, t := range targets {
		labels[t] = patchlib.LabelID(i)
	}

	var out []patchlib.Instruction
	for _, d := range insts {
		if l, ok := labels[d.addr]; ok {
			out = append(out, patchlib.InstLabel(l))
		}
		args := d.args
		if d.branch >= 0 {
			args = append([]string(nil), args...)
			if l, ok := labels[d.target]; ok {
				args[d.branch] = l.String()
			} else {
				args[d.branch] = fmt.Sprintf("%#x", d.target)
			}
		}
		in := patchlib.Instruction{Op: patchlib.DefineOpcode(arch + "." + d.op)}
		if len(args) != 0 {
			in.Operand = patchlib.Native(strings.Join(args, ", "))
		}
		out = append(out, in)
	}
	return patchlib.NewStream(out...)
}

func word(addr uint64, v uint32) decoded {
	return decoded{addr: addr, op: "word", args: []string{fmt.Sprintf("0x%08x", v)}, branch: -1}
}
