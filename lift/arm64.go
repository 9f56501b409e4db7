package lift

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/pgaskin/ilpatch/patchlib"
	"golang.org/x/arch/arm64/arm64asm"
)

// ARM64 lifts AArch64 code.
func ARM64(code []byte, base uint64) (patchlib.Stream, error) {
	if len(code)%4 != 0 {
		return patchlib.Stream{}, fmt.Errorf("lift: arm64: code length %d is not a multiple of 4", len(code))
	}
	var insts []decoded
	for pc := 0; pc < len(code); pc += 4 {
		addr := base + uint64(pc)
		inst, err := arm64asm.Decode(code[pc:])
		if err != nil {
			insts = append(insts, word(addr, binary.LittleEndian.Uint32(code[pc:])))
			continue
		}
		d := decoded{addr: addr, op: strings.ToLower(inst.Op.String()), branch: -1}
		for _, arg := range inst.Args {
			if arg == nil {
				break
			}
			if rel, ok := arg.(arm64asm.PCRel); ok && isBranch64(inst.Op) {
				d.branch = len(d.args)
				d.target = uint64(int64(addr) + int64(rel))
			}
			d.args = append(d.args, arg.String())
		}
		insts = append(insts, d)
	}
	return assemble("arm64", insts), nil
}

// isBranch64 excludes pc-relative address computations (adr, adrp) and
// literal loads.
func isBranch64(op arm64asm.Op) bool {
	switch op {
	case arm64asm.B, arm64asm.BL, arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
		return true
	}
	return false
}
