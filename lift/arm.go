package lift

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/pgaskin/ilpatch/patchlib"
	"rsc.io/arm/armasm"
)

// ARM lifts 32-bit ARM (not Thumb) code.
func ARM(code []byte, base uint64) (patchlib.Stream, error) {
	if len(code)%4 != 0 {
		return patchlib.Stream{}, fmt.Errorf("lift: arm: code length %d is not a multiple of 4", len(code))
	}
	var insts []decoded
	for pc := 0; pc < len(code); pc += 4 {
		addr := base + uint64(pc)
		inst, err := armasm.Decode(code[pc:], armasm.ModeARM)
		if err != nil {
			insts = append(insts, word(addr, binary.LittleEndian.Uint32(code[pc:])))
			continue
		}
		d := decoded{addr: addr, op: strings.ToLower(inst.Op.String()), branch: -1}
		for _, arg := range inst.Args {
			if arg == nil {
				break
			}
			if rel, ok := arg.(armasm.PCRel); ok && strings.HasPrefix(d.op, "b") {
				// in ARM state, the PC reads as the instruction address + 8
				d.branch = len(d.args)
				d.target = uint64(int64(addr) + 8 + int64(rel))
			}
			d.args = append(d.args, arg.String())
		}
		insts = append(insts, d)
	}
	return assemble("arm", insts), nil
}
