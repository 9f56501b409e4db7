package patchlib

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Opcode is the operation tag of an Instruction.
type Opcode uint16

// Core opcodes understood by the host machine.
const (
	Nop     Opcode = iota // no operation
	LdArg                 // push argument (Int)
	LdArgA                // push reference to argument (Int)
	StArg                 // pop into argument (Int)
	LdLoc                 // push local (Int)
	LdLocA                // push reference to local (Int)
	StLoc                 // pop into local (Int)
	LdNull                // push nil
	LdC                   // push integer constant (Int)
	LdStr                 // push string literal (Str)
	NewObj                // construct object (MethodRef to .ctor)
	Call                  // call routine (MethodRef)
	CallExt               // call external function (ExternRef)
	LdFld                 // pop object, push field (FieldRef)
	StFld                 // pop value and object, set field (FieldRef)
	Pop                   // discard top of stack
	Dup                   // duplicate top of stack
	Add                   // integer add
	Sub                   // integer subtract
	Mul                   // integer multiply
	Ceq                   // push 1 if equal, else 0
	Clt                   // push 1 if less than, else 0
	Br                    // unconditional branch (Label)
	BrTrue                // pop, branch if non-zero/non-nil (Label)
	BrFalse               // pop, branch if zero/nil (Label)
	Label                 // branch target marker (Label)
	Ret                   // return top of stack (or nil if empty)

	numCoreOpcodes
)

var opcodes = struct {
	sync.RWMutex
	names  []string
	byName map[string]Opcode
}{
	names: []string{
		"nop", "ldarg", "ldarga", "starg", "ldloc", "ldloca", "stloc", "ldnull",
		"ldc", "ldstr", "newobj", "call", "callext", "ldfld", "stfld", "pop",
		"dup", "add", "sub", "mul", "ceq", "clt", "br", "brtrue", "brfalse",
		"label", "ret",
	},
}

func init() {
	if len(opcodes.names) != int(numCoreOpcodes) {
		panic("patchlib: opcode name table out of sync")
	}
	opcodes.byName = map[string]Opcode{}
	for i, n := range opcodes.names {
		opcodes.byName[n] = Opcode(i)
	}
}

// DefineOpcode returns the opcode for name, allocating a new one if it does
// not exist yet. It is used by decoders which lift native instructions (e.g.
// "arm.ldr") into streams. Names are case-insensitive.
func DefineOpcode(name string) Opcode {
	name = strings.ToLower(name)
	opcodes.Lock()
	defer opcodes.Unlock()
	if op, ok := opcodes.byName[name]; ok {
		return op
	}
	op := Opcode(len(opcodes.names))
	opcodes.names = append(opcodes.names, name)
	opcodes.byName[name] = op
	return op
}

// LookupOpcode finds an opcode by its mnemonic.
func LookupOpcode(name string) (Opcode, bool) {
	opcodes.RLock()
	defer opcodes.RUnlock()
	op, ok := opcodes.byName[strings.ToLower(name)]
	return op, ok
}

// IsCore returns true if the opcode is one of the built-in ones (i.e. not
// defined by a decoder).
func (o Opcode) IsCore() bool {
	return o < numCoreOpcodes
}

func (o Opcode) String() string {
	opcodes.RLock()
	defer opcodes.RUnlock()
	if int(o) < len(opcodes.names) {
		return opcodes.names[o]
	}
	return "op" + strconv.Itoa(int(o))
}

// Operand is the optional argument of an Instruction. All implementations are
// comparable, so instructions can be compared with ==.
type Operand interface {
	fmt.Stringer
	// Kind returns the name of the operand type as used in patterns (e.g.
	// "int" for ":int").
	Kind() string
}

// Int is an integer operand (argument/local index or constant).
type Int int64

// Str is a string literal operand.
type Str string

// LabelID identifies a branch target within a single stream.
type LabelID int

// MethodRef references a routine. Sig is the comma-separated list of
// parameter types.
type MethodRef struct {
	Owner string
	Name  string
	Sig   string
}

// FieldRef references a field on an object.
type FieldRef struct {
	Owner string
	Name  string
}

// ExternRef references an externally supplied function called from injected
// instructions. Arity is the number of stack values passed to it, and Returns
// is whether it pushes a result.
type ExternRef struct {
	Name    string
	Arity   int
	Returns bool
}

// Native is the rendered operand of a lifted native instruction.
type Native string

func (i Int) String() string     { return strconv.FormatInt(int64(i), 10) }
func (s Str) String() string     { return strconv.Quote(string(s)) }
func (l LabelID) String() string { return "L" + strconv.Itoa(int(l)) }
func (n Native) String() string  { return string(n) }

func (m MethodRef) String() string {
	return m.Owner + "::" + m.Name + "(" + m.Sig + ")"
}

func (f FieldRef) String() string {
	return f.Owner + "::" + f.Name
}

func (e ExternRef) String() string {
	s := e.Name + "/" + strconv.Itoa(e.Arity)
	if e.Returns {
		s += ":r"
	}
	return s
}

func (Int) Kind() string       { return "int" }
func (Str) Kind() string       { return "str" }
func (LabelID) Kind() string   { return "label" }
func (Native) Kind() string    { return "native" }
func (MethodRef) Kind() string { return "method" }
func (FieldRef) Kind() string  { return "field" }
func (ExternRef) Kind() string { return "extern" }

// Params returns the parameter types of the method.
func (m MethodRef) Params() []string {
	if m.Sig == "" {
		return nil
	}
	ps := strings.Split(m.Sig, ",")
	for i := range ps {
		ps[i] = strings.TrimSpace(ps[i])
	}
	return ps
}

// Instruction is a single immutable instruction.
type Instruction struct {
	Op      Opcode
	Operand Operand // may be nil
}

func (i Instruction) String() string {
	if i.Operand == nil {
		return i.Op.String()
	}
	return i.Op.String() + " " + i.Operand.String()
}
