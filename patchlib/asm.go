package patchlib

import (
	"fmt"
	"strconv"
	"strings"
)

// note: the text syntax is "mnemonic [operand]", where the operand is one of:
//
//     123                    Int
//     "text"                 Str (Go quoted string)
//     L4                     LabelID (for br/brtrue/brfalse/label)
//     Owner::Name(T1,T2)     MethodRef
//     Owner::Name            FieldRef (for ldfld/stfld)
//     Name/2 or Name/2:r     ExternRef (for callext, :r if it returns a value)
//     anything else          Native (for lifted opcodes only)

// Inst creates an instruction.
func Inst(op Opcode, operand Operand) Instruction {
	return Instruction{op, operand}
}

// Simple instruction assemblers.
func InstNop() Instruction              { return Instruction{Nop, nil} }
func InstLdArg(n int) Instruction       { return Instruction{LdArg, Int(n)} }
func InstLdArgA(n int) Instruction      { return Instruction{LdArgA, Int(n)} }
func InstStArg(n int) Instruction       { return Instruction{StArg, Int(n)} }
func InstLdLoc(n int) Instruction       { return Instruction{LdLoc, Int(n)} }
func InstLdLocA(n int) Instruction      { return Instruction{LdLocA, Int(n)} }
func InstStLoc(n int) Instruction       { return Instruction{StLoc, Int(n)} }
func InstLdNull() Instruction           { return Instruction{LdNull, nil} }
func InstLdC(v int64) Instruction       { return Instruction{LdC, Int(v)} }
func InstLdStr(s string) Instruction    { return Instruction{LdStr, Str(s)} }
func InstPop() Instruction              { return Instruction{Pop, nil} }
func InstDup() Instruction              { return Instruction{Dup, nil} }
func InstRet() Instruction              { return Instruction{Ret, nil} }
func InstLabel(l LabelID) Instruction   { return Instruction{Label, l} }
func InstBr(l LabelID) Instruction      { return Instruction{Br, l} }
func InstBrTrue(l LabelID) Instruction  { return Instruction{BrTrue, l} }
func InstBrFalse(l LabelID) Instruction { return Instruction{BrFalse, l} }

// InstCall assembles a call to a routine.
func InstCall(owner, name string, params ...string) Instruction {
	return Instruction{Call, MethodRef{owner, name, strings.Join(params, ",")}}
}

// InstNewObj assembles a constructor call.
func InstNewObj(owner string, params ...string) Instruction {
	return Instruction{NewObj, MethodRef{owner, ".ctor", strings.Join(params, ",")}}
}

// InstCallExt assembles a call to an external function taking arity values
// from the stack.
func InstCallExt(name string, arity int, returns bool) Instruction {
	return Instruction{CallExt, ExternRef{name, arity, returns}}
}

// InstLdFld assembles a field load.
func InstLdFld(owner, name string) Instruction {
	return Instruction{LdFld, FieldRef{owner, name}}
}

// InstStFld assembles a field store.
func InstStFld(owner, name string) Instruction {
	return Instruction{StFld, FieldRef{owner, name}}
}

// ParseInst parses an instruction from its text form.
func ParseInst(s string) (Instruction, error) {
	mn, arg := splitInst(s)
	if mn == "" {
		return Instruction{}, fmt.Errorf("ParseInst: empty instruction")
	}
	op, ok := LookupOpcode(mn)
	if !ok {
		return Instruction{}, fmt.Errorf("ParseInst(%#v): unknown opcode %#v", s, mn)
	}
	if arg == "" {
		return Instruction{op, nil}, nil
	}
	operand, err := parseOperand(op, arg)
	if err != nil {
		return Instruction{}, fmt.Errorf("ParseInst(%#v): %w", s, err)
	}
	return Instruction{op, operand}, nil
}

// MustParseInst is like ParseInst, but panics on error.
func MustParseInst(s string) Instruction {
	in, err := ParseInst(s)
	if err != nil {
		panic(err)
	}
	return in
}

// ParseInsts parses one instruction per element, skipping blank lines and
// lines starting with '#' or ';'.
func ParseInsts(lines []string) ([]Instruction, error) {
	var insts []Instruction
	for n, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" || l[0] == '#' || l[0] == ';' {
			continue
		}
		in, err := ParseInst(l)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n+1, err)
		}
		insts = append(insts, in)
	}
	return insts, nil
}

// ParseStream is like ParseInsts, but splits text into lines and returns a
// stream.
func ParseStream(text string) (Stream, error) {
	insts, err := ParseInsts(strings.Split(text, "\n"))
	if err != nil {
		return Stream{}, err
	}
	return Stream{insts}, nil
}

// ParsePattern parses a predicate from an instruction pattern. It accepts the
// same syntax as ParseInst, except the operand may be '*' (any operand, same
// as omitting it) or ':kind' (operand of the kind, e.g. ':int'), and a
// mnemonic of '*' matches any opcode.
func ParsePattern(s string) (Predicate, error) {
	mn, arg := splitInst(s)
	if mn == "" {
		return nil, fmt.Errorf("ParsePattern: empty pattern")
	}
	if mn == "*" {
		if arg != "" && arg != "*" {
			return nil, fmt.Errorf("ParsePattern(%#v): wildcard opcode must not have an operand", s)
		}
		return Any(), nil
	}
	op, ok := LookupOpcode(mn)
	if !ok {
		return nil, fmt.Errorf("ParsePattern(%#v): unknown opcode %#v", s, mn)
	}
	switch {
	case arg == "" || arg == "*":
		return Op(op), nil
	case strings.HasPrefix(arg, ":"):
		kind := arg[1:]
		switch kind {
		case "int", "str", "label", "method", "field", "extern", "native":
			return OperandKind(op, kind), nil
		}
		return nil, fmt.Errorf("ParsePattern(%#v): unknown operand kind %#v", s, kind)
	}
	operand, err := parseOperand(op, arg)
	if err != nil {
		return nil, fmt.Errorf("ParsePattern(%#v): %w", s, err)
	}
	return OperandEq(op, operand), nil
}

func splitInst(s string) (string, string) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return strings.ToLower(s[:i]), strings.TrimSpace(s[i+1:])
	}
	return strings.ToLower(s), ""
}

func parseOperand(op Opcode, arg string) (Operand, error) {
	if !op.IsCore() {
		return Native(arg), nil
	}
	switch op {
	case LdArg, LdArgA, StArg, LdLoc, LdLocA, StLoc, LdC:
		v, err := strconv.ParseInt(arg, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer operand %#v", arg)
		}
		return Int(v), nil
	case LdStr:
		v, err := strconv.Unquote(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid string operand %#v: %w", arg, err)
		}
		return Str(v), nil
	case Br, BrTrue, BrFalse, Label:
		if len(arg) < 2 || (arg[0] != 'L' && arg[0] != 'l') {
			return nil, fmt.Errorf("invalid label operand %#v", arg)
		}
		v, err := strconv.Atoi(arg[1:])
		if err != nil || v < 0 {
			return nil, fmt.Errorf("invalid label operand %#v", arg)
		}
		return LabelID(v), nil
	case Call, NewObj:
		return parseMethodRef(arg)
	case LdFld, StFld:
		i := strings.LastIndex(arg, "::")
		if i <= 0 || i+2 >= len(arg) {
			return nil, fmt.Errorf("invalid field reference %#v", arg)
		}
		return FieldRef{arg[:i], arg[i+2:]}, nil
	case CallExt:
		return parseExternRef(arg)
	}
	return nil, fmt.Errorf("opcode %s does not take an operand", op)
}

func parseMethodRef(arg string) (MethodRef, error) {
	o := strings.IndexByte(arg, '(')
	if o < 0 || !strings.HasSuffix(arg, ")") {
		return MethodRef{}, fmt.Errorf("invalid method reference %#v (missing parameter list)", arg)
	}
	i := strings.LastIndex(arg[:o], "::")
	if i <= 0 || i+2 >= o {
		return MethodRef{}, fmt.Errorf("invalid method reference %#v", arg)
	}
	m := MethodRef{Owner: arg[:i], Name: arg[i+2 : o]}
	if sig := strings.TrimSpace(arg[o+1 : len(arg)-1]); sig != "" {
		ps := strings.Split(sig, ",")
		for j := range ps {
			ps[j] = strings.TrimSpace(ps[j])
		}
		m.Sig = strings.Join(ps, ",")
	}
	return m, nil
}

func parseExternRef(arg string) (ExternRef, error) {
	var e ExternRef
	if strings.HasSuffix(arg, ":r") {
		e.Returns = true
		arg = strings.TrimSuffix(arg, ":r")
	}
	i := strings.LastIndexByte(arg, '/')
	if i <= 0 {
		return ExternRef{}, fmt.Errorf("invalid extern reference %#v (expected Name/arity)", arg)
	}
	n, err := strconv.Atoi(arg[i+1:])
	if err != nil || n < 0 {
		return ExternRef{}, fmt.Errorf("invalid extern arity in %#v", arg)
	}
	e.Name, e.Arity = arg[:i], n
	return e, nil
}
