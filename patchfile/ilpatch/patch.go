package ilpatch

import (
	"bytes"
	"fmt"
	"reflect"
	"strings"

	"github.com/pgaskin/ilpatch/host"
	"github.com/pgaskin/ilpatch/patchlib"
	"gopkg.in/yaml.v3"
)

// Instruction is a single bullet of a patch. Exactly one field is set.
type Instruction struct {
	Enabled          *Enabled          `yaml:"Enabled,omitempty"`
	Description      *Description      `yaml:"Description,omitempty"`
	PatchGroup       *PatchGroup       `yaml:"PatchGroup,omitempty"`
	Target           *Target           `yaml:"Target,omitempty"`
	FindInst         *FindInst         `yaml:"FindInst,omitempty"`
	FindInstBackward *FindInstBackward `yaml:"FindInstBackward,omitempty"`
	Seek             *Seek             `yaml:"Seek,omitempty"`
	ReplaceInst      *ReplaceInst      `yaml:"ReplaceInst,omitempty"`
	ReplaceRange     *ReplaceRange     `yaml:"ReplaceRange,omitempty"`
	InsertAfter      *InsertAfter      `yaml:"InsertAfter,omitempty"`
	CheckInst        *CheckInst        `yaml:"CheckInst,omitempty"`
	PreHook          *PreHook          `yaml:"PreHook,omitempty"`
	PostHook         *PostHook         `yaml:"PostHook,omitempty"`
}

type InstructionNode map[string]yaml.Node

func (i InstructionNode) ToInstruction() (*Instruction, error) {
	if len(i) == 0 {
		return nil, fmt.Errorf("expected instruction, got nothing")
	}
	if len(i) > 1 {
		return nil, fmt.Errorf("line %d: multiple types found in instruction, maybe you forgot a '-'", i.Line(0))
	}
	var n Instruction
	for name, node := range i {
		node := node
		if field := reflect.ValueOf(&n).Elem().FieldByName(name); !field.IsValid() {
			return nil, fmt.Errorf("line %d: unknown instruction type %#v", node.Line, name)
		} else if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
			return nil, fmt.Errorf("line %d: instruction %#v has no value", node.Line, name)
		} else if err := decodeStrict(&node, field.Addr().Interface()); err != nil {
			return nil, fmt.Errorf("line %d: error decoding instruction: %w", node.Line, err)
		}
	}
	return &n, nil
}

// Line returns the last line of the instruction, or def if it is empty.
func (i InstructionNode) Line(def int) int {
	l := def
	for _, node := range i {
		if node.Line > l {
			l = node.Line
		}
	}
	return l
}

func (i Instruction) ToSingleInstruction() interface{} {
	iv := reflect.ValueOf(i)
	for i := 0; i < iv.NumField(); i++ {
		if !iv.Field(i).IsNil() {
			return iv.Field(i).Elem().Interface()
		}
	}
	return nil
}

// decodeStrict decodes n into v, failing on unknown fields.
func decodeStrict(n *yaml.Node, v interface{}) error {
	buf, err := yaml.Marshal(n)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	return dec.Decode(v)
}

// Insts is a list of instructions in text form. It can be specified as a
// sequence, or as a single (possibly multi-line) string.
type Insts []string

func (s *Insts) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		var str string
		if err := n.Decode(&str); err != nil {
			return err
		}
		*s = strings.Split(strings.TrimRight(str, "\n"), "\n")
		return nil
	}
	var ss []string
	if err := n.Decode(&ss); err != nil {
		return err
	}
	*s = ss
	return nil
}

func (s Insts) Compile() ([]patchlib.Instruction, error) {
	return patchlib.ParseInsts(s)
}

// Patterns is a list of instruction patterns. It can be specified as a
// sequence, or as a single string.
type Patterns []string

func (p *Patterns) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		var str string
		if err := n.Decode(&str); err != nil {
			return err
		}
		*p = Patterns{str}
		return nil
	}
	var ss []string
	if err := n.Decode(&ss); err != nil {
		return err
	}
	*p = ss
	return nil
}

func (p Patterns) Compile(dir patchlib.Direction) ([]patchlib.MatchSpec, error) {
	if len(p) == 0 {
		return nil, fmt.Errorf("no patterns")
	}
	specs := make([]patchlib.MatchSpec, len(p))
	for i, s := range p {
		pred, err := patchlib.ParsePattern(s)
		if err != nil {
			return nil, err
		}
		specs[i] = patchlib.MatchSpec{Pred: pred, Dir: dir, Desc: s}
	}
	return specs, nil
}

type Enabled bool
type Description string
type PatchGroup string
type Target string
type PreHook string
type PostHook string

// UnmarshalYAML accepts either a target string, or a mapping with the mangled
// or demangled symbol of the routine (i.e. {Sym: _ZN7Kitchen4CookEi}).
func (t *Target) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.MappingNode {
		var s string
		if err := n.Decode(&s); err != nil {
			return err
		}
		*t = Target(s)
		return nil
	}
	var obj struct {
		Sym string `yaml:"Sym"`
	}
	if err := decodeStrict(n, &obj); err != nil {
		return err
	}
	if obj.Sym == "" {
		return fmt.Errorf("Target: Sym must not be empty")
	}
	*t = Target(host.SymbolPrefix + obj.Sym)
	return nil
}

func (t Target) Parse() (host.Target, error) {
	return host.ParseTarget(string(t))
}

// PatchableInstruction is an instruction which edits the routine body.
type PatchableInstruction interface {
	ApplyTo(*patchlib.Patcher, func(string, ...interface{})) error
	// Validate checks that the instruction compiles.
	Validate() error
}

type FindInst Patterns
type FindInstBackward string
type Seek int

func (f *FindInst) UnmarshalYAML(n *yaml.Node) error {
	return (*Patterns)(f).UnmarshalYAML(n)
}

func (f FindInst) Validate() error {
	_, err := Patterns(f).Compile(patchlib.Forward)
	return err
}

func (f FindInst) ApplyTo(pt *patchlib.Patcher, log func(string, ...interface{})) error {
	log("FindInst(%#v)", []string(f))
	specs, err := Patterns(f).Compile(patchlib.Forward)
	if err != nil {
		return fmt.Errorf("FindInst: %w", err)
	}
	if len(specs) == 1 {
		err = pt.Find(specs[0])
	} else {
		_, err = pt.FindChain(specs...)
	}
	if err != nil {
		return fmt.Errorf("FindInst: %w", err)
	}
	log("  cursor: %d", pt.Cur())
	return nil
}

func (f FindInstBackward) Validate() error {
	_, err := Patterns{string(f)}.Compile(patchlib.Backward)
	return err
}

func (f FindInstBackward) ApplyTo(pt *patchlib.Patcher, log func(string, ...interface{})) error {
	log("FindInstBackward(%#v)", f)
	specs, err := Patterns{string(f)}.Compile(patchlib.Backward)
	if err != nil {
		return fmt.Errorf("FindInstBackward: %w", err)
	}
	if err := pt.Find(specs[0]); err != nil {
		return fmt.Errorf("FindInstBackward: %w", err)
	}
	log("  cursor: %d", pt.Cur())
	return nil
}

func (s Seek) Validate() error {
	if s < 0 {
		return fmt.Errorf("Seek: index must be positive, got %d", s)
	}
	return nil
}

func (s Seek) ApplyTo(pt *patchlib.Patcher, log func(string, ...interface{})) error {
	log("Seek(%d)", s)
	return pt.Seek(int(s))
}

type ReplaceInst struct {
	Offset  int   `yaml:"Offset,omitempty"`
	Find    Insts `yaml:"Find"`
	Replace Insts `yaml:"Replace"`
}

func (r ReplaceInst) compile() (find, replace []patchlib.Instruction, err error) {
	if len(r.Find) == 0 {
		return nil, nil, fmt.Errorf("ReplaceInst: Find must not be empty")
	}
	if find, err = r.Find.Compile(); err != nil {
		return nil, nil, fmt.Errorf("ReplaceInst: Find: %w", err)
	}
	if replace, err = r.Replace.Compile(); err != nil {
		return nil, nil, fmt.Errorf("ReplaceInst: Replace: %w", err)
	}
	return find, replace, nil
}

func (r ReplaceInst) Validate() error {
	_, _, err := r.compile()
	return err
}

func (r ReplaceInst) ApplyTo(pt *patchlib.Patcher, log func(string, ...interface{})) error {
	log("ReplaceInst(%d, %#v, %#v)", r.Offset, []string(r.Find), []string(r.Replace))
	find, replace, err := r.compile()
	if err != nil {
		return err
	}
	if err := pt.Replace(r.Offset, find, replace); err != nil {
		return fmt.Errorf("ReplaceInst: %w", err)
	}
	return nil
}

type ReplaceRange struct {
	To      string `yaml:"To"`
	Replace Insts  `yaml:"Replace"`
}

func (r ReplaceRange) compile() (patchlib.MatchSpec, []patchlib.Instruction, error) {
	to, err := Patterns{r.To}.Compile(patchlib.Forward)
	if err != nil {
		return patchlib.MatchSpec{}, nil, fmt.Errorf("ReplaceRange: To: %w", err)
	}
	replace, err := r.Replace.Compile()
	if err != nil {
		return patchlib.MatchSpec{}, nil, fmt.Errorf("ReplaceRange: Replace: %w", err)
	}
	return to[0], replace, nil
}

func (r ReplaceRange) Validate() error {
	_, _, err := r.compile()
	return err
}

func (r ReplaceRange) ApplyTo(pt *patchlib.Patcher, log func(string, ...interface{})) error {
	log("ReplaceRange(%#v, %#v)", r.To, []string(r.Replace))
	to, replace, err := r.compile()
	if err != nil {
		return err
	}
	if err := pt.ReplaceRange(to, replace); err != nil {
		return fmt.Errorf("ReplaceRange: %w", err)
	}
	return nil
}

// InsertAfter can be specified as a list of instructions (inserted after the
// cursor), or with an explicit offset.
type InsertAfter struct {
	Offset int   `yaml:"Offset,omitempty"`
	Insert Insts `yaml:"Insert"`
}

func (r *InsertAfter) UnmarshalYAML(n *yaml.Node) error {
	*r = InsertAfter{}
	if n.Kind != yaml.MappingNode {
		return n.Decode(&r.Insert)
	}
	type InsertAfterData InsertAfter // no UnmarshalYAML, but same struct tags
	var obj InsertAfterData
	if err := decodeStrict(n, &obj); err != nil {
		return err
	}
	*r = InsertAfter(obj)
	return nil
}

func (r InsertAfter) Validate() error {
	if len(r.Insert) == 0 {
		return fmt.Errorf("InsertAfter: nothing to insert")
	}
	if _, err := r.Insert.Compile(); err != nil {
		return fmt.Errorf("InsertAfter: %w", err)
	}
	return nil
}

func (r InsertAfter) ApplyTo(pt *patchlib.Patcher, log func(string, ...interface{})) error {
	log("InsertAfter(%d, %#v)", r.Offset, []string(r.Insert))
	insts, err := r.Insert.Compile()
	if err != nil {
		return fmt.Errorf("InsertAfter: %w", err)
	}
	if err := pt.InsertAfter(r.Offset, insts); err != nil {
		return fmt.Errorf("InsertAfter: %w", err)
	}
	return nil
}

type CheckInst struct {
	Offset int   `yaml:"Offset,omitempty"`
	Find   Insts `yaml:"Find"`
}

func (r CheckInst) Validate() error {
	if len(r.Find) == 0 {
		return fmt.Errorf("CheckInst: Find must not be empty")
	}
	if _, err := r.Find.Compile(); err != nil {
		return fmt.Errorf("CheckInst: %w", err)
	}
	return nil
}

func (r CheckInst) ApplyTo(pt *patchlib.Patcher, log func(string, ...interface{})) error {
	log("CheckInst(%d, %#v)", r.Offset, []string(r.Find))
	find, err := r.Find.Compile()
	if err != nil {
		return fmt.Errorf("CheckInst: %w", err)
	}
	if err := pt.Check(r.Offset, find); err != nil {
		return fmt.Errorf("CheckInst: %w", err)
	}
	return nil
}
