// Package image reads and writes program images: the routine tables which are
// loaded into a host.Machine and patched.
//
// An image is stored as YAML (.yaml, .yml) or CBOR (.cbor). Images can also be
// read xz-compressed (e.g. game.cbor.xz). Routine bodies are either text, one
// instruction per line, or native machine code which is lifted when the image
// is loaded.
package image

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/pgaskin/ilpatch/host"
	"github.com/pgaskin/ilpatch/lift"
	"github.com/pgaskin/ilpatch/patchlib"
	"github.com/xi2/xz"
	"gopkg.in/yaml.v3"
)

// Image is a serialized routine table.
type Image struct {
	Name     string    `yaml:"name,omitempty" cbor:"name,omitempty"`
	Arch     string    `yaml:"arch,omitempty" cbor:"arch,omitempty"` // default for native routines
	Routines []Routine `yaml:"routines" cbor:"routines"`
}

// Routine is a serialized host.Routine. Exactly one of Body and Native is set.
type Routine struct {
	Target  string `yaml:"target" cbor:"target"` // Owner::Name(T1,T2)
	Symbol  string `yaml:"symbol,omitempty" cbor:"symbol,omitempty"`
	Locals  int    `yaml:"locals,omitempty" cbor:"locals,omitempty"`
	Returns bool   `yaml:"returns,omitempty" cbor:"returns,omitempty"`
	Body    string `yaml:"body,omitempty" cbor:"body,omitempty"`
	Native  string `yaml:"native,omitempty" cbor:"native,omitempty"` // hex
	Arch    string `yaml:"arch,omitempty" cbor:"arch,omitempty"`
	Base    uint64 `yaml:"base,omitempty" cbor:"base,omitempty"`
}

// Format is an image encoding.
type Format string

const (
	YAML Format = "yaml"
	CBOR Format = "cbor"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// FormatOf returns the format for a filename, and whether it is
// xz-compressed.
func FormatOf(path string) (Format, bool, error) {
	ext := strings.ToLower(filepath.Ext(path))
	xzc := ext == ".xz"
	if xzc {
		ext = strings.ToLower(filepath.Ext(strings.TrimSuffix(path, filepath.Ext(path))))
	}
	switch ext {
	case ".yaml", ".yml":
		return YAML, xzc, nil
	case ".cbor":
		return CBOR, xzc, nil
	}
	return "", false, fmt.Errorf("image: unknown image format for %#v (expected .yaml, .yml, or .cbor)", path)
}

// Decode decodes an image.
func Decode(buf []byte, f Format) (*Image, error) {
	var img Image
	switch f {
	case YAML:
		dec := yaml.NewDecoder(bytes.NewReader(buf))
		dec.KnownFields(true)
		if err := dec.Decode(&img); err != nil && err != io.EOF {
			return nil, fmt.Errorf("image: decode yaml: %w", err)
		}
	case CBOR:
		if err := cbor.Unmarshal(buf, &img); err != nil {
			return nil, fmt.Errorf("image: decode cbor: %w", err)
		}
	default:
		return nil, fmt.Errorf("image: unknown format %#v", f)
	}
	return &img, nil
}

// Encode encodes an image. CBOR is encoded in canonical form.
func Encode(img *Image, f Format) ([]byte, error) {
	switch f {
	case YAML:
		return yaml.Marshal(img)
	case CBOR:
		return cborEncMode.Marshal(img)
	}
	return nil, fmt.Errorf("image: unknown format %#v", f)
}

// Read reads an image from r, decompressing it first if xzc is true.
func Read(r io.Reader, f Format, xzc bool) (*Image, error) {
	if xzc {
		zr, err := xz.NewReader(r, 0)
		if err != nil {
			return nil, fmt.Errorf("image: open xz stream: %w", err)
		}
		r = zr
	}
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("image: read: %w", err)
	}
	return Decode(buf, f)
}

// ReadFile reads an image, choosing the format from the extension.
func ReadFile(path string) (*Image, error) {
	f, xzc, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("image: %w", err)
	}
	defer fh.Close()
	return Read(fh, f, xzc)
}

// WriteFile writes an image, choosing the format from the extension. Images
// cannot be written compressed.
func WriteFile(path string, img *Image) error {
	f, xzc, err := FormatOf(path)
	if err != nil {
		return err
	}
	if xzc {
		return fmt.Errorf("image: writing xz-compressed images is not supported")
	}
	buf, err := Encode(img, f)
	if err != nil {
		return fmt.Errorf("image: encode: %w", err)
	}
	return os.WriteFile(path, buf, 0644)
}

// Load converts the image into routines, in the same order as img.Routines.
func (img *Image) Load() ([]*host.Routine, error) {
	rs := make([]*host.Routine, len(img.Routines))
	for i, ir := range img.Routines {
		r, err := ir.load(img.Arch)
		if err != nil {
			return nil, fmt.Errorf("image: routine %d (%s): %w", i, ir.Target, err)
		}
		rs[i] = r
	}
	return rs, nil
}

// Table loads the image into a resolution table.
func (img *Image) Table() (*host.ResolutionTable, error) {
	rs, err := img.Load()
	if err != nil {
		return nil, err
	}
	return host.NewResolutionTable(rs)
}

func (ir Routine) load(arch string) (*host.Routine, error) {
	t, err := host.ParseTarget(ir.Target)
	if err != nil {
		return nil, err
	}
	if t.IsSymbol() {
		return nil, fmt.Errorf("target %#v is not Owner::Name (use the symbol field)", ir.Target)
	}
	r := &host.Routine{
		Target:  t,
		Symbol:  ir.Symbol,
		Locals:  ir.Locals,
		Returns: ir.Returns,
	}
	switch {
	case ir.Native != "" && ir.Body != "":
		return nil, fmt.Errorf("both body and native code specified")
	case ir.Native != "":
		code, err := hex.DecodeString(strings.Join(strings.Fields(ir.Native), ""))
		if err != nil {
			return nil, fmt.Errorf("decode native code: %w", err)
		}
		if ir.Arch != "" {
			arch = ir.Arch
		}
		if arch == "" {
			return nil, fmt.Errorf("native code without an architecture")
		}
		if r.Body, err = lift.Lift(arch, code, ir.Base); err != nil {
			return nil, err
		}
	default:
		lines := strings.Split(ir.Body, "\n")
		lift.DefineOpcodes(lines)
		insts, err := patchlib.ParseInsts(lines)
		if err != nil {
			return nil, fmt.Errorf("parse body: %w", err)
		}
		r.Body = patchlib.NewStream(insts...)
	}
	return r, nil
}

// Patched returns a copy of the image with the bodies returned by body. The
// routines must be the ones returned by Load. Routines with an unchanged body
// are copied as-is, and changed native routines are written as text.
func (img *Image) Patched(routines []*host.Routine, body func(*host.Routine) patchlib.Stream) (*Image, error) {
	if len(routines) != len(img.Routines) {
		return nil, fmt.Errorf("image: expected %d routines, got %d", len(img.Routines), len(routines))
	}
	out := &Image{
		Name:     img.Name,
		Arch:     img.Arch,
		Routines: make([]Routine, len(img.Routines)),
	}
	for i, ir := range img.Routines {
		if b := body(routines[i]); !b.Equal(routines[i].Body) {
			ir.Body = FormatBody(b)
			ir.Native, ir.Arch, ir.Base = "", "", 0
		}
		out.Routines[i] = ir
	}
	return out, nil
}

// FormatBody renders a stream as an image body.
func FormatBody(s patchlib.Stream) string {
	lines := make([]string, s.Len())
	for i, in := range s.Insts() {
		lines[i] = in.String()
	}
	return strings.Join(lines, "\n")
}
