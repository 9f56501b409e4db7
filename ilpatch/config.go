package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// config is read from ilpatch.yaml or ilpatch.toml.
type config struct {
	Version     string                     `yaml:"version" toml:"version" json:"version" jsonschema:"title=Version,description=Version of the patched image"`
	In          string                     `yaml:"in" toml:"in" json:"in" jsonschema:"title=Input,description=Image to patch (.yaml/.cbor; optionally .xz)"`
	Out         string                     `yaml:"out" toml:"out" json:"out" jsonschema:"title=Output,description=Where to write the patched image"`
	Log         string                     `yaml:"log" toml:"log" json:"log" jsonschema:"title=Log,description=Log file"`
	PatchFormat string                     `yaml:"patchFormat" toml:"patchFormat" json:"patchFormat,omitempty" jsonschema:"title=Patch Format,default=ilpatch"`
	Patches     stringSlice                `yaml:"patches" toml:"patches" json:"patches" jsonschema:"title=Patches,description=Patch files to apply in order"`
	Overrides   map[string]map[string]bool `yaml:"overrides" toml:"overrides" json:"overrides,omitempty" jsonschema:"title=Overrides,description=Patch file -> patch name -> enabled"`
}

// stringSlice can be specified as a single string or a list.
type stringSlice []string

func (s *stringSlice) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		var str string
		if err := n.Decode(&str); err != nil {
			return err
		}
		*s = stringSlice{str}
		return nil
	}
	var ss []string
	if err := n.Decode(&ss); err != nil {
		return err
	}
	*s = ss
	return nil
}

func (s *stringSlice) UnmarshalTOML(v interface{}) error {
	switch v := v.(type) {
	case string:
		*s = stringSlice{v}
	case []interface{}:
		ss := make(stringSlice, len(v))
		for i, x := range v {
			str, ok := x.(string)
			if !ok {
				return fmt.Errorf("expected string, got %T", x)
			}
			ss[i] = str
		}
		*s = ss
	default:
		return fmt.Errorf("expected string or array of strings, got %T", v)
	}
	return nil
}

// loadConfig reads a config file, choosing the format from the extension.
// Relative paths in the config are resolved against its directory.
func loadConfig(path string) (*config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(buf))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if cfg.Version == "" || cfg.In == "" || cfg.Out == "" || cfg.Log == "" {
		return nil, errors.New("version, in, out, and log are required")
	}
	if cfg.PatchFormat == "" {
		cfg.PatchFormat = "ilpatch"
	}

	dir := filepath.Dir(path)
	rel := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	cfg.In, cfg.Out, cfg.Log = rel(cfg.In), rel(cfg.Out), rel(cfg.Log)
	overrides := map[string]map[string]bool{}
	for f, o := range cfg.Overrides {
		overrides[rel(f)] = o
	}
	cfg.Overrides = overrides
	for i, p := range cfg.Patches {
		cfg.Patches[i] = rel(p)
	}
	return cfg, nil
}

// findConfig returns the config in the current directory.
func findConfig() (string, error) {
	for _, fn := range []string{"ilpatch.yaml", "ilpatch.yml", "ilpatch.toml"} {
		if _, err := os.Stat(fn); err == nil {
			return fn, nil
		}
	}
	return "", errors.New("no ilpatch.yaml or ilpatch.toml in the current directory")
}
