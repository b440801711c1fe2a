// Package module loads breakoscope module definitions.
//
// A module definition is a YAML document describing which binary to run,
// which package provides it and, for each package version prefix, where to
// put breakpoints and which values to read there:
//
//	binary: /usr/sbin/logrotate
//	package: logrotate
//	args: -d /etc/logrotate.conf
//	versions:
//	  "3.8":
//	    breakpoints:
//	      - spec: config.c:560
//	        source: configFile
//	      - spec: config.c:612
//	        source: py:logrotate.logrotate_handler
//	    terminator: logrotate.c:2440
//
// The order of the versions mapping is preserved, version prefixes are
// matched in declaration order.
package module

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

// Definition is a parsed module definition.
type Definition struct {
	// Binary is the path of the executable to instrument.
	Binary string
	// Package is the name of the package that installs Binary.
	Package string
	// Args is the argument string passed to Binary, split with shell rules.
	Args string
	// Versions lists the version records in declaration order.
	Versions []Version
}

// Version is the breakpoint set used when the installed package version
// starts with Prefix.
type Version struct {
	Prefix      string       `yaml:"-"`
	Breakpoints []Breakpoint `yaml:"breakpoints"`
	Terminator  string       `yaml:"terminator"`
}

// Breakpoint is a declared extraction point.
type Breakpoint struct {
	Spec   string `yaml:"spec"`
	Source string `yaml:"source"`
	Dest   string `yaml:"dest,omitempty"`
}

type rawDefinition struct {
	Binary   string        `yaml:"binary"`
	Package  string        `yaml:"package"`
	Args     string        `yaml:"args"`
	Versions yaml.MapSlice `yaml:"versions"`
}

// ErrInvalid is wrapped by every error describing a malformed module.
var ErrInvalid = errors.New("invalid module definition")

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Load reads and parses the module definition at path.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read module definition: %v", err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Parse parses and validates a module definition.
func Parse(data []byte) (*Definition, error) {
	var raw rawDefinition
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, invalid("%v", err)
	}

	def := &Definition{
		Binary:  raw.Binary,
		Package: raw.Package,
		Args:    raw.Args,
	}
	seen := make(map[string]bool, len(raw.Versions))
	for _, item := range raw.Versions {
		prefix, err := versionKey(item.Key)
		if err != nil {
			return nil, err
		}
		if seen[prefix] {
			return nil, invalid("version %q declared twice", prefix)
		}
		seen[prefix] = true

		// Round trip the record through YAML so it decodes into the typed
		// struct, MapSlice only keeps generic values.
		body, err := yaml.Marshal(item.Value)
		if err != nil {
			return nil, invalid("version %q: %v", prefix, err)
		}
		v := Version{Prefix: prefix}
		if err := yaml.UnmarshalStrict(body, &v); err != nil {
			return nil, invalid("version %q: %v", prefix, err)
		}
		def.Versions = append(def.Versions, v)
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// versionKey converts a YAML mapping key into a version prefix. Unquoted
// keys like 1.10 decode as floats and lose their spelling, so they are
// refused.
func versionKey(key interface{}) (string, error) {
	switch k := key.(type) {
	case string:
		return k, nil
	case int:
		return strconv.Itoa(k), nil
	case float64:
		return "", invalid("version key %v must be quoted to keep its exact spelling", k)
	default:
		return "", invalid("version key %v has unsupported type %T", k, k)
	}
}

// Validate checks that every required field is present.
func (def *Definition) Validate() error {
	if def.Binary == "" {
		return invalid("missing binary")
	}
	if def.Package == "" {
		return invalid("missing package")
	}
	if len(def.Versions) == 0 {
		return invalid("no versions declared")
	}
	for _, v := range def.Versions {
		if v.Prefix == "" {
			return invalid("empty version prefix")
		}
		if v.Terminator == "" {
			return invalid("version %q: missing terminator", v.Prefix)
		}
		for i, bp := range v.Breakpoints {
			if bp.Spec == "" {
				return invalid("version %q: breakpoint %d: missing spec", v.Prefix, i)
			}
			if bp.Source == "" {
				return invalid("version %q: breakpoint %d (%s): missing source", v.Prefix, i, bp.Spec)
			}
		}
	}
	return nil
}
