package invocation

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v2"
)

// DefaultDest is the output key used by breakpoints that do not declare one.
const DefaultDest = "config_files"

// Output accumulates extracted values as a set of strings per key.
type Output struct {
	m map[string]map[string]struct{}
}

// NewOutput returns an empty Output.
func NewOutput() *Output {
	return &Output{m: make(map[string]map[string]struct{})}
}

// Append adds value to the set stored under key. Empty values are ignored
// and appending a value twice has no effect.
func (o *Output) Append(key, value string) {
	if value == "" {
		return
	}
	set, ok := o.m[key]
	if !ok {
		set = make(map[string]struct{})
		o.m[key] = set
	}
	set[value] = struct{}{}
}

// Keys returns the keys that have at least one value, sorted.
func (o *Output) Keys() []string {
	keys := make([]string, 0, len(o.m))
	for k := range o.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Values returns the values stored under key, sorted.
func (o *Output) Values(key string) []string {
	set := o.m[key]
	r := make([]string, 0, len(set))
	for v := range set {
		r = append(r, v)
	}
	sort.Strings(r)
	return r
}

// Map returns a copy of the output as key -> sorted list of values.
func (o *Output) Map() map[string][]string {
	r := make(map[string][]string, len(o.m))
	for k := range o.m {
		r[k] = o.Values(k)
	}
	return r
}

// Format selects the encoding of the output artifact.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat validates a format name, the empty string selects JSON.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatYAML:
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unknown output format %q", s)
}

// Encode writes the output to w in format f.
func (o *Output) Encode(w io.Writer, f Format) error {
	var buf []byte
	var err error
	switch f {
	case FormatYAML:
		buf, err = yaml.Marshal(o.Map())
	default:
		buf, err = json.MarshalIndent(o.Map(), "", "    ")
		buf = append(buf, '\n')
	}
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// AppendTo encodes the output at the end of the file at path, creating it
// if necessary.
func (o *Output) AppendTo(path string, f Format) error {
	fh, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("could not open output file: %v", err)
	}
	if err := o.Encode(fh, f); err != nil {
		fh.Close()
		return fmt.Errorf("could not write output file: %v", err)
	}
	return fh.Close()
}
