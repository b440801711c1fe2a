package invocation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/derekparker/trie"

	"github.com/breakoscope/breakoscope/pkg/module"
)

// Handler is bound to a breakpoint and runs every time the breakpoint is
// hit. A returned error is logged, it does not stop the run.
type Handler func(inv *Invocation) error

// ErrUnresolvedHandler is returned when a delegated handler reference names
// a function no extension module registered.
var ErrUnresolvedHandler = errors.New("unresolved handler")

// Source describes where a breakpoint gets its value: a SymbolSource or a
// DelegatedSource.
type Source interface {
	fmt.Stringer
	isSource()
}

// SymbolSource reads the string value of Expr in the breakpoint's frame.
type SymbolSource struct {
	Expr string
}

// DelegatedSource hands the breakpoint over to a registered handler.
type DelegatedSource struct {
	Module   string
	Function string
}

func (s SymbolSource) String() string    { return s.Expr }
func (s DelegatedSource) String() string { return s.Module + "." + s.Function }

func (SymbolSource) isSource()    {}
func (DelegatedSource) isSource() {}

// delegatedPrefixes introduce delegated handler references. "py:" is what
// existing module definitions use.
var delegatedPrefixes = []string{"py:", "ext:"}

// ParseSource parses the source field of a breakpoint declaration.
func ParseSource(s string) (Source, error) {
	for _, prefix := range delegatedPrefixes {
		if !strings.HasPrefix(s, prefix) {
			continue
		}
		ref := s[len(prefix):]
		v := strings.Split(ref, ".")
		if len(v) != 2 || v[0] == "" || v[1] == "" {
			return nil, fmt.Errorf("malformed handler reference %q: expected %smodule.function", s, prefix)
		}
		return DelegatedSource{Module: v[0], Function: v[1]}, nil
	}
	if strings.TrimSpace(s) == "" {
		return nil, errors.New("empty source")
	}
	return SymbolSource{Expr: s}, nil
}

// SymbolHandler returns a handler that reads expr as a string and appends it
// under dest.
func SymbolHandler(expr, dest string) Handler {
	return func(inv *Invocation) error {
		if v, ok := inv.ReadString(expr); ok {
			inv.Append(dest, v)
		}
		return nil
	}
}

var registry = struct {
	sync.RWMutex
	t *trie.Trie
}{t: trie.New()}

// Register makes h available to module definitions as
// "py:<module>.<function>". It is meant to be called from init functions
// of extension packages, or while loading extension scripts, before any
// Invocation is built. Registering the same name twice panics.
func Register(module, function string, h Handler) {
	if h == nil {
		panic("invocation: Register handler is nil")
	}
	if module == "" || function == "" || strings.Contains(module, ".") || strings.Contains(function, ".") {
		panic(fmt.Sprintf("invocation: invalid handler name %q.%q", module, function))
	}
	key := module + "." + function
	registry.Lock()
	defer registry.Unlock()
	if _, dup := registry.t.Find(key); dup {
		panic("invocation: Register called twice for handler " + key)
	}
	registry.t.Add(key, h)
}

// Registered returns the names of the functions registered for module,
// sorted.
func Registered(module string) []string {
	registry.RLock()
	keys := registry.t.PrefixSearch(module + ".")
	registry.RUnlock()
	r := make([]string, 0, len(keys))
	for _, k := range keys {
		r = append(r, strings.TrimPrefix(k, module+"."))
	}
	sort.Strings(r)
	return r
}

// Lookup returns the handler registered as module.function.
func Lookup(module, function string) (Handler, error) {
	registry.RLock()
	node, ok := registry.t.Find(module + "." + function)
	registry.RUnlock()
	if !ok {
		if fns := Registered(module); len(fns) > 0 {
			return nil, fmt.Errorf("%w: module %q has no function %q (available: %s)", ErrUnresolvedHandler, module, function, strings.Join(fns, ", "))
		}
		return nil, fmt.Errorf("%w: no extension module %q", ErrUnresolvedHandler, module)
	}
	return node.Meta().(Handler), nil
}

// Resolve binds a parsed source to a handler writing to dest. Delegated
// handlers choose their own keys, dest only applies to symbol sources.
func Resolve(src Source, dest string) (Handler, error) {
	if dest == "" {
		dest = DefaultDest
	}
	switch src := src.(type) {
	case SymbolSource:
		return SymbolHandler(src.Expr, dest), nil
	case DelegatedSource:
		return Lookup(src.Module, src.Function)
	}
	return nil, fmt.Errorf("unknown source type %T", src)
}

// Breakpoint is a declared extraction point with its bound handler.
type Breakpoint struct {
	Spec    string
	Source  Source
	Dest    string
	Handler Handler
}

// Records resolves the handlers of every version declared by def. Any
// unresolved handler fails the whole definition, including versions that
// would not be selected.
func Records(def *module.Definition) ([]VersionRecord, error) {
	records := make([]VersionRecord, 0, len(def.Versions))
	for _, v := range def.Versions {
		rec := VersionRecord{Prefix: v.Prefix, Terminator: v.Terminator}
		for _, decl := range v.Breakpoints {
			src, err := ParseSource(decl.Source)
			if err != nil {
				return nil, fmt.Errorf("version %q: breakpoint %s: %w", v.Prefix, decl.Spec, err)
			}
			dest := decl.Dest
			if dest == "" {
				dest = DefaultDest
			}
			h, err := Resolve(src, dest)
			if err != nil {
				return nil, fmt.Errorf("version %q: breakpoint %s: %w", v.Prefix, decl.Spec, err)
			}
			rec.Breakpoints = append(rec.Breakpoints, Breakpoint{Spec: decl.Spec, Source: src, Dest: dest, Handler: h})
		}
		records = append(records, rec)
	}
	return records, nil
}
