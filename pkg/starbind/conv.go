package starbind

import (
	"fmt"
	"path/filepath"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/breakoscope/breakoscope/pkg/invocation"
)

// invocationValue exposes an *invocation.Invocation to Starlark.
type invocationValue struct {
	inv *invocation.Invocation
}

var (
	_ starlark.HasAttrs = invocationValue{}

	invocationMethods = map[string]*starlark.Builtin{
		"read_string":  starlark.NewBuiltin("read_string", invReadString),
		"select_frame": starlark.NewBuiltin("select_frame", invSelectFrame),
		"append":       starlark.NewBuiltin("append", invAppend),
	}
)

func newInvocationValue(inv *invocation.Invocation) invocationValue {
	return invocationValue{inv: inv}
}

func (v invocationValue) String() string {
	return fmt.Sprintf("<invocation %s>", v.inv.Package())
}

func (v invocationValue) Type() string { return "invocation" }

func (v invocationValue) Freeze() {}

func (v invocationValue) Truth() starlark.Bool { return true }

func (v invocationValue) Hash() (uint32, error) {
	return 0, fmt.Errorf("unhashable type: %s", v.Type())
}

func (v invocationValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "package":
		return starlark.String(v.inv.Package()), nil
	case "prefix":
		if rec := v.inv.Record(); rec != nil {
			return starlark.String(rec.Prefix), nil
		}
		return starlark.None, nil
	}
	if b, ok := invocationMethods[name]; ok {
		return b.BindReceiver(v), nil
	}
	return nil, nil
}

func (v invocationValue) AttrNames() []string {
	names := []string{"package", "prefix"}
	for name := range invocationMethods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func receiver(b *starlark.Builtin) *invocation.Invocation {
	return b.Receiver().(invocationValue).inv
}

// invReadString returns the string expr evaluates to, or None.
func invReadString(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := isCancelled(thread); err != nil {
		return nil, err
	}
	var expr string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &expr); err != nil {
		return nil, err
	}
	s, ok := receiver(b).ReadString(expr)
	if !ok {
		return starlark.None, nil
	}
	return starlark.String(s), nil
}

func invSelectFrame(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := isCancelled(thread); err != nil {
		return nil, err
	}
	var n int
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &n); err != nil {
		return nil, err
	}
	return starlark.None, decorateError(thread, receiver(b).SelectFrame(n))
}

// invAppend adds value to the output under dest. None and empty strings
// are ignored.
func invAppend(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var dest string
	var value starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &dest, &value); err != nil {
		return nil, err
	}
	switch value := value.(type) {
	case starlark.NoneType:
	case starlark.String:
		receiver(b).Append(dest, string(value))
	default:
		return nil, fmt.Errorf("%s: value must be a string or None, got %s", b.Name(), value.Type())
	}
	return starlark.None, nil
}

// pathModule holds the path helpers extension handlers need to rebuild
// absolute paths.
var pathModule = &starlarkstruct.Module{
	Name: pathModuleName,
	Members: starlark.StringDict{
		"join":     starlark.NewBuiltin("path.join", pathJoin),
		"isabs":    pathFunc1("path.isabs", func(p string) starlark.Value { return starlark.Bool(filepath.IsAbs(p)) }),
		"dirname":  pathFunc1("path.dirname", func(p string) starlark.Value { return starlark.String(filepath.Dir(p)) }),
		"basename": pathFunc1("path.basename", func(p string) starlark.Value { return starlark.String(filepath.Base(p)) }),
	},
}

func pathJoin(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	parts := make([]string, len(args))
	for i := range args {
		s, ok := starlark.AsString(args[i])
		if !ok {
			return nil, fmt.Errorf("%s: argument %d is not a string", b.Name(), i+1)
		}
		parts[i] = s
	}
	return starlark.String(filepath.Join(parts...)), nil
}

func pathFunc1(name string, fn func(string) starlark.Value) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var p string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &p); err != nil {
			return nil, err
		}
		return fn(p), nil
	})
}
