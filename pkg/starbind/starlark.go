// Package starbind loads extension handlers written in Starlark.
//
// Each .star file is an extension module named after the file. Every
// top-level function taking a single parameter, whose name does not start
// with an underscore, is registered as the handler module.function and is
// called with the invocation that hit the breakpoint:
//
//	def logrotate_handler(inv):
//	    value = inv.read_string("configFile")
//	    inv.select_frame(1)
//	    base = inv.read_string("path")
//	    if base and value and not path.isabs(value):
//	        value = path.join(base, value)
//	    inv.append(DEFAULT_DEST, value)
package starbind

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	startime "go.starlark.net/lib/time"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"

	"github.com/breakoscope/breakoscope/pkg/invocation"
	"github.com/breakoscope/breakoscope/pkg/logflags"
)

// Ext is the file extension of Starlark extension modules.
const Ext = ".star"

const (
	readFileBuiltinName = "read_file"
	defaultDestName     = "DEFAULT_DEST"
	pathModuleName      = "path"
	contextKey          = "breakoscope_context"
)

func init() {
	resolve.AllowNestedDef = true
	resolve.AllowLambda = true
	resolve.AllowFloat = true
	resolve.AllowSet = true
	resolve.AllowBitwise = true
	resolve.AllowRecursion = true
	resolve.AllowGlobalReassign = true
}

// Env is the environment extension modules are evaluated in.
type Env struct {
	env       starlark.StringDict
	contextMu sync.Mutex
	cancelfn  context.CancelFunc

	out io.Writer
	log logflags.Logger
}

// New creates a new environment. Output of the print builtin goes to out.
func New(out io.Writer) *Env {
	env := &Env{out: out, log: logflags.StarlarkLogger()}

	env.env = starlark.StringDict{
		"time":          startime.Module,
		pathModuleName:  pathModule,
		defaultDestName: starlark.String(invocation.DefaultDest),
	}

	env.env[readFileBuiltinName] = starlark.NewBuiltin(readFileBuiltinName, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var path string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &path); err != nil {
			return nil, decorateError(thread, err)
		}
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, decorateError(thread, err)
		}
		return starlark.String(string(buf)), nil
	})

	return env
}

func (env *Env) printFunc() func(_ *starlark.Thread, msg string) {
	return func(_ *starlark.Thread, msg string) { fmt.Fprintln(env.out, msg) }
}

// LoadDir loads every extension module found in dirs, in lexical order
// within each directory, and returns the names of the modules loaded.
// Missing directories are skipped.
func (env *Env) LoadDir(dirs ...string) ([]string, error) {
	var loaded []string
	for _, dir := range dirs {
		paths, err := filepath.Glob(filepath.Join(dir, "*"+Ext))
		if err != nil {
			return loaded, err
		}
		sort.Strings(paths)
		for _, path := range paths {
			name, err := env.LoadFile(path, nil)
			if err != nil {
				return loaded, err
			}
			loaded = append(loaded, name)
		}
	}
	return loaded, nil
}

// LoadFile executes the extension module at path and registers its
// handlers. Source can be either a []byte, a string or a io.Reader. If
// source is nil the file at path is read.
func (env *Env) LoadFile(path string, source interface{}) (module string, _err error) {
	module = strings.TrimSuffix(filepath.Base(path), Ext)

	defer func() {
		err := recover()
		if err == nil {
			return
		}
		_err = fmt.Errorf("panic loading %s: %v", path, err)
		for i := 0; ; i++ {
			pc, file, line, ok := runtime.Caller(i)
			if !ok {
				break
			}
			fname := "<unknown>"
			if fn := runtime.FuncForPC(pc); fn != nil {
				fname = fn.Name()
			}
			env.log.Debugf("%s\n\tin %s:%d", fname, file, line)
		}
	}()

	if module == "" || strings.ContainsAny(module, ". ") {
		return module, fmt.Errorf("%s: invalid extension module name %q", path, module)
	}

	thread := env.newThread()
	globals, err := starlark.ExecFile(thread, path, source, env.env)
	if err != nil {
		return module, err
	}
	if err := env.registerHandlers(module, globals); err != nil {
		return module, fmt.Errorf("%s: %v", path, err)
	}
	return module, nil
}

// registerHandlers registers the handler functions among globals.
func (env *Env) registerHandlers(module string, globals starlark.StringDict) error {
	existing := make(map[string]bool)
	for _, name := range invocation.Registered(module) {
		existing[name] = true
	}

	names := globals.Keys()
	for _, name := range names {
		fnval, ok := globals[name].(*starlark.Function)
		if !ok || strings.HasPrefix(name, "_") {
			continue
		}
		if fnval.NumParams() != 1 {
			env.log.Debugf("%s.%s: skipping function with %d parameters", module, name, fnval.NumParams())
			continue
		}
		if existing[name] {
			return fmt.Errorf("handler %s.%s already defined", module, name)
		}
		invocation.Register(module, name, env.handler(fnval))
		env.log.Debugf("registered %s.%s", module, name)
	}
	return nil
}

// handler wraps fnval into an invocation.Handler.
func (env *Env) handler(fnval *starlark.Function) invocation.Handler {
	return func(inv *invocation.Invocation) error {
		thread := env.newThread()
		defer env.cancel()
		_, err := starlark.Call(thread, fnval, starlark.Tuple{newInvocationValue(inv)}, nil)
		if eerr, ok := err.(*starlark.EvalError); ok {
			return fmt.Errorf("%s", eerr.Backtrace())
		}
		return err
	}
}

func (env *Env) newThread() *starlark.Thread {
	thread := &starlark.Thread{
		Print: env.printFunc(),
	}
	env.contextMu.Lock()
	var ctx context.Context
	ctx, env.cancelfn = context.WithCancel(context.Background())
	env.contextMu.Unlock()
	thread.SetLocal(contextKey, ctx)
	return thread
}

func (env *Env) cancel() {
	env.contextMu.Lock()
	if env.cancelfn != nil {
		env.cancelfn()
		env.cancelfn = nil
	}
	env.contextMu.Unlock()
}

func isCancelled(thread *starlark.Thread) error {
	if ctx, ok := thread.Local(contextKey).(context.Context); ok {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

func decorateError(thread *starlark.Thread, err error) error {
	if err == nil {
		return nil
	}
	pos := thread.CallFrame(1).Pos
	if pos.Col > 0 {
		return fmt.Errorf("%s:%d:%d: %v", pos.Filename(), pos.Line, pos.Col, err)
	}
	return fmt.Errorf("%s:%d: %v", pos.Filename(), pos.Line, err)
}
