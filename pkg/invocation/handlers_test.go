package invocation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breakoscope/breakoscope/pkg/module"
)

func init() {
	Register("handlerstest", "first", func(inv *Invocation) error { return nil })
	Register("handlerstest", "second", func(inv *Invocation) error { return nil })
}

func TestParseSource(t *testing.T) {
	src, err := ParseSource("configFile")
	require.NoError(t, err)
	assert.Equal(t, SymbolSource{Expr: "configFile"}, src)

	src, err = ParseSource("conf->files[0].path")
	require.NoError(t, err)
	assert.Equal(t, SymbolSource{Expr: "conf->files[0].path"}, src)

	src, err = ParseSource("py:logrotate.logrotate_handler")
	require.NoError(t, err)
	assert.Equal(t, DelegatedSource{Module: "logrotate", Function: "logrotate_handler"}, src)
	assert.Equal(t, "logrotate.logrotate_handler", src.String())

	src, err = ParseSource("ext:mod.fn")
	require.NoError(t, err)
	assert.Equal(t, DelegatedSource{Module: "mod", Function: "fn"}, src)

	for _, bad := range []string{"py:mod", "py:.f", "py:mod.", "py:a.b.c", "ext:", ""} {
		_, err := ParseSource(bad)
		assert.Error(t, err, "%q", bad)
	}
}

func TestLookup(t *testing.T) {
	h, err := Lookup("handlerstest", "second")
	require.NoError(t, err)
	assert.NotNil(t, h)

	_, err = Lookup("handlerstest", "third")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnresolvedHandler))
	assert.Contains(t, err.Error(), "available: first, second")

	_, err = Lookup("nosuchmodule", "f")
	assert.True(t, errors.Is(err, ErrUnresolvedHandler))

	assert.Equal(t, []string{"first", "second"}, Registered("handlerstest"))
	assert.Empty(t, Registered("handlers"), "module names are not prefixes of each other")
}

func TestRegisterPanics(t *testing.T) {
	nop := func(inv *Invocation) error { return nil }
	assert.Panics(t, func() { Register("handlerstest", "first", nop) }, "duplicate")
	assert.Panics(t, func() { Register("handlerstest", "nil", nil) })
	assert.Panics(t, func() { Register("a.b", "c", nop) })
	assert.Panics(t, func() { Register("a", "", nop) })
}

func TestRecords(t *testing.T) {
	def := &module.Definition{
		Binary:  "/usr/bin/prog",
		Package: "prog",
		Versions: []module.Version{
			{Prefix: "1.0", Terminator: "main.c:99", Breakpoints: []module.Breakpoint{
				{Spec: "file.c:10", Source: "symbol_a"},
				{Spec: "file.c:20", Source: "py:handlerstest.first", Dest: "ignored"},
				{Spec: "file.c:30", Source: "path", Dest: "state_files"},
			}},
			{Prefix: "2", Terminator: "main.c:12"},
		},
	}
	recs, err := Records(def)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "1.0", recs[0].Prefix)
	assert.Equal(t, "main.c:99", recs[0].Terminator)
	require.Len(t, recs[0].Breakpoints, 3)
	assert.Equal(t, DefaultDest, recs[0].Breakpoints[0].Dest)
	assert.Equal(t, SymbolSource{Expr: "symbol_a"}, recs[0].Breakpoints[0].Source)
	assert.Equal(t, DelegatedSource{Module: "handlerstest", Function: "first"}, recs[0].Breakpoints[1].Source)
	assert.Equal(t, "state_files", recs[0].Breakpoints[2].Dest)
	for _, bp := range recs[0].Breakpoints {
		assert.NotNil(t, bp.Handler, bp.Spec)
	}
	assert.Empty(t, recs[1].Breakpoints)
}

func TestRecordsUnresolvedHandlerInUnselectedVersion(t *testing.T) {
	def := &module.Definition{
		Binary:  "/usr/bin/prog",
		Package: "prog",
		Versions: []module.Version{
			{Prefix: "1.0", Terminator: "main.c:99"},
			{Prefix: "0.9", Terminator: "main.c:99", Breakpoints: []module.Breakpoint{
				{Spec: "file.c:20", Source: "py:handlerstest.missing"},
			}},
		},
	}
	_, err := Records(def)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnresolvedHandler))
	assert.Contains(t, err.Error(), `version "0.9"`)
}
