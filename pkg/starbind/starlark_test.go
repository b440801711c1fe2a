package starbind

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbgtest "github.com/breakoscope/breakoscope/pkg/debugger/debuggertest"
	"github.com/breakoscope/breakoscope/pkg/invocation"
	"github.com/breakoscope/breakoscope/pkg/module"
)

const rsyslogExt = `
def _joined(base, value):
    if base and value and not path.isabs(value):
        return path.join(base, value)
    return value

def include_handler(inv):
    value = inv.read_string("configFile")
    inv.select_frame(1)
    inv.append(DEFAULT_DEST, _joined(inv.read_string("path"), value))

def state_handler(inv):
    inv.append("state_files", inv.read_string("stateFile"))
    print("prefix", inv.prefix)

def broken_handler(inv):
    inv.append(DEFAULT_DEST, 42)

def not_a_handler(a, b):
    pass
`

const rsyslogModule = `
binary: /usr/sbin/rsyslogd
package: rsyslog
versions:
  "8":
    breakpoints:
      - spec: conf.c:10
        source: ext:rsyslogext.include_handler
      - spec: conf.c:20
        source: ext:rsyslogext.state_handler
      - spec: conf.c:30
        source: ext:rsyslogext.broken_handler
    terminator: rsyslogd.c:99
`

type installed string

func (v installed) Version(context.Context, string) (string, error) { return string(v), nil }

func TestLoadDirRegistersHandlers(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rsyslogext.star"), []byte(rsyslogExt), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("not a module"), 0o644))

	var printed bytes.Buffer
	env := New(&printed)
	loaded, err := env.LoadDir(dir, filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Equal(t, []string{"rsyslogext"}, loaded)
	assert.Equal(t, []string{"broken_handler", "include_handler", "state_handler"}, invocation.Registered("rsyslogext"))

	_, err = env.LoadDir(dir)
	assert.Error(t, err, "loading a module twice is an error, not a panic")

	def, err := module.Parse([]byte(rsyslogModule))
	require.NoError(t, err)
	recs, err := invocation.Records(def)
	require.NoError(t, err)
	out := filepath.Join(t.TempDir(), "out.json")
	inv, err := invocation.New(invocation.Config{
		Binary:   def.Binary,
		Package:  def.Package,
		Versions: recs,
		OutFile:  out,
		Debugger: dbgtest.New(
			dbgtest.Hit("conf.c:10",
				dbgtest.Frame{"configFile": dbgtest.String("50-default.conf")},
				dbgtest.Frame{"path": dbgtest.String("/etc/rsyslog.d")}),
			dbgtest.Hit("conf.c:20", dbgtest.Frame{"stateFile": dbgtest.NullPointer()}),
			dbgtest.Hit("conf.c:20", dbgtest.Frame{"stateFile": dbgtest.String("/var/lib/rsyslog/imjournal.state")}),
			dbgtest.Hit("conf.c:30"),
			dbgtest.Hit("rsyslogd.c:99"),
		),
		Querier: installed("8.24.0-57.el7"),
	})
	require.NoError(t, err)
	require.NoError(t, inv.Run(context.Background()))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var got map[string][]string
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, map[string][]string{
		invocation.DefaultDest: {"/etc/rsyslog.d/50-default.conf"},
		"state_files":          {"/var/lib/rsyslog/imjournal.state"},
	}, got)
	assert.Contains(t, printed.String(), "prefix 8")
}

func TestLoadFileErrors(t *testing.T) {
	env := New(&bytes.Buffer{})

	_, err := env.LoadFile("syntax.star", "def f(inv)\n")
	assert.Error(t, err)

	_, err = env.LoadFile("bad.name.star", "def f(inv):\n    pass\n")
	assert.Error(t, err)

	name, err := env.LoadFile("/x/startest.star", "def f(inv):\n    pass\nX = 1\n")
	require.NoError(t, err)
	assert.Equal(t, "startest", name)
	assert.Equal(t, []string{"f"}, invocation.Registered("startest"))
}

func TestPathModule(t *testing.T) {
	env := New(&bytes.Buffer{})
	name, err := env.LoadFile("pathtest.star", `
JOINED = path.join("/etc", "logrotate.d", "syslog")
ABS = path.isabs("/etc")
REL = path.isabs("syslog")
DIR = path.dirname("/etc/logrotate.conf")
BASE = path.basename("/etc/logrotate.conf")

def check(inv):
    if JOINED != "/etc/logrotate.d/syslog" or not ABS or REL or DIR != "/etc" or BASE != "logrotate.conf":
        fail("path helpers")
`)
	require.NoError(t, err)
	h, err := invocation.Lookup(name, "check")
	require.NoError(t, err)
	assert.NoError(t, h(nil))
}
