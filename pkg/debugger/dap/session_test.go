package dap

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breakoscope/breakoscope/pkg/debugger"
	"github.com/breakoscope/breakoscope/pkg/logflags"
)

// fakeAdapter answers DAP requests the way gdb does for a debuggee that
// stops once at file.c:10 and exits with status 3 when resumed.
type fakeAdapter struct {
	t    *testing.T
	conn net.Conn
	seq  int

	mu         sync.Mutex
	ids        map[string]int
	launchArgs launchArguments
	sentLines  [][]int
	evaluated  []dap.EvaluateArguments
	repl       []string
	terminate  bool
	commands   []string
}

var fakeFrames = []dap.StackFrame{{Id: 1000, Name: "inner"}, {Id: 1001, Name: "outer"}}

var fakeValues = map[int]map[string]dap.EvaluateResponseBody{
	1000: {
		"configFile": {Result: `0x4005d4 "prog.conf"`, Type: "char *"},
		"longPath":   {Result: `0x4005f0 "/etc/prog/aaaa"...`, Type: "char *"},
		"hugePath":   {Result: `0x400600 "/x"...`, Type: "char *"},
		"buf":        {Result: `"/etc/prog.d/a.conf", '\000' <repeats 4077 times>`, Type: "char [4096]", MemoryReference: "0x7ffc10"},
	},
	1001: {"path": {Result: `0x4005e0 "/etc/prog.d"`, Type: "char *"}},
}

// fakeUnlimitedValues replace fakeValues once print elements are unlimited.
var fakeUnlimitedValues = map[int]map[string]dap.EvaluateResponseBody{
	1000: {"longPath": {Result: `0x4005f0 "/etc/prog/aaaaaaaaaaaa.conf"`, Type: "char *"}},
}

func newFakeAdapter(t *testing.T, conn net.Conn) *fakeAdapter {
	return &fakeAdapter{t: t, conn: conn, ids: make(map[string]int)}
}

func (f *fakeAdapter) id(key string) int {
	if id, ok := f.ids[key]; ok {
		return id
	}
	f.ids[key] = len(f.ids) + 1
	return f.ids[key]
}

func (f *fakeAdapter) write(m dap.Message) {
	if err := dap.WriteProtocolMessage(f.conn, m); err != nil {
		f.t.Logf("fake adapter: %v", err)
	}
}

func (f *fakeAdapter) response(req dap.RequestMessage) dap.Response {
	r := req.GetRequest()
	f.seq++
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Seq: f.seq, Type: "response"},
		Command:         r.Command,
		RequestSeq:      r.Seq,
		Success:         true,
	}
}

func (f *fakeAdapter) event(name string) dap.Event {
	f.seq++
	return dap.Event{ProtocolMessage: dap.ProtocolMessage{Seq: f.seq, Type: "event"}, Event: name}
}

func (f *fakeAdapter) serve() {
	defer f.conn.Close()
	reader := bufio.NewReader(f.conn)
	for {
		msg, err := dap.ReadProtocolMessage(reader)
		if err != nil {
			return
		}
		req, ok := msg.(dap.RequestMessage)
		if !ok {
			continue
		}
		f.mu.Lock()
		f.commands = append(f.commands, req.GetRequest().Command)
		f.mu.Unlock()

		switch req := req.(type) {
		case *dap.InitializeRequest:
			f.write(&dap.InitializeResponse{Response: f.response(req), Body: dap.Capabilities{
				SupportsConfigurationDoneRequest: true,
				SupportsFunctionBreakpoints:      true,
			}})
			f.write(&dap.InitializedEvent{Event: f.event("initialized")})
		case *dap.LaunchRequest:
			f.mu.Lock()
			json.Unmarshal(req.Arguments, &f.launchArgs)
			f.mu.Unlock()
			f.write(&dap.LaunchResponse{Response: f.response(req)})
		case *dap.SetBreakpointsRequest:
			resp := &dap.SetBreakpointsResponse{Response: f.response(req)}
			var lines []int
			for _, bp := range req.Arguments.Breakpoints {
				lines = append(lines, bp.Line)
				resp.Body.Breakpoints = append(resp.Body.Breakpoints, dap.Breakpoint{
					Id:       f.id(fmt.Sprintf("%s:%d", req.Arguments.Source.Path, bp.Line)),
					Verified: bp.Line != 13,
					Message:  "no code at line",
				})
			}
			f.mu.Lock()
			f.sentLines = append(f.sentLines, lines)
			f.mu.Unlock()
			f.write(resp)
		case *dap.SetFunctionBreakpointsRequest:
			resp := &dap.SetFunctionBreakpointsResponse{Response: f.response(req)}
			for _, bp := range req.Arguments.Breakpoints {
				resp.Body.Breakpoints = append(resp.Body.Breakpoints, dap.Breakpoint{Id: f.id(bp.Name), Verified: true})
			}
			f.write(resp)
		case *dap.ConfigurationDoneRequest:
			f.write(&dap.ConfigurationDoneResponse{Response: f.response(req)})
			f.write(&dap.OutputEvent{Event: f.event("output"), Body: dap.OutputEventBody{Category: "stdout", Output: "starting\n"}})
			f.write(&dap.StoppedEvent{Event: f.event("stopped"), Body: dap.StoppedEventBody{
				Reason:           "breakpoint",
				ThreadId:         7,
				HitBreakpointIds: []int{f.ids["file.c:10"]},
			}})
		case *dap.StackTraceRequest:
			resp := &dap.StackTraceResponse{Response: f.response(req)}
			resp.Body.StackFrames = fakeFrames
			resp.Body.TotalFrames = len(fakeFrames)
			f.write(resp)
		case *dap.EvaluateRequest:
			f.mu.Lock()
			if req.Arguments.Context == "repl" {
				f.repl = append(f.repl, req.Arguments.Expression)
				f.mu.Unlock()
				f.write(&dap.EvaluateResponse{Response: f.response(req)})
				continue
			}
			f.evaluated = append(f.evaluated, req.Arguments)
			unlimited := false
			for _, cmd := range f.repl {
				unlimited = unlimited || cmd == "set print elements unlimited"
			}
			f.mu.Unlock()
			body, ok := fakeValues[req.Arguments.FrameId][req.Arguments.Expression]
			if full, found := fakeUnlimitedValues[req.Arguments.FrameId][req.Arguments.Expression]; found && unlimited {
				body = full
			}
			if !ok {
				r := f.response(req)
				r.Success = false
				r.Message = fmt.Sprintf("No symbol %q in current context.", req.Arguments.Expression)
				f.write(&dap.ErrorResponse{Response: r})
				continue
			}
			f.write(&dap.EvaluateResponse{Response: f.response(req), Body: body})
		case *dap.ContinueRequest:
			f.write(&dap.ContinueResponse{Response: f.response(req)})
			f.write(&dap.ExitedEvent{Event: f.event("exited"), Body: dap.ExitedEventBody{ExitCode: 3}})
			f.write(&dap.TerminatedEvent{Event: f.event("terminated")})
		case *dap.DisconnectRequest:
			f.mu.Lock()
			f.terminate = req.Arguments != nil && req.Arguments.TerminateDebuggee
			f.mu.Unlock()
			f.write(&dap.DisconnectResponse{Response: f.response(req)})
			return
		default:
			r := f.response(req)
			r.Success = false
			r.Message = "unsupported"
			f.write(&dap.ErrorResponse{Response: r})
		}
	}
}

func startFake(t *testing.T) (*Client, *fakeAdapter) {
	t.Helper()
	clientConn, adapterConn := net.Pipe()
	f := newFakeAdapter(t, adapterConn)
	go f.serve()

	c := newClient(clientConn, logflags.Discard())
	go c.readLoop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.initialize(ctx))
	t.Cleanup(func() { c.close() })
	return c, f
}

func fakeBinary(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prog")
	require.NoError(t, os.WriteFile(path, []byte{0x7f, 'E', 'L', 'F'}, 0o755))
	return path
}

func nextEvent(t *testing.T, events <-chan debugger.Event) (debugger.Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-events:
		return ev, ok
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil, false
	}
}

func TestSession(t *testing.T) {
	c, f := startFake(t)
	bin := fakeBinary(t)

	require.NoError(t, c.LoadBinary(bin, []string{"-v", "--config", "/etc/prog conf"}))

	id10, err := c.CreateBreakpoint("file.c:10")
	require.NoError(t, err)
	id20, err := c.CreateBreakpoint("file.c:20")
	require.NoError(t, err)
	assert.NotEqual(t, id10, id20)

	_, err = c.CreateBreakpoint("file.c:13")
	assert.True(t, errors.Is(err, debugger.ErrBreakpointRejected))
	assert.Contains(t, err.Error(), "no code at line")

	idMain, err := c.CreateBreakpoint("main")
	require.NoError(t, err)
	assert.NotContains(t, []int{id10, id20}, idMain)

	_, err = c.CreateBreakpoint("*0x400000")
	assert.True(t, errors.Is(err, debugger.ErrBreakpointRejected))

	f.mu.Lock()
	assert.Equal(t, [][]int{{10}, {10, 20}, {10, 20, 13}}, f.sentLines, "each request carries every line of the file")
	f.mu.Unlock()

	events := c.Events()
	require.NoError(t, c.Launch())

	// Launch returns once the launch response arrived.
	f.mu.Lock()
	assert.Equal(t, bin, f.launchArgs.Program)
	assert.Equal(t, []string{"-v", "--config", "/etc/prog conf"}, f.launchArgs.Args)
	assert.False(t, f.launchArgs.StopOnEntry)
	f.mu.Unlock()

	ev, ok := nextEvent(t, events)
	require.True(t, ok)
	assert.Equal(t, &debugger.StopEvent{Reason: debugger.StopBreakpoint, BreakpointID: id10, ThreadID: 7}, ev)

	v, err := c.Eval("configFile")
	require.NoError(t, err)
	assert.Equal(t, "prog.conf", v.Str)

	require.NoError(t, c.SelectFrame(1))
	v, err = c.Eval("path")
	require.NoError(t, err)
	assert.Equal(t, "/etc/prog.d", v.Str)

	_, err = c.Eval("configFile")
	var rerr *RequestError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "evaluate", rerr.Command)

	assert.Error(t, c.SelectFrame(2))

	f.mu.Lock()
	require.Len(t, f.evaluated, 3)
	assert.Equal(t, 1000, f.evaluated[0].FrameId)
	assert.Equal(t, 1001, f.evaluated[1].FrameId)
	f.mu.Unlock()

	require.NoError(t, c.Continue())
	ev, ok = nextEvent(t, events)
	require.True(t, ok)
	assert.Equal(t, &debugger.ExitEvent{ExitCode: 3}, ev)
	_, ok = nextEvent(t, events)
	assert.False(t, ok, "terminated closes the event stream")

	assert.Equal(t, debugger.ErrProcessExited, c.Continue())

	require.NoError(t, c.Detach(true))
	f.mu.Lock()
	assert.True(t, f.terminate)
	f.mu.Unlock()
	require.NoError(t, c.Detach(true), "detaching twice is harmless")
}

func TestEvalLongStrings(t *testing.T) {
	c, f := startFake(t)
	require.NoError(t, c.LoadBinary(fakeBinary(t), nil))
	_, err := c.CreateBreakpoint("file.c:10")
	require.NoError(t, err)
	events := c.Events()
	require.NoError(t, c.Launch())
	_, ok := nextEvent(t, events)
	require.True(t, ok)

	v, err := c.Eval("buf")
	require.NoError(t, err)
	assert.True(t, v.HasString)
	assert.Equal(t, "/etc/prog.d/a.conf", v.Str)

	v, err = c.Eval("longPath")
	require.NoError(t, err)
	assert.True(t, v.HasString)
	assert.Equal(t, "/etc/prog/aaaaaaaaaaaa.conf", v.Str)

	v, err = c.Eval("hugePath")
	require.NoError(t, err)
	assert.False(t, v.HasString, "a string that stays cut short is not used")
	assert.False(t, v.IsNull())

	f.mu.Lock()
	assert.Equal(t, gdbPrintSettings, f.repl, "print limits are lifted once")
	require.Len(t, f.evaluated, 4, "longPath is read twice, hugePath once")
	assert.Equal(t, "longPath", f.evaluated[1].Expression)
	assert.Equal(t, "longPath", f.evaluated[2].Expression)
	assert.Equal(t, "hugePath", f.evaluated[3].Expression)
	f.mu.Unlock()
}

func TestSessionAdapterGone(t *testing.T) {
	c, f := startFake(t)
	require.NoError(t, c.LoadBinary(fakeBinary(t), nil))
	events := c.Events()

	f.conn.Close()
	_, ok := nextEvent(t, events)
	assert.False(t, ok)

	_, err := c.CreateBreakpoint("file.c:10")
	assert.Error(t, err)
}

func TestLoadBinaryMissing(t *testing.T) {
	c, _ := startFake(t)
	assert.Error(t, c.LoadBinary(filepath.Join(t.TempDir(), "nope"), nil))
}

func TestStopReasons(t *testing.T) {
	c := newClient(nil, logflags.Discard())
	ev := c.stopped(dap.StoppedEventBody{Reason: "signal", ThreadId: 2, Description: "SIGCHLD"})
	assert.Equal(t, debugger.StopSignal, ev.Reason)
	assert.Equal(t, 2, ev.ThreadID)

	ev = c.stopped(dap.StoppedEventBody{Reason: "pause", AllThreadsStopped: true})
	assert.Equal(t, debugger.StopOther, ev.Reason)
	assert.Equal(t, 2, ev.ThreadID, "the last known thread is kept")

	ev = c.stopped(dap.StoppedEventBody{Reason: "breakpoint", ThreadId: 1})
	assert.Equal(t, debugger.StopBreakpoint, ev.Reason)
	assert.Zero(t, ev.BreakpointID)
}
