package dap

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/go-dap"

	"github.com/breakoscope/breakoscope/pkg/debugger"
	"github.com/breakoscope/breakoscope/pkg/locspec"
)

// session is the debug session state kept by the client.
type session struct {
	// breakpoints, setBreakpoints replaces all breakpoints of a source
	// file at once so every request carries the full list.
	lines   map[string][]int
	lineIDs map[string][]int
	funcs   []string
	funcIDs []int

	launch     chan dap.ResponseMessage
	detachOnce sync.Once

	// unlimited is set once the print limits were lifted.
	unlimited bool

	stopMu sync.Mutex
	thread int
	frames []dap.StackFrame
	frame  int
	exited bool
}

func newSession() session {
	return session{
		lines:   make(map[string][]int),
		lineIDs: make(map[string][]int),
	}
}

var _ debugger.Debugger = (*Client)(nil)

// launchArguments are the launch request attributes understood by gdb,
// lldb-dap and dlv alike.
type launchArguments struct {
	Program     string   `json:"program"`
	Args        []string `json:"args"`
	StopOnEntry bool     `json:"stopOnEntry"`
	Mode        string   `json:"mode,omitempty"`
}

// LoadBinary sends the launch request. The debuggee only starts running
// once Launch sends configurationDone.
func (c *Client) LoadBinary(path string, args []string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	if args == nil {
		args = []string{}
	}
	raw, err := json.Marshal(launchArguments{Program: path, Args: args, Mode: "exec"})
	if err != nil {
		return err
	}
	req := &dap.LaunchRequest{Request: c.newRequest("launch"), Arguments: raw}
	ch, err := c.send(req)
	if err != nil {
		return err
	}

	// Some adapters answer launch right away, others only after
	// configurationDone. Breakpoints can be sent once initialized arrives.
	var early dap.ResponseMessage
	pending := ch
	for {
		select {
		case <-c.initialized:
			if early != nil {
				ch <- early
			}
			c.launch = ch
			return nil
		case resp := <-pending:
			if r := resp.GetResponse(); !r.Success {
				return &RequestError{Command: "launch", Message: r.Message}
			}
			early, pending = resp, nil
		case <-c.readDone:
			return fmt.Errorf("launch: %w", ErrConnectionClosed)
		}
	}
}

// CreateBreakpoint installs a source line or function breakpoint.
func (c *Client) CreateBreakpoint(spec string) (int, error) {
	loc, err := locspec.Parse(spec)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", debugger.ErrBreakpointRejected, err)
	}
	switch loc := loc.(type) {
	case *locspec.FileLineLocationSpec:
		return c.setLineBreakpoint(loc.File, loc.Line)
	case *locspec.FuncLocationSpec:
		if !c.capabilities().SupportsFunctionBreakpoints {
			return 0, fmt.Errorf("%w: adapter does not support function breakpoints", debugger.ErrBreakpointRejected)
		}
		return c.setFunctionBreakpoint(loc.Name)
	default:
		return 0, fmt.Errorf("%w: %s: address breakpoints are not supported", debugger.ErrBreakpointRejected, spec)
	}
}

func (c *Client) setLineBreakpoint(file string, line int) (int, error) {
	lines := append(append([]int(nil), c.lines[file]...), line)
	req := &dap.SetBreakpointsRequest{Request: c.newRequest("setBreakpoints")}
	req.Arguments.Source = dap.Source{Name: filepath.Base(file), Path: file}
	req.Arguments.Breakpoints = make([]dap.SourceBreakpoint, len(lines))
	for i, l := range lines {
		req.Arguments.Breakpoints[i].Line = l
	}
	resp, err := c.call(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", debugger.ErrBreakpointRejected, err)
	}
	bps := resp.(*dap.SetBreakpointsResponse).Body.Breakpoints
	ids, err := checkBreakpoints(bps, c.lineIDs[file])
	if err != nil {
		return 0, err
	}
	c.lines[file] = lines
	c.lineIDs[file] = ids
	return ids[len(ids)-1], nil
}

func (c *Client) setFunctionBreakpoint(name string) (int, error) {
	funcs := append(append([]string(nil), c.funcs...), name)
	req := &dap.SetFunctionBreakpointsRequest{Request: c.newRequest("setFunctionBreakpoints")}
	req.Arguments.Breakpoints = make([]dap.FunctionBreakpoint, len(funcs))
	for i, f := range funcs {
		req.Arguments.Breakpoints[i].Name = f
	}
	resp, err := c.call(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", debugger.ErrBreakpointRejected, err)
	}
	bps := resp.(*dap.SetFunctionBreakpointsResponse).Body.Breakpoints
	ids, err := checkBreakpoints(bps, c.funcIDs)
	if err != nil {
		return 0, err
	}
	c.funcs = funcs
	c.funcIDs = ids
	return ids[len(ids)-1], nil
}

// checkBreakpoints validates the breakpoints returned for a request that
// added one location to a list whose previous identifiers were prev.
func checkBreakpoints(bps []dap.Breakpoint, prev []int) ([]int, error) {
	if len(bps) != len(prev)+1 {
		return nil, fmt.Errorf("adapter returned %d breakpoints, expected %d", len(bps), len(prev)+1)
	}
	ids := make([]int, len(bps))
	for i, bp := range bps {
		ids[i] = bp.Id
		if i < len(prev) && bp.Id != prev[i] {
			return nil, fmt.Errorf("adapter renumbered breakpoint %d to %d", prev[i], bp.Id)
		}
	}
	bp := bps[len(bps)-1]
	if !bp.Verified {
		msg := bp.Message
		if msg == "" {
			msg = "not verified"
		}
		return nil, fmt.Errorf("%w: %s", debugger.ErrBreakpointRejected, msg)
	}
	if bp.Id == 0 {
		return nil, fmt.Errorf("%w: adapter did not assign an identifier", debugger.ErrBreakpointRejected)
	}
	return ids, nil
}

// Events returns the stop and exit events of the session.
func (c *Client) Events() <-chan debugger.Event {
	return c.events
}

// Launch finishes the configuration phase, which starts the debuggee.
func (c *Client) Launch() error {
	if c.launch == nil {
		return fmt.Errorf("launch: no binary loaded")
	}
	if c.capabilities().SupportsConfigurationDoneRequest {
		req := &dap.ConfigurationDoneRequest{Request: c.newRequest("configurationDone")}
		if _, err := c.call(req); err != nil {
			return err
		}
	}
	_, err := c.wait("launch", c.launch)
	return err
}

func (c *Client) stopped(body dap.StoppedEventBody) *debugger.StopEvent {
	ev := &debugger.StopEvent{ThreadID: body.ThreadId, Description: body.Description}
	if ev.Description == "" {
		ev.Description = body.Text
	}
	switch body.Reason {
	case "breakpoint", "function breakpoint":
		ev.Reason = debugger.StopBreakpoint
		if len(body.HitBreakpointIds) > 0 {
			ev.BreakpointID = body.HitBreakpointIds[0]
		}
	case "signal":
		ev.Reason = debugger.StopSignal
	case "exception":
		ev.Reason = debugger.StopException
	default:
		ev.Reason = debugger.StopOther
	}

	c.stopMu.Lock()
	if body.ThreadId != 0 {
		c.thread = body.ThreadId
	}
	ev.ThreadID = c.thread
	c.frames = nil
	c.frame = 0
	c.stopMu.Unlock()
	return ev
}

func (c *Client) setExited() {
	c.stopMu.Lock()
	c.exited = true
	c.stopMu.Unlock()
}

// Continue resumes the thread that stopped last.
func (c *Client) Continue() error {
	c.stopMu.Lock()
	exited, thread := c.exited, c.thread
	c.stopMu.Unlock()
	if exited {
		return debugger.ErrProcessExited
	}
	req := &dap.ContinueRequest{Request: c.newRequest("continue")}
	req.Arguments.ThreadId = thread
	_, err := c.call(req)
	return err
}

// stack returns at least levels frames of the stopped thread, fewer if the
// stack is not that deep.
func (c *Client) stack(levels int) ([]dap.StackFrame, error) {
	c.stopMu.Lock()
	frames, thread, exited := c.frames, c.thread, c.exited
	c.stopMu.Unlock()
	if exited {
		return nil, debugger.ErrProcessExited
	}
	if len(frames) >= levels {
		return frames, nil
	}

	req := &dap.StackTraceRequest{Request: c.newRequest("stackTrace")}
	req.Arguments.ThreadId = thread
	req.Arguments.Levels = levels
	resp, err := c.call(req)
	if err != nil {
		return nil, err
	}
	frames = resp.(*dap.StackTraceResponse).Body.StackFrames

	c.stopMu.Lock()
	c.frames = frames
	c.stopMu.Unlock()
	return frames, nil
}

// SelectFrame makes frame n the scope of Eval until the next stop.
func (c *Client) SelectFrame(n int) error {
	if n < 0 {
		return fmt.Errorf("invalid frame %d", n)
	}
	frames, err := c.stack(n + 1)
	if err != nil {
		return err
	}
	if n >= len(frames) {
		return fmt.Errorf("no frame %d, stack has %d frames", n, len(frames))
	}
	c.stopMu.Lock()
	c.frame = n
	c.stopMu.Unlock()
	return nil
}

// gdbPrintSettings make gdb print whole strings. Adapters that do not
// understand them answer with an error, which is ignored.
var gdbPrintSettings = []string{
	"set print elements unlimited",
	"set print repeats unlimited",
	"set print null-stop on",
}

// Eval evaluates expr in the selected frame. A string cut short by the
// debugger's print limit is read again with the limits lifted; if it is
// still incomplete the value carries no string.
func (c *Client) Eval(expr string) (*debugger.Value, error) {
	c.stopMu.Lock()
	n := c.frame
	c.stopMu.Unlock()
	frames, err := c.stack(n + 1)
	if err != nil {
		return nil, err
	}
	if n >= len(frames) {
		return nil, fmt.Errorf("no frame %d, stack has %d frames", n, len(frames))
	}
	frameID := frames[n].Id

	v, truncated, err := c.evaluate(expr, frameID)
	if err != nil || !truncated {
		return v, err
	}
	if !c.unlimited {
		c.unlimited = true
		c.liftPrintLimits(frameID)
		if v, truncated, err = c.evaluate(expr, frameID); err != nil || !truncated {
			return v, err
		}
	}
	c.log.Warnf("value of %s is longer than the debugger prints, ignoring it", expr)
	return v, nil
}

func (c *Client) evaluate(expr string, frameID int) (*debugger.Value, bool, error) {
	req := &dap.EvaluateRequest{Request: c.newRequest("evaluate")}
	req.Arguments.Expression = expr
	req.Arguments.FrameId = frameID
	req.Arguments.Context = "watch"
	resp, err := c.call(req)
	if err != nil {
		return nil, false, err
	}
	v, truncated := parseValue(expr, resp.(*dap.EvaluateResponse).Body)
	return v, truncated, nil
}

func (c *Client) liftPrintLimits(frameID int) {
	for _, cmd := range gdbPrintSettings {
		req := &dap.EvaluateRequest{Request: c.newRequest("evaluate")}
		req.Arguments.Expression = cmd
		req.Arguments.FrameId = frameID
		req.Arguments.Context = "repl"
		if _, err := c.call(req); err != nil {
			c.log.Debugf("%s: %v", cmd, err)
		}
	}
}

// Detach ends the session and closes the connection to the adapter.
func (c *Client) Detach(kill bool) error {
	var err error
	c.detachOnce.Do(func() {
		defer c.close()
		req := &dap.DisconnectRequest{Request: c.newRequest("disconnect")}
		req.Arguments = &dap.DisconnectArguments{TerminateDebuggee: kill}
		var ch chan dap.ResponseMessage
		ch, err = c.send(req)
		if err != nil {
			return
		}
		select {
		case resp := <-ch:
			if r := resp.GetResponse(); !r.Success {
				err = &RequestError{Command: "disconnect", Message: r.Message}
			}
		case <-c.readDone:
		case <-time.After(disconnectTimeout):
			err = fmt.Errorf("disconnect: no response after %v", disconnectTimeout)
		}
	})
	return err
}
