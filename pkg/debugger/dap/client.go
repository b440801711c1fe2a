// Package dap implements debugger.Debugger on top of the Debug Adapter
// Protocol. The adapter is either started as a subprocess talking DAP on
// its stdin and stdout (gdb -i=dap, lldb-dap) or reached over TCP
// (dlv dap --listen).
package dap

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cosiner/argv"
	"github.com/google/go-dap"

	"github.com/breakoscope/breakoscope/pkg/debugger"
	"github.com/breakoscope/breakoscope/pkg/logflags"
)

// DefaultCommand starts gdb's built-in debug adapter.
const DefaultCommand = "gdb -q -i=dap"

const (
	eventBufferSize   = 16
	disconnectTimeout = 5 * time.Second
	adapterExitGrace  = 2 * time.Second
)

// ErrConnectionClosed is returned by requests still waiting for a response
// when the adapter goes away.
var ErrConnectionClosed = errors.New("debug adapter connection closed")

// RequestError is a failed response from the adapter.
type RequestError struct {
	Command string
	Message string
}

func (e *RequestError) Error() string {
	if e.Message == "" {
		return e.Command + " request failed"
	}
	return e.Command + ": " + e.Message
}

// Config describes how to reach the debug adapter.
type Config struct {
	// Command is the adapter command line. Ignored if Address is set.
	Command string
	// Address is the host:port of an adapter already listening.
	Address string
}

// Client is a DAP client driving a single debug session.
type Client struct {
	conn   io.ReadWriteCloser
	reader *bufio.Reader
	cmd    *exec.Cmd
	log    logflags.Logger

	sendMu sync.Mutex
	seq    int

	mu      sync.Mutex
	pending map[int]chan dap.ResponseMessage
	caps    dap.Capabilities

	initialized chan struct{}
	initOnce    sync.Once
	closed      chan struct{}
	closeOnce   sync.Once
	readDone    chan struct{}

	events chan debugger.Event

	session
}

// Start connects to or spawns the adapter described by cfg and performs the
// initialize handshake.
func Start(ctx context.Context, cfg Config) (*Client, error) {
	log := logflags.DAPLogger()
	var (
		conn io.ReadWriteCloser
		cmd  *exec.Cmd
	)
	if cfg.Address != "" {
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("could not connect to debug adapter at %s: %v", cfg.Address, err)
		}
		log.Debugf("connected to %s", cfg.Address)
		conn = c
	} else {
		command := cfg.Command
		if command == "" {
			command = DefaultCommand
		}
		var err error
		cmd, conn, err = spawn(command, log)
		if err != nil {
			return nil, err
		}
	}

	c := newClient(conn, log)
	c.cmd = cmd
	go c.readLoop()
	if err := c.initialize(ctx); err != nil {
		c.close()
		return nil, err
	}
	return c, nil
}

func spawn(command string, log logflags.Logger) (*exec.Cmd, io.ReadWriteCloser, error) {
	v, err := argv.Argv(command,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, nil, fmt.Errorf("malformed adapter command %q: %v", command, err)
	}
	if len(v) != 1 || len(v[0]) == 0 {
		return nil, nil, fmt.Errorf("malformed adapter command %q", command)
	}
	args := v[0]

	cmd := exec.Command(args[0], args[1:]...)
	setpgid(cmd)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	cmd.Stderr = &stderrLogger{log: log}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("could not start debug adapter %q: %v", args[0], err)
	}
	log.Debugf("started %s (pid %d)", strings.Join(args, " "), cmd.Process.Pid)
	return cmd, &stdioConn{ReadCloser: stdout, WriteCloser: stdin}, nil
}

func newClient(conn io.ReadWriteCloser, log logflags.Logger) *Client {
	return &Client{
		conn:        conn,
		reader:      bufio.NewReader(conn),
		log:         log,
		pending:     make(map[int]chan dap.ResponseMessage),
		initialized: make(chan struct{}),
		closed:      make(chan struct{}),
		readDone:    make(chan struct{}),
		events:      make(chan debugger.Event, eventBufferSize),
		session:     newSession(),
	}
}

func (c *Client) initialize(ctx context.Context) error {
	req := &dap.InitializeRequest{Request: c.newRequest("initialize")}
	req.Arguments = dap.InitializeRequestArguments{
		ClientID:        "breakoscope",
		ClientName:      "breakoscope",
		AdapterID:       "breakoscope",
		PathFormat:      "path",
		LinesStartAt1:   true,
		ColumnsStartAt1: true,
		Locale:          "en-us",
	}
	ch, err := c.send(req)
	if err != nil {
		return err
	}
	var resp dap.ResponseMessage
	done := make(chan error, 1)
	go func() {
		var err error
		resp, err = c.wait("initialize", ch)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	if ir, ok := resp.(*dap.InitializeResponse); ok {
		c.mu.Lock()
		c.caps = ir.Body
		c.mu.Unlock()
	}
	return nil
}

func (c *Client) capabilities() dap.Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

func (c *Client) newRequest(command string) dap.Request {
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Type: "request"},
		Command:         command,
	}
}

// send writes req and returns the channel its response will be delivered
// on.
func (c *Client) send(req dap.RequestMessage) (chan dap.ResponseMessage, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	r := req.GetRequest()
	c.seq++
	r.Seq = c.seq

	ch := make(chan dap.ResponseMessage, 1)
	c.mu.Lock()
	c.pending[r.Seq] = ch
	c.mu.Unlock()

	c.log.Debugf("-> %s (seq %d)", r.Command, r.Seq)
	if err := dap.WriteProtocolMessage(c.conn, req); err != nil {
		c.mu.Lock()
		delete(c.pending, r.Seq)
		c.mu.Unlock()
		return nil, fmt.Errorf("could not send %s request: %v", r.Command, err)
	}
	return ch, nil
}

// wait blocks until the response on ch arrives or the connection ends.
func (c *Client) wait(command string, ch chan dap.ResponseMessage) (dap.ResponseMessage, error) {
	var resp dap.ResponseMessage
	select {
	case resp = <-ch:
	case <-c.readDone:
		select {
		case resp = <-ch:
		default:
			return nil, fmt.Errorf("%s: %w", command, ErrConnectionClosed)
		}
	}
	if r := resp.GetResponse(); !r.Success {
		return resp, &RequestError{Command: command, Message: r.Message}
	}
	return resp, nil
}

func (c *Client) call(req dap.RequestMessage) (dap.ResponseMessage, error) {
	command := req.GetRequest().Command
	ch, err := c.send(req)
	if err != nil {
		return nil, err
	}
	return c.wait(command, ch)
}

func (c *Client) readLoop() {
	defer close(c.readDone)
	eventsOpen := true
	closeEvents := func() {
		if eventsOpen {
			eventsOpen = false
			close(c.events)
		}
	}
	defer closeEvents()

	for {
		msg, err := dap.ReadProtocolMessage(c.reader)
		if err != nil {
			var derr *dap.DecodeProtocolMessageFieldError
			if errors.As(err, &derr) {
				c.log.Debugf("skipping message: %v", err)
				continue
			}
			select {
			case <-c.closed:
			default:
				if !errors.Is(err, io.EOF) {
					c.log.WithError(err).Error("reading from debug adapter")
				}
			}
			return
		}

		switch m := msg.(type) {
		case dap.ResponseMessage:
			r := m.GetResponse()
			c.log.Debugf("<- %s response (seq %d, success %v)", r.Command, r.RequestSeq, r.Success)
			c.mu.Lock()
			ch, ok := c.pending[r.RequestSeq]
			delete(c.pending, r.RequestSeq)
			c.mu.Unlock()
			if !ok {
				c.log.Warnf("unexpected %s response to request %d", r.Command, r.RequestSeq)
				continue
			}
			ch <- m
		case dap.EventMessage:
			ev, terminated := c.handleEvent(m)
			if terminated {
				closeEvents()
				continue
			}
			if ev == nil || !eventsOpen {
				continue
			}
			select {
			case c.events <- ev:
			case <-c.closed:
				return
			}
		default:
			// reverse requests such as runInTerminal
			c.log.Debugf("ignoring %T from adapter", msg)
		}
	}
}

// handleEvent converts m to a debugger event, if it is one. terminated is
// true once the adapter ended the session.
func (c *Client) handleEvent(m dap.EventMessage) (ev debugger.Event, terminated bool) {
	switch e := m.(type) {
	case *dap.InitializedEvent:
		c.initOnce.Do(func() { close(c.initialized) })
	case *dap.StoppedEvent:
		c.log.Debugf("<- stopped: %s thread %d breakpoints %v", e.Body.Reason, e.Body.ThreadId, e.Body.HitBreakpointIds)
		return c.stopped(e.Body), false
	case *dap.ExitedEvent:
		c.log.Debugf("<- exited: %d", e.Body.ExitCode)
		c.setExited()
		return &debugger.ExitEvent{ExitCode: e.Body.ExitCode}, false
	case *dap.TerminatedEvent:
		c.log.Debugf("<- terminated")
		c.setExited()
		return nil, true
	case *dap.OutputEvent:
		c.log.Debugf("<- output (%s): %s", e.Body.Category, strings.TrimRight(e.Body.Output, "\n"))
	default:
		c.log.Debugf("<- %s event", m.GetEvent().Event)
	}
	return nil, false
}

// close tears down the connection and reaps the adapter process.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
		if c.cmd == nil {
			return
		}
		waited := make(chan error, 1)
		go func() { waited <- c.cmd.Wait() }()
		select {
		case err := <-waited:
			if err != nil {
				c.log.Debugf("debug adapter exited: %v", err)
			}
		case <-time.After(adapterExitGrace):
			if err := killGroup(c.cmd); err != nil {
				c.log.WithError(err).Warn("could not kill debug adapter")
			}
			<-waited
		}
	})
}

type stdioConn struct {
	io.ReadCloser
	io.WriteCloser
}

func (c *stdioConn) Close() error {
	werr := c.WriteCloser.Close()
	rerr := c.ReadCloser.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// stderrLogger forwards the adapter's stderr to the dap logger, one line
// at a time.
type stderrLogger struct {
	log logflags.Logger
	buf []byte
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.log.Debugf("adapter: %s", w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}
