// Package debuggertest provides a scripted debugger.Debugger for testing
// code that drives a debugger without starting a real one.
package debuggertest

import (
	"errors"
	"fmt"

	"github.com/breakoscope/breakoscope/pkg/debugger"
)

// Frame maps expressions to the values they evaluate to in one stack frame.
type Frame map[string]*debugger.Value

// Step is one thing the scripted debuggee does after being started or
// resumed.
type Step struct {
	// Spec is the location of the breakpoint hit by this step. Ignored if
	// ID is set or Event is set.
	Spec string
	// ID forces the breakpoint identifier reported by the stop event.
	ID int
	// Frames is the stack visible while stopped, innermost first.
	Frames []Frame
	// Event, if not nil, is delivered as is.
	Event debugger.Event
}

// Hit returns a step stopping at the breakpoint installed at spec.
func Hit(spec string, frames ...Frame) Step {
	return Step{Spec: spec, Frames: frames}
}

// HitID returns a step stopping at a breakpoint with the given identifier,
// whether or not it was installed.
func HitID(id int) Step {
	return Step{ID: id}
}

// Signal returns a step stopping because of a delivered signal.
func Signal(desc string) Step {
	return Step{Event: &debugger.StopEvent{Reason: debugger.StopSignal, Description: desc}}
}

// Exit returns a step where the debuggee exits with code.
func Exit(code int) Step {
	return Step{Event: &debugger.ExitEvent{ExitCode: code}}
}

// String returns a value holding a readable string.
func String(s string) *debugger.Value {
	a := uint64(0x7ffc1000)
	return &debugger.Value{Type: "char *", Address: &a, IsPointer: true, Pointer: 0x4005d4, HasString: true, Str: s}
}

// NullPointer returns a pointer value stored in memory that points to 0.
func NullPointer() *debugger.Value {
	a := uint64(0x7ffc1008)
	return &debugger.Value{Type: "char *", Address: &a, IsPointer: true}
}

// RegisterNull returns a null pointer value held in a register.
func RegisterNull() *debugger.Value {
	return &debugger.Value{Type: "char *", IsPointer: true}
}

// Debugger is a scripted debugger.Debugger. Breakpoint identifiers are
// assigned sequentially from 1 in installation order.
type Debugger struct {
	// Reject lists location specs CreateBreakpoint refuses.
	Reject map[string]bool
	// Script is played back one step per Launch/Continue call. When the
	// script runs out the event channel is closed.
	Script []Step

	Binary      string
	Args        []string
	Created     []string
	Continues   int
	Evaluated   []string
	Detached    bool
	Killed      bool
	LaunchedAt  int
	SubscribeAt int

	ids     map[string]int
	events  chan debugger.Event
	pc      int
	calls   int
	current Step
	frame   int
	running bool
}

var _ debugger.Debugger = (*Debugger)(nil)

// New returns a scripted debugger that plays back script.
func New(script ...Step) *Debugger {
	return &Debugger{Script: script}
}

func (d *Debugger) tick() int {
	d.calls++
	return d.calls
}

func (d *Debugger) LoadBinary(path string, args []string) error {
	d.tick()
	d.Binary = path
	d.Args = args
	return nil
}

func (d *Debugger) CreateBreakpoint(spec string) (int, error) {
	d.tick()
	if d.Reject[spec] {
		return 0, fmt.Errorf("%w: no source file named %s", debugger.ErrBreakpointRejected, spec)
	}
	if d.ids == nil {
		d.ids = make(map[string]int)
	}
	id := len(d.Created) + 1
	d.ids[spec] = id
	d.Created = append(d.Created, spec)
	return id, nil
}

func (d *Debugger) Events() <-chan debugger.Event {
	d.SubscribeAt = d.tick()
	if d.events == nil {
		d.events = make(chan debugger.Event, len(d.Script)+1)
	}
	return d.events
}

func (d *Debugger) Launch() error {
	d.LaunchedAt = d.tick()
	if d.running {
		return errors.New("already launched")
	}
	if d.events == nil {
		d.events = make(chan debugger.Event, len(d.Script)+1)
	}
	d.running = true
	d.step()
	return nil
}

func (d *Debugger) Continue() error {
	d.tick()
	if !d.running {
		return debugger.ErrProcessExited
	}
	d.Continues++
	d.step()
	return nil
}

func (d *Debugger) step() {
	if d.pc >= len(d.Script) {
		d.running = false
		close(d.events)
		return
	}
	s := d.Script[d.pc]
	d.pc++
	d.current = s
	d.frame = 0
	switch {
	case s.Event != nil:
		if _, ok := s.Event.(*debugger.ExitEvent); ok {
			d.running = false
		}
		d.events <- s.Event
	case s.ID != 0:
		d.events <- &debugger.StopEvent{Reason: debugger.StopBreakpoint, BreakpointID: s.ID, ThreadID: 1}
	default:
		d.events <- &debugger.StopEvent{Reason: debugger.StopBreakpoint, BreakpointID: d.ids[s.Spec], ThreadID: 1}
	}
}

func (d *Debugger) SelectFrame(n int) error {
	d.tick()
	if n < 0 || n >= len(d.current.Frames) {
		return fmt.Errorf("invalid frame %d", n)
	}
	d.frame = n
	return nil
}

func (d *Debugger) Eval(expr string) (*debugger.Value, error) {
	d.tick()
	d.Evaluated = append(d.Evaluated, expr)
	if !d.running {
		return nil, debugger.ErrProcessExited
	}
	if d.frame >= len(d.current.Frames) {
		return nil, fmt.Errorf("no symbol %q in current context", expr)
	}
	v, ok := d.current.Frames[d.frame][expr]
	if !ok {
		return nil, fmt.Errorf("no symbol %q in current context", expr)
	}
	cp := *v
	cp.Expr = expr
	return &cp, nil
}

func (d *Debugger) Detach(kill bool) error {
	d.tick()
	d.Detached = true
	d.Killed = kill
	if d.running {
		d.running = false
	}
	return nil
}
