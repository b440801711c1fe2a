// Package debugger defines the interface breakoscope uses to control a
// debugger and the values and events that cross it.
//
// Implementations live in subpackages: dap talks the Debug Adapter
// Protocol to an external adapter (gdb, lldb-dap, dlv), debuggertest is a
// scripted stand-in for tests.
package debugger

import (
	"errors"
	"fmt"
)

// ErrProcessExited is returned by operations that need a live debuggee
// after it is gone.
var ErrProcessExited = errors.New("debuggee has exited")

// ErrBreakpointRejected is returned by CreateBreakpoint when the debugger
// could not resolve or install a location.
var ErrBreakpointRejected = errors.New("breakpoint rejected")

// Debugger is the control surface breakoscope needs from a debugger.
//
// Callers obtain the event stream with Events before calling Launch, so no
// event can be missed. Events are delivered serially; the debuggee stays
// stopped until Continue is called.
type Debugger interface {
	// LoadBinary selects the executable to debug and the arguments it will
	// be started with (not including argv[0]).
	LoadBinary(path string, args []string) error
	// CreateBreakpoint installs a breakpoint at spec and returns the
	// identifier the debugger assigned to it.
	CreateBreakpoint(spec string) (int, error)
	// Events returns the stream of stop and exit events. The channel is
	// closed when the debugger connection ends.
	Events() <-chan Event
	// Launch starts the debuggee.
	Launch() error
	// Continue resumes the stopped debuggee.
	Continue() error
	// SelectFrame makes frame n of the stopped thread the scope of
	// subsequent Eval calls. Frame 0 is the innermost frame.
	SelectFrame(n int) error
	// Eval evaluates expr in the selected frame.
	Eval(expr string) (*Value, error)
	// Detach ends the debugging session, killing the debuggee if kill is
	// true.
	Detach(kill bool) error
}

// Value is the result of evaluating an expression in the debuggee.
type Value struct {
	Expr string
	Type string

	// Address is where the value is stored in debuggee memory, as reported
	// by the debugger. It is nil for values that live in registers.
	Address *uint64
	// AddressBias is the offset the debugger adds to the addresses it
	// reports. A value whose Address equals AddressBias sits at address 0.
	// It is zero for backends that report absolute addresses; the dap
	// backend does, its memory references are plain addresses.
	AddressBias uint64

	// IsPointer is true if the value has pointer type, Pointer then holds
	// the address it points to.
	IsPointer bool
	Pointer   uint64

	// HasString is true if the debugger could read the value as a string.
	HasString bool
	Str       string
}

// IsNull returns true if reading v as a string would dereference a null
// pointer.
func (v *Value) IsNull() bool {
	if v == nil {
		return true
	}
	if v.Address != nil && *v.Address-v.AddressBias == 0 {
		return true
	}
	return v.IsPointer && v.Pointer == 0
}

func (v *Value) String() string {
	if v == nil {
		return "<nil>"
	}
	if v.HasString {
		return fmt.Sprintf("%s = %q", v.Expr, v.Str)
	}
	if v.IsPointer {
		return fmt.Sprintf("%s = %#x", v.Expr, v.Pointer)
	}
	return v.Expr + " = <unreadable>"
}

// Event is either a *StopEvent or an *ExitEvent.
type Event interface {
	event()
}

// StopReason describes why the debuggee stopped.
type StopReason string

const (
	StopBreakpoint StopReason = "breakpoint"
	StopSignal     StopReason = "signal"
	StopException  StopReason = "exception"
	StopOther      StopReason = "other"
)

// StopEvent is delivered when the debuggee halts.
type StopEvent struct {
	Reason StopReason
	// BreakpointID is the identifier of the breakpoint that was hit, valid
	// only when Reason is StopBreakpoint.
	BreakpointID int
	ThreadID     int
	Description  string
}

// ExitEvent is delivered when the debuggee terminates.
type ExitEvent struct {
	ExitCode int
}

func (*StopEvent) event() {}
func (*ExitEvent) event() {}
