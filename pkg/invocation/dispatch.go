package invocation

import (
	"context"
	"errors"
	"fmt"

	"github.com/breakoscope/breakoscope/pkg/debugger"
)

var (
	// ErrUnknownBreakpoint is returned when the debugger reports a stop at
	// a breakpoint that was never installed.
	ErrUnknownBreakpoint = errors.New("stopped at unknown breakpoint")
	// ErrDuplicateBreakpoint is returned when the debugger hands out the
	// same breakpoint identifier twice.
	ErrDuplicateBreakpoint = errors.New("breakpoint identifier assigned twice")
	// ErrDebuggerGone is returned when the event stream ends before the
	// debuggee exited. The output collected so far is still written.
	ErrDebuggerGone = errors.New("debugger stopped sending events")
)

// errTerminate is returned by the terminator handler to end the run.
var errTerminate = errors.New("terminator reached")

// terminate is bound to the terminator breakpoint.
func terminate(inv *Invocation) error {
	inv.setState(Terminating)
	if err := inv.flush(); err != nil {
		return err
	}
	return errTerminate
}

// Run executes the extraction: it resolves the installed version, installs
// the breakpoints, starts the debuggee and dispatches stop events until the
// terminator is hit or the debuggee exits. Run may only be called once.
//
// Errors returned before the debuggee is started leave the output file
// untouched.
func (inv *Invocation) Run(ctx context.Context) error {
	if inv.state != Uninitialized {
		return fmt.Errorf("invocation already run (state %s)", inv.state)
	}

	rec, err := inv.resolveVersion(ctx)
	if err != nil {
		return err
	}
	inv.record = rec
	inv.setState(VersionResolved)

	defer inv.detach()

	if err := inv.dbg.LoadBinary(inv.cfg.Binary, inv.argv); err != nil {
		return fmt.Errorf("could not load %s: %v", inv.cfg.Binary, err)
	}
	if err := inv.addBreakpoint(rec.Terminator, terminate); err != nil {
		return err
	}
	for _, bp := range rec.Breakpoints {
		if err := inv.addBreakpoint(bp.Spec, bp.Handler); err != nil {
			return err
		}
	}
	inv.setState(BreakpointsInstalled)

	events := inv.dbg.Events()
	if err := inv.dbg.Launch(); err != nil {
		return fmt.Errorf("could not start %s: %v", inv.cfg.Binary, err)
	}
	inv.setState(Running)

	for ev := range events {
		switch ev := ev.(type) {
		case *debugger.StopEvent:
			done, err := inv.handleStop(ev)
			if err != nil {
				if !errors.Is(err, ErrUnknownBreakpoint) {
					// the debuggee ran, keep what was collected
					if ferr := inv.flush(); ferr != nil {
						inv.log.WithError(ferr).Error("could not write partial output")
					}
				}
				return err
			}
			if done {
				inv.setState(Done)
				return nil
			}
		case *debugger.ExitEvent:
			inv.log.Debugf("debuggee exited with status %d", ev.ExitCode)
			inv.setState(Terminating)
			if err := inv.flush(); err != nil {
				return err
			}
			inv.setState(Done)
			return nil
		default:
			inv.log.Warnf("unexpected debugger event %T", ev)
		}
	}

	inv.setState(Terminating)
	if err := inv.flush(); err != nil {
		return err
	}
	inv.setState(Done)
	return ErrDebuggerGone
}

// addBreakpoint installs a breakpoint at spec and binds h to the identifier
// the debugger assigned to it.
func (inv *Invocation) addBreakpoint(spec string, h Handler) error {
	id, err := inv.dbg.CreateBreakpoint(spec)
	if err != nil {
		return fmt.Errorf("unable to set breakpoint %q: %w", spec, err)
	}
	if _, dup := inv.breakpoints[id]; dup {
		return fmt.Errorf("%w: %d (%s)", ErrDuplicateBreakpoint, id, spec)
	}
	inv.log.Debugf("breakpoint %d at %s", id, spec)
	inv.breakpoints[id] = h
	return nil
}

// handleStop dispatches a stop event to its handler and resumes the
// debuggee. It returns true when the run is over.
func (inv *Invocation) handleStop(ev *debugger.StopEvent) (bool, error) {
	if ev.Reason != debugger.StopBreakpoint {
		// Signals and other stops are not ours to handle, let the debuggee
		// deal with them.
		inv.log.Debugf("ignoring %s stop: %s", ev.Reason, ev.Description)
		return false, inv.resume()
	}

	h, ok := inv.breakpoints[ev.BreakpointID]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownBreakpoint, ev.BreakpointID)
	}

	inv.setState(Stopped)
	err := h(inv)
	switch {
	case errors.Is(err, errTerminate):
		return true, nil
	case err != nil:
		if inv.state == Terminating {
			// the terminator could not write the output
			return false, err
		}
		inv.hlog.WithError(err).Errorf("handler for breakpoint %d failed", ev.BreakpointID)
	}
	return false, inv.resume()
}

func (inv *Invocation) resume() error {
	if err := inv.dbg.Continue(); err != nil {
		return fmt.Errorf("could not continue: %w", err)
	}
	inv.setState(Running)
	return nil
}

// flush writes the output file, at most once per run.
func (inv *Invocation) flush() error {
	if inv.flushed {
		return nil
	}
	inv.flushed = true
	inv.log.Debugf("writing %d keys to %s", len(inv.output.Keys()), inv.cfg.OutFile)
	return inv.output.AppendTo(inv.cfg.OutFile, inv.cfg.Format)
}

func (inv *Invocation) detach() {
	if inv.detached {
		return
	}
	inv.detached = true
	if err := inv.dbg.Detach(true); err != nil {
		inv.log.WithError(err).Debug("detach failed")
	}
}
