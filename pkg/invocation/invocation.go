package invocation

import (
	"errors"
	"fmt"

	"github.com/cosiner/argv"

	"github.com/breakoscope/breakoscope/pkg/debugger"
	"github.com/breakoscope/breakoscope/pkg/logflags"
	"github.com/breakoscope/breakoscope/pkg/pkgquery"
)

// Config holds everything one run needs. It is built once, from a module
// definition and the command line, and never shared between runs.
type Config struct {
	// Binary is the path of the executable to instrument.
	Binary string
	// Args is the argument string for Binary, split with shell rules.
	Args string
	// Package is the package whose installed version selects the record.
	Package string
	// Versions are the version records, in declaration order.
	Versions []VersionRecord
	// OutFile is where the output is appended when the run ends.
	OutFile string
	// Format is the encoding of the output, JSON if empty.
	Format Format

	Debugger debugger.Debugger
	Querier  pkgquery.Querier
}

// Invocation is the state of one extraction run.
type Invocation struct {
	cfg  Config
	argv []string
	dbg  debugger.Debugger

	state       State
	record      *VersionRecord
	breakpoints map[int]Handler
	output      *Output
	flushed     bool
	detached    bool

	log  logflags.Logger
	hlog logflags.Logger
}

// New validates cfg and returns an Invocation ready to Run.
func New(cfg Config) (*Invocation, error) {
	switch {
	case cfg.Binary == "":
		return nil, errors.New("no binary to run")
	case cfg.Package == "":
		return nil, errors.New("no package name")
	case len(cfg.Versions) == 0:
		return nil, errors.New("no version records")
	case cfg.OutFile == "":
		return nil, errors.New("no output file")
	case cfg.Debugger == nil:
		return nil, errors.New("no debugger")
	case cfg.Querier == nil:
		return nil, errors.New("no package querier")
	}
	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}
	for i := range cfg.Versions {
		if err := cfg.Versions[i].validate(); err != nil {
			return nil, err
		}
	}
	args, err := splitArgs(cfg.Args)
	if err != nil {
		return nil, err
	}
	return &Invocation{
		cfg:         cfg,
		argv:        args,
		dbg:         cfg.Debugger,
		breakpoints: make(map[int]Handler),
		output:      NewOutput(),
		log:         logflags.InvocationLogger().WithField("package", cfg.Package),
		hlog:        logflags.HandlersLogger(),
	}, nil
}

// splitArgs splits an argument string the way a shell would, without
// running command substitutions.
func splitArgs(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	v, err := argv.Argv(s,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, fmt.Errorf("malformed args %q: %v", s, err)
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal args %q: pipes are not supported", s)
	}
	return v[0], nil
}

// Package returns the name of the package being inspected.
func (inv *Invocation) Package() string {
	return inv.cfg.Package
}

// Record returns the version record selected for this run, nil before the
// version has been resolved.
func (inv *Invocation) Record() *VersionRecord {
	return inv.record
}

// Output returns the values collected so far.
func (inv *Invocation) Output() *Output {
	return inv.output
}

// State returns the lifecycle state of the run.
func (inv *Invocation) State() State {
	return inv.state
}

func (inv *Invocation) setState(s State) {
	inv.log.Debugf("%s -> %s", inv.state, s)
	inv.state = s
}

// Append records value under key. Empty values are ignored.
func (inv *Invocation) Append(key, value string) {
	if value != "" {
		inv.hlog.Debugf("%s += %q", key, value)
	}
	inv.output.Append(key, value)
}

// State is a step of the run lifecycle.
type State uint8

const (
	Uninitialized State = iota
	VersionResolved
	BreakpointsInstalled
	Running
	Stopped
	Terminating
	Done
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case VersionResolved:
		return "version-resolved"
	case BreakpointsInstalled:
		return "breakpoints-installed"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Terminating:
		return "terminating"
	case Done:
		return "done"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}
