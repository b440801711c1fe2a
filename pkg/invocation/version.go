package invocation

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNoMatchingVersion is returned when no declared version prefix matches
// the installed package version.
var ErrNoMatchingVersion = errors.New("no matching version")

// VersionRecord holds the breakpoints and the terminator used for the
// package versions starting with Prefix.
type VersionRecord struct {
	Prefix      string
	Breakpoints []Breakpoint
	// Terminator is installed apart from Breakpoints, reaching it ends the
	// run.
	Terminator string
}

func (rec *VersionRecord) validate() error {
	if rec.Prefix == "" {
		return errors.New("version record with empty prefix")
	}
	if rec.Terminator == "" {
		return fmt.Errorf("version %q: no terminator", rec.Prefix)
	}
	for _, bp := range rec.Breakpoints {
		if bp.Spec == "" || bp.Handler == nil {
			return fmt.Errorf("version %q: breakpoint %q has no location or no handler", rec.Prefix, bp.Spec)
		}
	}
	return nil
}

// MatchVersion returns the first record, in declaration order, whose
// prefix is a prefix of installed. A more specific prefix declared after a
// shorter one never wins: {"1.0", "1.0.5"} resolves "1.0.5-3" to "1.0".
func MatchVersion(records []VersionRecord, installed string) (*VersionRecord, error) {
	for i := range records {
		if strings.HasPrefix(installed, records[i].Prefix) {
			return &records[i], nil
		}
	}
	return nil, ErrNoMatchingVersion
}

func (inv *Invocation) resolveVersion(ctx context.Context) (*VersionRecord, error) {
	installed, err := inv.cfg.Querier.Version(ctx, inv.cfg.Package)
	if err != nil {
		return nil, err
	}
	rec, err := MatchVersion(inv.cfg.Versions, installed)
	if err != nil {
		return nil, fmt.Errorf("unable to find matching handler for %s-%s: %w", inv.cfg.Package, installed, err)
	}
	inv.log.Debugf("installed version %s matched %q", installed, rec.Prefix)
	return rec, nil
}
