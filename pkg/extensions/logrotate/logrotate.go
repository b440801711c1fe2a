// Package logrotate extracts the configuration files logrotate reads.
//
// logrotate chdir()s into each include directory before opening the files
// it finds there, so the name seen at the breakpoint is relative to a path
// held by the caller.
package logrotate

import (
	"path/filepath"

	"github.com/breakoscope/breakoscope/pkg/invocation"
)

func init() {
	invocation.Register("logrotate", "logrotate_handler", Handler)
}

// Handler reads configFile in the current frame and joins it with path
// from the caller's frame when it is relative.
func Handler(inv *invocation.Invocation) error {
	value, _ := inv.ReadString("configFile")

	if err := inv.SelectFrame(1); err != nil {
		return err
	}
	base, _ := inv.ReadString("path")

	if base != "" && value != "" && !filepath.IsAbs(value) {
		value = filepath.Join(base, value)
	}
	inv.Append(invocation.DefaultDest, value)
	return nil
}
