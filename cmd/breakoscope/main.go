package main

import (
	"github.com/breakoscope/breakoscope/cmd/breakoscope/cmds"
	"github.com/breakoscope/breakoscope/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.BreakoscopeVersion.Build = Build
	}
	cmds.New().Execute()
}
