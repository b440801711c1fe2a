// Package invocation implements the breakpoint driven extraction engine.
//
// An Invocation owns one extraction run: it resolves the installed package
// version to a VersionRecord, installs the record's breakpoints (plus the
// terminator) through a debugger.Debugger, starts the debuggee and
// dispatches every breakpoint stop to the Handler bound to it. Handlers
// read values out of the stopped debuggee with ReadString and record them
// with Append. When the terminator is reached, or the debuggee exits on
// its own, the collected Output is written to the output file.
//
// Handlers are either built from a symbol expression (SymbolHandler) or
// looked up in the registry of delegated handlers that extension packages
// fill with Register before the run starts.
//
// The run is single threaded: events are consumed one at a time and the
// debuggee stays stopped while a handler executes, so the breakpoint table
// and the output need no locking.
package invocation
