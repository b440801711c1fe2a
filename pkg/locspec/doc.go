// Package locspec implements code to parse a breakpoint location string
// from a module definition into a specific location specification.
//
// Location spec examples:
//
// locStr ::= <filename>:<line> | <function> | *<address>
// * <filename> can be the full path of a file or just a suffix
// * <function> is a symbol name as understood by the debugger (e.g. main, readConfigPath)
// * *<address> names an instruction address
//
// The specs are handed to the debugger backend, which decides which of
// them it is able to install.
package locspec
