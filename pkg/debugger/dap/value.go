package dap

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/google/go-dap"

	"github.com/breakoscope/breakoscope/pkg/debugger"
)

// pointerRe matches the way gdb and lldb-dap print pointers:
//
//	0x4005d4 "string"
//	0x601040 <buf> "string"
//	0x0
var pointerRe = regexp.MustCompile(`^0x([0-9a-fA-F]+)(?:\s+<[^>]*>)?(?:\s+(["'].*))?$`)

// repeatsRe matches the run length suffix of a repeated character.
var repeatsRe = regexp.MustCompile(`^\s+<repeats (\d+) times>`)

// parseValue converts the result of an evaluate request. truncated is true
// when the debugger cut the string short at its print limit, the returned
// value then carries no string.
func parseValue(expr string, body dap.EvaluateResponseBody) (v *debugger.Value, truncated bool) {
	v = &debugger.Value{Expr: expr, Type: body.Type}
	res := strings.TrimSpace(body.Result)

	switch {
	case res == "nil" || res == "NULL":
		v.IsPointer = true
		return v, false
	case strings.HasPrefix(res, "0x"):
		m := pointerRe.FindStringSubmatch(res)
		if m == nil {
			return v, false
		}
		p, err := strconv.ParseUint(m[1], 16, 64)
		if err != nil {
			return v, false
		}
		v.IsPointer, v.Pointer = true, p
		res = m[2]
	default:
		if addr, ok := parseAddr(body.MemoryReference); ok {
			v.Address = &addr
		}
	}

	s, truncated, ok := parseCString(res)
	if ok && !truncated {
		v.HasString, v.Str = true, s
	}
	return v, truncated
}

// parseAddr reads a DAP memory reference. gdb and lldb-dap use the absolute
// address of the value, so no bias applies.
func parseAddr(ref string) (uint64, bool) {
	if !strings.HasPrefix(ref, "0x") {
		return 0, false
	}
	a, err := strconv.ParseUint(ref[2:], 16, 64)
	return a, err == nil
}

// parseCString reads a C string as printed by the debugger. gdb prints
// it as a comma separated list of string literals and repeated characters:
//
//	"/etc/logrotate.conf", '\000' <repeats 4076 times>
//	"/var/", 'a' <repeats 30 times>, "/log"
//	"/very/long/pa"...
//
// The string ends at the first NUL. A trailing "..." means the print limit
// was reached.
func parseCString(s string) (str string, truncated, ok bool) {
	var buf strings.Builder
	for {
		var (
			seg string
			nul bool
		)
		switch {
		case strings.HasPrefix(s, `"`):
			end := literalEnd(s, '"')
			if end < 0 {
				return "", false, false
			}
			u, err := strconv.Unquote(s[:end+1])
			if err != nil {
				return "", false, false
			}
			if i := strings.IndexByte(u, 0); i >= 0 {
				u, nul = u[:i], true
			}
			seg, s = u, s[end+1:]
		case strings.HasPrefix(s, "'"):
			end := literalEnd(s, '\'')
			if end < 0 {
				return "", false, false
			}
			c, multibyte, tail, err := strconv.UnquoteChar(s[1:end], '\'')
			if err != nil || tail != "" {
				return "", false, false
			}
			s = s[end+1:]
			m := repeatsRe.FindStringSubmatch(s)
			if m == nil {
				return "", false, false
			}
			s = s[len(m[0]):]
			n, err := strconv.Atoi(m[1])
			if err != nil {
				return "", false, false
			}
			var ch string
			if multibyte {
				ch = string(c)
			} else {
				ch = string([]byte{byte(c)})
			}
			if c == 0 {
				nul = true
			} else {
				seg = strings.Repeat(ch, n)
			}
		default:
			return "", false, false
		}
		buf.WriteString(seg)
		if nul {
			return buf.String(), false, true
		}

		switch {
		case s == "":
			return buf.String(), false, true
		case s == "...":
			return buf.String(), true, true
		case strings.HasPrefix(s, ", "):
			s = s[2:]
		default:
			return "", false, false
		}
	}
}

// literalEnd returns the index of the quote closing the literal that s
// starts with, or -1.
func literalEnd(s string, quote byte) int {
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case quote:
			return i
		}
	}
	return -1
}
