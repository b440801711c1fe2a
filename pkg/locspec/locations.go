package locspec

import (
	"fmt"
	"strconv"
	"strings"
)

// LocationSpec is an interface that represents a parsed location spec string.
type LocationSpec interface {
	// String returns the location in the syntax it was parsed from.
	String() string
}

// FileLineLocationSpec represents a file:line location.
type FileLineLocationSpec struct {
	File string
	Line int
}

// FuncLocationSpec represents a function in the target program.
type FuncLocationSpec struct {
	Name string
}

// AddrLocationSpec represents an address when used
// as a location spec.
type AddrLocationSpec struct {
	AddrExpr string
}

func (loc *FileLineLocationSpec) String() string {
	return fmt.Sprintf("%s:%d", loc.File, loc.Line)
}

func (loc *FuncLocationSpec) String() string {
	return loc.Name
}

func (loc *AddrLocationSpec) String() string {
	return "*" + loc.AddrExpr
}

// Parse will turn locStr into a parsed LocationSpec.
func Parse(locStr string) (LocationSpec, error) {
	rest := strings.TrimSpace(locStr)

	malformed := func(reason string) error {
		return fmt.Errorf("malformed breakpoint location %q at %d: %s", locStr, len(locStr)-len(rest), reason)
	}

	if len(rest) <= 0 {
		return nil, malformed("empty string")
	}

	switch rest[0] {
	case '*':
		if len(rest) == 1 {
			return nil, malformed("empty address")
		}
		return &AddrLocationSpec{AddrExpr: rest[1:]}, nil
	case '+', '-':
		return nil, malformed("relative locations are not supported")
	case '/':
		if len(rest) > 1 && rest[len(rest)-1] == '/' {
			return nil, malformed("regular expression locations are not supported")
		}
	}

	v := strings.Split(rest, ":")
	if len(v) > 2 {
		// On Windows, path may contain ":", so split only on last ":"
		v = []string{strings.Join(v[0:len(v)-1], ":"), v[len(v)-1]}
	}

	if len(v) == 1 {
		if strings.HasPrefix(v[0], "/") {
			return nil, malformed("a file name needs a line number")
		}
		if _, err := strconv.ParseInt(v[0], 0, 64); err == nil {
			return nil, malformed("a bare line number needs a file name")
		}
		if strings.ContainsAny(v[0], " \t") {
			return nil, malformed("function names cannot contain spaces")
		}
		return &FuncLocationSpec{Name: v[0]}, nil
	}

	if v[0] == "" {
		return nil, malformed("missing file name")
	}
	rest = v[1]
	line, err := strconv.Atoi(rest)
	if err != nil || line <= 0 {
		return nil, malformed("line number not positive or not a number")
	}
	return &FileLineLocationSpec{File: v[0], Line: line}, nil
}
