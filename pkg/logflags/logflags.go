package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	colorable "github.com/mattn/go-colorable"
	isatty "github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var invocation = false
var dap = false
var query = false
var handlers = false
var starlark = false
var config = false

var logOut io.WriteCloser

func makeLogger(flag bool, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(flag, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatter()
	if logOut != nil {
		logger.Logger.Out = logOut
	} else {
		logger.Logger.Out = colorable.NewColorableStderr()
	}
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.ErrorLevel
	}
	return &logrusLogger{logger}
}

var textFormatterInstance = &logrus.TextFormatter{}

func textFormatter() logrus.Formatter {
	textFormatterInstance.DisableColors = !outIsTerminal()
	return textFormatterInstance
}

func outIsTerminal() bool {
	f, ok := logOut.(*os.File)
	if logOut == nil {
		f, ok = os.Stderr, true
	}
	return ok && isatty.IsTerminal(f.Fd())
}

// Invocation returns true if the extraction lifecycle should be logged.
func Invocation() bool {
	return invocation
}

// InvocationLogger returns a logger for the invocation package.
func InvocationLogger() Logger {
	return makeLogger(invocation, Fields{"layer": "invocation"})
}

// DAP returns true if every message exchanged with the debug adapter
// should be logged.
func DAP() bool {
	return dap
}

// DAPLogger returns a logger for the debug adapter client.
func DAPLogger() Logger {
	return makeLogger(dap, Fields{"layer": "dap"})
}

// Query returns true if package manager queries should be logged.
func Query() bool {
	return query
}

// QueryLogger returns a logger for package manager queries.
func QueryLogger() Logger {
	return makeLogger(query, Fields{"layer": "query"})
}

// Handlers returns true if breakpoint handlers should log the values they
// read.
func Handlers() bool {
	return handlers
}

// HandlersLogger returns a logger for breakpoint handlers.
func HandlersLogger() Logger {
	return makeLogger(handlers, Fields{"layer": "invocation", "kind": "handler"})
}

// Starlark returns true if starlark extension modules should be logged.
func Starlark() bool {
	return starlark
}

func StarlarkLogger() Logger {
	return makeLogger(starlark, Fields{"layer": "starlark"})
}

// Config returns true if configuration loading should be logged.
func Config() bool {
	return config
}

// ConfigLogger returns a logger for configuration loading. Its warnings are
// shown even when the component is not enabled.
func ConfigLogger() Logger {
	l := makeLogger(config, Fields{"layer": "config"})
	if lg, ok := l.(*logrusLogger); ok && !config {
		lg.Logger.Level = logrus.WarnLevel
	}
	return l
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets logging flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "breakoscope-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "invocation"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		// If adding another value, do make sure to
		// update "Help about logging flags" in commands.go.
		switch logcmd {
		case "invocation":
			invocation = true
		case "dap":
			dap = true
		case "query":
			query = true
		case "handlers":
			handlers = true
		case "starlark":
			starlark = true
		case "config":
			config = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'breakoscope help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}
