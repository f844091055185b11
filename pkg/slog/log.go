// Package slog is a levelled terminal logger that prints the code location of
// every line it writes. Loggers are created per package with
//
//	var log, chk = slog.New(os.Stderr)
//
// and the level is shared process wide, set either with SetLogLevel or from
// the GODEBUG environment variable at startup.
package slog

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/gookit/color"
)

const (
	Off = iota
	Fatal
	Error
	Warn
	Info
	Debug
	Trace
)

type (
	// Ln prints lists of interfaces with spaces in between
	Ln func(a ...interface{})
	// F prints like fmt.Printf surrounded by log details
	F func(format string, a ...interface{})
	// S prints a spew.Sdump for an interface slice
	S func(a ...interface{})
	// C accepts a function so that the extra computation can be avoided if it is
	// not being viewed
	C func(closure func() string)
	// Chk is a shortcut for printing if there is an error, or returning true
	Chk func(e error) bool
	// Err is a pass-through function that uses fmt.Errorf to construct an error
	// and returns the error after printing it to the log
	Err func(format string, a ...interface{}) error

	// LevelPrinter defines a set of terminal printing primitives that output
	// with extra data, time, log level, and code location
	LevelPrinter struct {
		Ln
		F
		S
		C
		Chk
		Err
	}

	LevelSpec struct {
		ID        int
		Name      string
		Colorizer func(a ...interface{}) string
	}
)

var (
	currentLevel atomic.Int32
	writerMx     sync.Mutex
	// LevelSpecs specifies the id, string name and color-printing function
	LevelSpecs = []LevelSpec{
		{Off, "   ", color.Bit24(0, 0, 0, false).Sprint},
		{Fatal, "FTL", color.Bit24(128, 0, 0, false).Sprint},
		{Error, "ERR", color.Bit24(255, 0, 0, false).Sprint},
		{Warn, "WRN", color.Bit24(0, 255, 0, false).Sprint},
		{Info, "INF", color.Bit24(255, 255, 0, false).Sprint},
		{Debug, "DBG", color.Bit24(0, 125, 255, false).Sprint},
		{Trace, "TRC", color.Bit24(125, 0, 255, false).Sprint},
	}
	levelNames = map[string]int{
		"off":   Off,
		"fatal": Fatal,
		"error": Error,
		"warn":  Warn,
		"info":  Info,
		"debug": Debug,
		"trace": Trace,
	}
)

func init() {
	currentLevel.Store(Info)
	switch strings.ToUpper(os.Getenv("GODEBUG")) {
	case "1", "TRUE", "ON", "DEBUG":
		SetLogLevel(Debug)
	case "INFO":
		SetLogLevel(Info)
	case "TRACE":
		SetLogLevel(Trace)
	case "WARN":
		SetLogLevel(Warn)
	case "ERROR":
		SetLogLevel(Error)
	case "FATAL":
		SetLogLevel(Fatal)
	case "0", "OFF", "FALSE":
		SetLogLevel(Off)
	}
}

// Log is a set of log printers for the various Level items.
type Log struct {
	F, E, W, I, D, T LevelPrinter
}

// Check is the set of error checkers, one per level, that print the error and
// return true when it is not nil.
type Check struct {
	F, E, W, I, D, T Chk
}

// New creates a logger and its matching error checker writing to writer.
func New(writer io.Writer) (l *Log, c *Check) {
	l = &Log{
		F: GetPrinter(Fatal, writer),
		E: GetPrinter(Error, writer),
		W: GetPrinter(Warn, writer),
		I: GetPrinter(Info, writer),
		D: GetPrinter(Debug, writer),
		T: GetPrinter(Trace, writer),
	}
	c = &Check{
		F: l.F.Chk,
		E: l.E.Chk,
		W: l.W.Chk,
		I: l.I.Chk,
		D: l.D.Chk,
		T: l.T.Chk,
	}
	return
}

// SetLogLevel sets the process wide log level.
func SetLogLevel(l int) { currentLevel.Store(int32(l)) }

// GetLogLevel returns the process wide log level.
func GetLogLevel() int { return int(currentLevel.Load()) }

// ParseLevel converts a level name such as "debug" or "warn" into its level
// value. Unknown names fall back to Info.
func ParseLevel(name string) int {
	if l, ok := levelNames[strings.ToLower(strings.TrimSpace(name))]; ok {
		return l
	}
	return Info
}

func enabled(l int32) bool { return l <= currentLevel.Load() }

func JoinStrings(a ...any) (s string) {
	for i := range a {
		s += fmt.Sprint(a[i])
		if i < len(a)-1 {
			s += " "
		}
	}
	return
}

func output(l int32, writer io.Writer, text string) {
	writerMx.Lock()
	defer writerMx.Unlock()
	fmt.Fprintf(writer,
		"%s %s %s %s\n",
		time.Now().Format("15:04:05.000"),
		LevelSpecs[l].Colorizer(LevelSpecs[l].Name),
		text,
		GetLoc(3),
	)
}

func GetPrinter(l int32, writer io.Writer) LevelPrinter {
	return LevelPrinter{
		Ln: func(a ...interface{}) {
			if !enabled(l) {
				return
			}
			output(l, writer, JoinStrings(a...))
		},
		F: func(format string, a ...interface{}) {
			if !enabled(l) {
				return
			}
			output(l, writer, fmt.Sprintf(format, a...))
		},
		S: func(a ...interface{}) {
			if !enabled(l) {
				return
			}
			output(l, writer, spew.Sdump(a...))
		},
		C: func(closure func() string) {
			if !enabled(l) {
				return
			}
			output(l, writer, closure())
		},
		Chk: func(e error) bool {
			if e == nil {
				return false
			}
			if enabled(l) {
				output(l, writer, e.Error())
			}
			return true
		},
		Err: func(format string, a ...interface{}) error {
			if enabled(l) {
				output(l, writer, fmt.Sprintf(format, a...))
			}
			return fmt.Errorf(format, a...)
		},
	}
}

// GetLoc returns the file:line of the caller skip frames up the stack.
func GetLoc(skip int) (output string) {
	_, file, line, _ := runtime.Caller(skip)
	output = color.Bit24(0, 128, 255, false).Sprint(
		file, ":", line,
	)
	return
}
