// Package logger defines the logging interface used across the client core
// and the embedded broker, plus the default colorized implementation.
package logger

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
)

// Logger is the printf-style logging interface every component accepts.
type Logger interface {
	Fatal(format string, a ...any)
	Err(format string, a ...any)
	Warn(format string, a ...any)
	Info(format string, a ...any)
	Debug(format string, a ...any)
}

// NilLogger discards everything except Fatal, which panics.
type NilLogger struct{}

// Fatal panics with the formatted message
func (n *NilLogger) Fatal(format string, a ...any) { panic(fmt.Sprintf(format, a...)) }

// Err does nothing
func (n *NilLogger) Err(format string, a ...any) {}

// Warn does nothing
func (n *NilLogger) Warn(format string, a ...any) {}

// Info does nothing
func (n *NilLogger) Info(format string, a ...any) {}

// Debug does nothing
func (n *NilLogger) Debug(format string, a ...any) {}

const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorPurple = "\033[35m"
	colorCyan   = "\033[36m"

	colorBoldRed = "\033[1;31m"
)

// IsTerminal reports whether stdout is a character device; colorized output
// is suppressed when it is not. Tests may force it on.
var IsTerminal bool

func init() {
	fileInfo, _ := os.Stdout.Stat()
	IsTerminal = (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// Std writes level-prefixed, caller-tagged lines via the standard log package.
// Debug lines are emitted only when the BUNNY_DEBUG environment variable is
// set to 1.
type Std struct {
	l *log.Logger
}

// New returns a Std logger writing to stdout with the given tag as prefix.
func New(tag string) *Std {
	prefix := fmt.Sprintf("[%s] ", tag)
	if IsTerminal {
		prefix = fmt.Sprintf("%s[%s]%s ", colorBlue, tag, colorReset)
	}
	return &Std{l: log.New(os.Stdout, prefix, log.LstdFlags|log.Lmicroseconds)}
}

// Fatal logs with Fatal level and exits with code 1.
func (s *Std) Fatal(format string, a ...any) {
	s.print("FATAL", colorBoldRed, format, a...)
	os.Exit(1)
}

// Err logs with Error level.
func (s *Std) Err(format string, a ...any) {
	s.print("ERROR", colorBoldRed, format, a...)
}

// Warn logs with Warning level.
func (s *Std) Warn(format string, a ...any) {
	s.print("WARN", colorYellow, format, a...)
}

// Info logs with Info level.
func (s *Std) Info(format string, a ...any) {
	s.print("INFO", colorGreen, format, a...)
}

// Debug logs with Debug level when BUNNY_DEBUG=1.
func (s *Std) Debug(format string, a ...any) {
	if os.Getenv("BUNNY_DEBUG") != "1" {
		return
	}
	s.print("DEBUG", colorPurple, format, a...)
}

func (s *Std) print(level, color, format string, a ...any) {
	caller := callerName()
	if IsTerminal {
		prefix := fmt.Sprintf("%s[%s]%s %s%s%s: ", color, level, colorReset, colorCyan, caller, colorReset)
		s.l.Printf(prefix+format, a...)
		return
	}
	s.l.Printf("["+level+"] %s: "+format, append([]any{caller}, a...)...)
}

// callerName returns the bare function name of the logging call site.
func callerName() string {
	pc, _, _, _ := runtime.Caller(3) // skip callerName, print and the level method
	caller := runtime.FuncForPC(pc).Name()
	parts := strings.Split(caller, ".")
	return parts[len(parts)-1]
}
