// Package logger is a small leveled logger whose lines carry a module tag:
//
//	2026/10/17 08:30:01.250000 [WARN] [Camera] Timeout while fetching stream
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	SILENT // No logging
)

type levelStyle struct {
	name  string
	color string
}

var styles = [...]levelStyle{
	DEBUG:  {"DEBUG", "\033[36m"},
	INFO:   {"INFO", "\033[32m"},
	WARN:   {"WARN", "\033[33m"},
	ERROR:  {"ERROR", "\033[31m"},
	SILENT: {"SILENT", ""},
}

const resetColor = "\033[0m"

// Logger writes lines at or above a fixed level. It is safe for concurrent
// use; the level is chosen at construction.
type Logger struct {
	level    LogLevel
	useColor bool
	out      *log.Logger
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init sets up the global logger. Only the first call has an effect.
func Init(level LogLevel, output io.Writer, useColor bool) {
	once.Do(func() {
		defaultLogger = New(level, output, useColor)
	})
}

// New creates a Logger; a nil output means stderr.
func New(level LogLevel, output io.Writer, useColor bool) *Logger {
	if output == nil {
		output = os.Stderr
	}
	return &Logger{
		level:    level,
		useColor: useColor,
		out:      log.New(output, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
}

// Enabled reports whether lines at level are written.
func (l *Logger) Enabled(level LogLevel) bool {
	return level >= l.level && level < SILENT
}

func (l *Logger) log(level LogLevel, module string, format string, args ...any) {
	if !l.Enabled(level) {
		return
	}

	var b strings.Builder
	st := styles[level]
	if l.useColor {
		b.WriteString(st.color)
	}
	b.WriteString("[" + st.name + "]")
	if l.useColor {
		b.WriteString(resetColor)
	}
	if module != "" {
		b.WriteString(" [" + module + "]")
	}
	b.WriteByte(' ')
	fmt.Fprintf(&b, format, args...)
	l.out.Print(b.String())
}

func (l *Logger) Debug(module string, format string, args ...any) {
	l.log(DEBUG, module, format, args...)
}

func (l *Logger) Info(module string, format string, args ...any) {
	l.log(INFO, module, format, args...)
}

func (l *Logger) Warn(module string, format string, args ...any) {
	l.log(WARN, module, format, args...)
}

func (l *Logger) Error(module string, format string, args ...any) {
	l.log(ERROR, module, format, args...)
}

// Module returns a logger bound to a module tag.
func (l *Logger) Module(name string) Module {
	return Module{name: name, logger: l}
}

// Module is a logger bound to one module tag. The zero value logs through
// the global logger, so components can embed it without wiring.
type Module struct {
	name   string
	logger *Logger
}

// For returns a module logger that writes through the global logger.
func For(name string) Module {
	return Module{name: name}
}

func (m Module) target() *Logger {
	if m.logger != nil {
		return m.logger
	}
	return defaultLogger
}

// Name returns the module tag.
func (m Module) Name() string { return m.name }

func (m Module) emit(level LogLevel, format string, args ...any) {
	if t := m.target(); t != nil {
		t.log(level, m.name, format, args...)
	}
}

func (m Module) Debug(format string, args ...any) { m.emit(DEBUG, format, args...) }
func (m Module) Info(format string, args ...any)  { m.emit(INFO, format, args...) }
func (m Module) Warn(format string, args ...any)  { m.emit(WARN, format, args...) }
func (m Module) Error(format string, args ...any) { m.emit(ERROR, format, args...) }

// Global helpers for the cmd packages, which log before any component exists.

func Info(module string, format string, args ...any) {
	For(module).emit(INFO, format, args...)
}

func Warn(module string, format string, args ...any) {
	For(module).emit(WARN, format, args...)
}

func Error(module string, format string, args ...any) {
	For(module).emit(ERROR, format, args...)
}

// ParseLevel maps a flag or config value to a level, case-insensitively.
// "warning" and "none" are accepted as aliases.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, nil
	case "info", "":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "silent", "none":
		return SILENT, nil
	}
	return INFO, fmt.Errorf("invalid log level: %s", s)
}

func (l LogLevel) String() string {
	if l >= 0 && int(l) < len(styles) {
		return styles[l].name
	}
	return "UNKNOWN"
}
