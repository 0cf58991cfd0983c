// Package logging provides the gateway's leveled logger: a rotating
// file sink wrapped by a small level-aware API, constructed explicitly
// at startup and threaded through every component as a dependency —
// there is no package-level global to reach for.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is a logger's minimum severity. Calls below the configured
// level are dropped without formatting their arguments.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level, defaulting to LevelInfo
// for anything unrecognized.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Hook is notified of every emitted log line, regardless of sink, so a
// future dashboard can subscribe to log events without the logger
// needing to know anything about subscribers.
type Hook func(level Level, component, message string)

// Config controls the rotating file sink.
type Config struct {
	File       string // path to the log file; "" logs to stderr only
	Level      string // debug|info|warn|error, default info
	MaxSizeMB  int    // default 100
	MaxBackups int    // default 3
	MaxAgeDays int    // default 7
}

// Logger is a leveled logger bound to a rotating sink. The zero value
// is not usable; construct with New, then derive children with Child.
type Logger struct {
	base      *log.Logger
	writer    *lumberjack.Logger // nil on child loggers; only the root owns the sink
	level     atomic.Int32
	component string
	hook      atomic.Pointer[Hook]
}

// New constructs the root logger from cfg.
func New(cfg Config) (*Logger, error) {
	var out *os.File = os.Stderr
	var writer *lumberjack.Logger

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("logging: create log directory: %w", err)
		}
		writer = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 3),
			MaxAge:     orDefault(cfg.MaxAgeDays, 7),
			Compress:   true,
		}
	}

	l := &Logger{
		base:   log.New(out, "", log.LstdFlags),
		writer: writer,
	}
	if writer != nil {
		l.base.SetOutput(writer)
	}
	l.level.Store(int32(ParseLevel(cfg.Level)))
	return l, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Child returns a logger sharing the root's sink, tagged with an
// additional component segment (e.g. "registry", "session:ab12cd").
func (l *Logger) Child(component string) *Logger {
	c := &Logger{base: l.base, component: component}
	if l.component != "" {
		c.component = l.component + "." + component
	}
	c.level.Store(l.level.Load())
	c.hook.Store(l.hook.Load())
	return c
}

// SetHook installs (or clears, with nil) the logger's event hook.
// Applies to this logger and every Child derived from it afterward.
func (l *Logger) SetHook(h Hook) {
	if h == nil {
		l.hook.Store(nil)
		return
	}
	l.hook.Store(&h)
}

// Close releases the underlying rotating file, if any. Only the root
// logger should call this, at shutdown.
func (l *Logger) Close() error {
	if l.writer == nil {
		return nil
	}
	return l.writer.Close()
}

func (l *Logger) log(level Level, format string, args ...any) {
	if Level(l.level.Load()) > level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	prefix := "[" + level.String() + "]"
	if l.component != "" {
		prefix += " [" + l.component + "]"
	}
	l.base.Printf("%s %s", prefix, msg)

	if hook := l.hook.Load(); hook != nil {
		(*hook)(level, l.component, msg)
	}
}

func (l *Logger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...any) { l.log(LevelError, format, args...) }
