// Package log implements the kernel's sub-logger registry: named,
// independently level-gated loggers writing to stdout or a rotating file,
// configured the same way the rest of the kernel's ambient stack is —
// a typed Config loaded by package config, not a third-party logging
// library.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Level is a logger's minimum emitted severity.
type Level int32

// The recognized levels, increasing in severity.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// LoggerFileConfig controls the file sink a sub-logger writes to when its
// Output is "file", in place of stdout or stderr.
type LoggerFileConfig struct {
	FileName string
	Rotate   bool
	MaxSize  int // megabytes; only consulted when Rotate is true
}

// SubLoggerConfig configures one named logger.
type SubLoggerConfig struct {
	Level      string
	Output     string // "stdout", "stderr", or "file"
	FileConfig LoggerFileConfig
}

// Config is the top-level logging configuration, matching the shape
// config.Load's "log" section populates.
type Config struct {
	Enabled    bool
	SubLoggers map[string]SubLoggerConfig
}

// Logger is one named, independently level-gated logger.
type Logger struct {
	name  string
	level atomic.Int32
	mu    sync.Mutex
	out   io.Writer
	file  *rotatingFile
}

// Registry holds every sub-logger minted from a Config, keyed by name.
type Registry struct {
	mu      sync.RWMutex
	enabled bool
	loggers map[string]*Logger
	fallback *Logger
}

// New builds a Registry from cfg, minting one Logger per entry in
// cfg.SubLoggers plus a "default" fallback logger used by GetLogger for
// names not explicitly configured.
func New(cfg Config) (*Registry, error) {
	r := &Registry{enabled: cfg.Enabled, loggers: make(map[string]*Logger)}
	for name, sub := range cfg.SubLoggers {
		l, err := newLogger(name, sub)
		if err != nil {
			return nil, err
		}
		r.loggers[name] = l
	}
	fallback, err := newLogger("default", SubLoggerConfig{Level: "info", Output: "stdout"})
	if err != nil {
		return nil, err
	}
	r.fallback = fallback
	if !cfg.Enabled {
		for _, l := range r.loggers {
			l.out = io.Discard
		}
		fallback.out = io.Discard
	}
	return r, nil
}

func newLogger(name string, cfg SubLoggerConfig) (*Logger, error) {
	l := &Logger{name: name}
	l.level.Store(int32(parseLevel(cfg.Level)))

	switch cfg.Output {
	case "file":
		rf, err := newRotatingFile(cfg.FileConfig)
		if err != nil {
			return nil, err
		}
		l.file = rf
		l.out = rf
	case "stderr":
		l.out = os.Stderr
	default:
		l.out = os.Stdout
	}
	return l, nil
}

func parseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// GetLogger returns the sub-logger registered under name, or the fallback
// "default" logger if name was never configured.
func (r *Registry) GetLogger(name string) *Logger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if l, ok := r.loggers[name]; ok {
		return l
	}
	return r.fallback
}

// Enabled reports whether logging is enabled at the registry level; a
// disabled registry's loggers are still safe to call, they simply discard.
func (r *Registry) Enabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// SetLevel changes name's minimum emitted severity at runtime.
func (r *Registry) SetLevel(name string, level Level) {
	r.GetLogger(name).level.Store(int32(level))
}

// Close flushes and closes every sub-logger's file sink, if any.
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var firstErr error
	for _, l := range r.loggers {
		if l.file != nil {
			if err := l.file.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	if Level(l.level.Load()) > level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	line := fmt.Sprintf("%s [%s] %s %s\n", time.Now().UTC().Format(time.RFC3339), level, l.name, fmt.Sprintf(format, args...))
	_, _ = l.out.Write([]byte(line))
}

// Debugf logs at LevelDebug.
func (l *Logger) Debugf(format string, args ...interface{}) { l.log(LevelDebug, format, args...) }

// Infof logs at LevelInfo.
func (l *Logger) Infof(format string, args ...interface{}) { l.log(LevelInfo, format, args...) }

// Warnf logs at LevelWarn.
func (l *Logger) Warnf(format string, args ...interface{}) { l.log(LevelWarn, format, args...) }

// Errorf logs at LevelError.
func (l *Logger) Errorf(format string, args ...interface{}) { l.log(LevelError, format, args...) }
