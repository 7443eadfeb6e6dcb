// Package logging provides the process-wide leveled logger.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

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

var (
	mu       sync.Mutex
	minLevel = LevelInfo
	std      = log.New(os.Stdout, "", 0)
)

// Configure sets the minimum level and optional log-file rotation.
// logFile == "" keeps logging on stdout only.
func Configure(level Level, logFile string) {
	mu.Lock()
	defer mu.Unlock()
	minLevel = level
	if logFile == "" {
		std = log.New(os.Stdout, "", 0)
		return
	}
	writer := io.MultiWriter(os.Stdout, &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	})
	std = log.New(writer, "", 0)
}

func logf(level Level, format string, args ...any) {
	mu.Lock()
	enabled := level >= minLevel
	logger := std
	mu.Unlock()
	if !enabled {
		return
	}
	ts := time.Now().Format("2006-01-02T15:04:05.000Z07:00")
	msg := fmt.Sprintf(format, args...)
	logger.Printf("%s [%s] %s", ts, level, msg)
}

func Debugf(format string, args ...any) { logf(LevelDebug, format, args...) }
func Infof(format string, args ...any)  { logf(LevelInfo, format, args...) }
func Warnf(format string, args ...any)  { logf(LevelWarn, format, args...) }
func Errorf(format string, args ...any) { logf(LevelError, format, args...) }

// Entry supports WithField/WithError fluent-style chains used at call
// sites that want a request id or error attached to every subsequent line.
type Entry struct {
	fields map[string]any
}

func WithField(key string, value any) *Entry {
	return (&Entry{fields: map[string]any{}}).WithField(key, value)
}

func WithError(err error) *Entry {
	return WithField("error", err)
}

func (e *Entry) WithField(key string, value any) *Entry {
	e.fields[key] = value
	return e
}

func (e *Entry) render(msg string) string {
	var b strings.Builder
	b.WriteString(msg)
	for k, v := range e.fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	return b.String()
}

func (e *Entry) Debug(msg string) { logf(LevelDebug, "%s", e.render(msg)) }
func (e *Entry) Info(msg string)  { logf(LevelInfo, "%s", e.render(msg)) }
func (e *Entry) Warn(msg string)  { logf(LevelWarn, "%s", e.render(msg)) }
func (e *Entry) Error(msg string) { logf(LevelError, "%s", e.render(msg)) }
