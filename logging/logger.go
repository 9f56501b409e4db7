// Package logging builds the structured loggers used by the commands.
//
// ILPATCH_LOG_LEVEL: debug, info, warn, error (default: info)
// ILPATCH_LOG_PREFIX: prefix for log messages (default: none)
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Logger wraps a logger and closes the underlying writer if needed.
type Logger struct {
	*log.Logger
	closer io.Closer
}

// Close closes the underlying writer if it's closeable.
func (l *Logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// New creates a logger writing to w.
func New(w io.Writer) *Logger {
	return newLogger(w, false)
}

// Open creates a logger appending to the file at path, with timestamps.
func Open(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return newLogger(f, true), nil
}

func newLogger(w io.Writer, ts bool) *Logger {
	lg := log.NewWithOptions(w, log.Options{
		ReportTimestamp: ts,
		TimeFormat:      time.DateTime,
		Level:           Level(),
		Prefix:          os.Getenv("ILPATCH_LOG_PREFIX"),
	})
	var closer io.Closer
	if c, ok := w.(io.Closer); ok && w != os.Stdout && w != os.Stderr {
		closer = c
	}
	return &Logger{Logger: lg, closer: closer}
}

// Level returns the level set by ILPATCH_LOG_LEVEL.
func Level() log.Level {
	switch strings.ToLower(os.Getenv("ILPATCH_LOG_LEVEL")) {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	}
	return log.InfoLevel
}

// IsDebug returns true if debug logging is enabled.
func IsDebug() bool {
	return Level() == log.DebugLevel
}

// Func adapts l to the printf-style debug hooks of patchlib and patchfile.
func Func(l *log.Logger) func(format string, a ...interface{}) {
	return func(format string, a ...interface{}) {
		l.Debug(strings.TrimRight(fmt.Sprintf(format, a...), "\n"))
	}
}
