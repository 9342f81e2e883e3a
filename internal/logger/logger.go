// internal/logger/logger.go
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog with service context
type Logger struct {
	service string
	zl      zerolog.Logger
}

// New creates a logger for a service. LOG_LEVEL and LOG_FORMAT are read from
// the environment.
func New(service string) *Logger {
	var out io.Writer = os.Stdout
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "console") {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return NewWithWriter(service, out, os.Getenv("LOG_LEVEL"))
}

// NewWithWriter creates a logger writing JSON lines to w.
func NewWithWriter(service string, w io.Writer, level string) *Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zl := zerolog.New(w).Level(lvl).With().Timestamp().Str("service", service).Logger()
	return &Logger{service: service, zl: zl}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{service: "nop", zl: zerolog.Nop()}
}

// With returns a child logger carrying the given key-value pairs on every line
func (l *Logger) With(keyvals ...interface{}) *Logger {
	ctx := l.zl.With()
	for i := 0; i+1 < len(keyvals); i += 2 {
		ctx = ctx.Interface(keyString(keyvals[i]), keyvals[i+1])
	}
	return &Logger{service: l.service, zl: ctx.Logger()}
}

// Service returns the service name the logger was created for
func (l *Logger) Service() string {
	return l.service
}

// Info logs an info message
func (l *Logger) Info(message string, keyvals ...interface{}) {
	withKeyVals(l.zl.Info(), keyvals).Msg(message)
}

// Error logs an error message
func (l *Logger) Error(message string, keyvals ...interface{}) {
	withKeyVals(l.zl.Error(), keyvals).Msg(message)
}

// Warn logs a warning message
func (l *Logger) Warn(message string, keyvals ...interface{}) {
	withKeyVals(l.zl.Warn(), keyvals).Msg(message)
}

// Debug logs a debug message
func (l *Logger) Debug(message string, keyvals ...interface{}) {
	withKeyVals(l.zl.Debug(), keyvals).Msg(message)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string, keyvals ...interface{}) {
	withKeyVals(l.zl.WithLevel(zerolog.FatalLevel), keyvals).Msg(message)
	os.Exit(1)
}

// withKeyVals attaches key-value pairs to an event. Errors are rendered with
// their message so they stay readable in JSON output.
func withKeyVals(e *zerolog.Event, keyvals []interface{}) *zerolog.Event {
	for i := 0; i < len(keyvals); i += 2 {
		key := keyString(keyvals[i])
		if i+1 >= len(keyvals) {
			e = e.Str(key, "MISSING")
			break
		}
		switch v := keyvals[i+1].(type) {
		case error:
			e = e.AnErr(key, v)
		case string:
			e = e.Str(key, v)
		case int:
			e = e.Int(key, v)
		case int64:
			e = e.Int64(key, v)
		case bool:
			e = e.Bool(key, v)
		case time.Duration:
			e = e.Dur(key, v)
		case fmt.Stringer:
			e = e.Stringer(key, v)
		default:
			e = e.Interface(key, v)
		}
	}
	return e
}

func keyString(k interface{}) string {
	if s, ok := k.(string); ok {
		return s
	}
	return fmt.Sprint(k)
}
