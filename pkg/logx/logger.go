package logx

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the structured logger shared by every fieldclock component.
// Call sites pass a message followed by alternating key/value pairs or a
// single map of fields.
type Logger struct {
	entry *logrus.Entry
	base  *logrus.Logger
}

// NewLogger creates a JSON logger writing to stderr at the given level
func NewLogger(level, component string) *Logger {
	return NewLoggerWithOutput(level, component, os.Stderr)
}

// NewLoggerWithOutput creates a logger writing to w
func NewLoggerWithOutput(level, component string, w io.Writer) *Logger {
	base := logrus.New()
	base.SetOutput(w)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg:  "msg",
			logrus.FieldKeyTime: "ts",
		},
	})
	base.SetLevel(parseLevel(level))

	return &Logger{
		entry: base.WithField("component", component),
		base:  base,
	}
}

// NewNopLogger returns a logger that discards everything
func NewNopLogger() *Logger {
	return NewLoggerWithOutput("error", "nop", io.Discard)
}

// SetLevel changes the level of this logger and all children sharing its output
func (l *Logger) SetLevel(level string) {
	l.base.SetLevel(parseLevel(level))
}

// With returns a child logger carrying the given fields on every entry
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{entry: l.entry.WithFields(toFields(keyvals)), base: l.base}
}

func (l *Logger) Trace(msg string, keyvals ...interface{}) {
	l.entry.WithFields(toFields(keyvals)).Trace(msg)
}

func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.entry.WithFields(toFields(keyvals)).Debug(msg)
}

func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.entry.WithFields(toFields(keyvals)).Info(msg)
}

func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.entry.WithFields(toFields(keyvals)).Warn(msg)
}

func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.entry.WithFields(toFields(keyvals)).Error(msg)
}

// LogVerbose logs a named event at debug level with its field map
func (l *Logger) LogVerbose(event string, fields map[string]interface{}) {
	l.entry.WithFields(logrus.Fields(fields)).WithField("event", event).Debug(event)
}

// LogDebugVerbose logs a named event at trace level. Used for routine,
// high-volume diagnostics such as individual provider or strategy failures.
func (l *Logger) LogDebugVerbose(event string, fields map[string]interface{}) {
	l.entry.WithFields(logrus.Fields(fields)).WithField("event", event).Trace(event)
}

// LogStateChange records a state machine transition
func (l *Logger) LogStateChange(component, from, to, reason string, fields map[string]interface{}) {
	l.entry.WithFields(logrus.Fields(fields)).WithFields(logrus.Fields{
		"state_component": component,
		"from":            from,
		"to":              to,
		"reason":          reason,
	}).Info("state_change")
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func toFields(keyvals []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	if len(keyvals) == 1 {
		if m, ok := keyvals[0].(map[string]interface{}); ok {
			for k, v := range m {
				fields[k] = v
			}
			return fields
		}
	}
	for i := 0; i < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		if i+1 >= len(keyvals) {
			fields[key] = "(missing)"
			break
		}
		val := keyvals[i+1]
		if err, ok := val.(error); ok && err != nil {
			val = err.Error()
		}
		fields[key] = val
	}
	return fields
}
