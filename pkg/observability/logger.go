package observability

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/fleetwise/pkg/contextkeys"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l LogLevel) String() string {
	return []string{"DEBUG", "INFO", "WARN", "ERROR"}[l]
}

func (l LogLevel) toLogrusLevel() logrus.Level {
	switch l {
	case DebugLevel:
		return logrus.DebugLevel
	case WarnLevel:
		return logrus.WarnLevel
	case ErrorLevel:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// ParseLogLevel parses a level name, defaulting to InfoLevel.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Logger provides structured JSON logging backed by logrus
type Logger struct {
	base  *logrus.Logger
	entry *logrus.Entry
}

// NewLogger creates a new structured logger writing JSON lines to output
func NewLogger(level LogLevel, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	base := logrus.New()
	base.SetOutput(output)
	base.SetFormatter(&logrus.JSONFormatter{})
	base.SetLevel(level.toLogrusLevel())

	return &Logger{base: base, entry: logrus.NewEntry(base)}
}

// SetLevel changes the level of the logger and every logger derived from it.
func (l *Logger) SetLevel(level LogLevel) {
	l.base.SetLevel(level.toLogrusLevel())
}

// Level returns the current level.
func (l *Logger) Level() LogLevel {
	switch l.base.GetLevel() {
	case logrus.DebugLevel, logrus.TraceLevel:
		return DebugLevel
	case logrus.WarnLevel:
		return WarnLevel
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Entry exposes the underlying logrus entry for libraries that take one.
func (l *Logger) Entry() *logrus.Entry {
	return l.entry
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{base: l.base, entry: l.entry.WithField(key, value)}
}

// WithFields adds multiple fields to the logger context
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{base: l.base, entry: l.entry.WithFields(logrus.Fields(fields))}
}

// WithError adds an error to the logger context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

func (l *Logger) Debug(message string)                      { l.entry.Debug(message) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Info(message string)                       { l.entry.Info(message) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warn(message string)                       { l.entry.Warn(message) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Error(message string)                      { l.entry.Error(message) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

var defaultLogger = NewLogger(InfoLevel, os.Stdout)

// Default returns the process-wide fallback logger.
func Default() *Logger {
	return defaultLogger
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, contextkeys.LoggerKey, logger)
}

// GetLogger retrieves the logger from context
func GetLogger(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(contextkeys.LoggerKey).(*Logger); ok {
		return logger
	}
	return defaultLogger
}

// FromContext returns the context logger annotated with the request id.
func FromContext(ctx context.Context) *Logger {
	logger := GetLogger(ctx)

	if requestID := contextkeys.GetRequestID(ctx); requestID != "" {
		logger = logger.WithField("request_id", requestID)
	}

	return logger
}
