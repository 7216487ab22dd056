package logger

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

type Logger struct {
	*logrus.Logger
}

type ContextKey string

const (
	RequestIDKey ContextKey = "request_id"
	JobIDKey     ContextKey = "job_id"
)

// field names whose string values are credentials
var sensitiveFields = []string{"token", "access_token", "input_token", "credential_token"}

func New(level string) *Logger {
	return NewWithWriter(level, os.Stdout)
}

// NewWithWriter builds the JSON logger writing to w.
func NewWithWriter(level string, w io.Writer) *Logger {
	logger := logrus.New()

	// Set log level
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	// Set JSON formatter for structured logging
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logger.AddHook(redactHook{})
	logger.SetOutput(w)

	return &Logger{Logger: logger}
}

// Discard returns a logger that writes nowhere, for tests.
func Discard() *Logger {
	return NewWithWriter("panic", io.Discard)
}

// ContextWithRequestID tags ctx so WithContext logs the request id.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// ContextWithJobID tags ctx so WithContext logs the job id.
func ContextWithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, JobIDKey, id)
}

// Context fields
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithContext(ctx)

	if requestID := ctx.Value(RequestIDKey); requestID != nil {
		entry = entry.WithField("request_id", requestID)
	}
	if jobID := ctx.Value(JobIDKey); jobID != nil {
		entry = entry.WithField("job_id", jobID)
	}

	return entry
}

// Additional fields
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}

// Additional field
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// Error field
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithError(err)
}

// redactHook masks credential fields on every entry before it is formatted.
type redactHook struct{}

func (redactHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (redactHook) Fire(entry *logrus.Entry) error {
	for _, key := range sensitiveFields {
		if v, ok := entry.Data[key].(string); ok {
			entry.Data[key] = mask(v)
		}
	}
	return nil
}

func mask(v string) string {
	if len(v) <= 10 {
		return "****"
	}
	return v[:6] + "..." + v[len(v)-4:]
}
