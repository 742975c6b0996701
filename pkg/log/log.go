package log

import (
	"context"
	"os"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// InitLogs returns a logger at the given level. An unparsable level falls back
// to info and is reported once through the new logger.
func InitLogs(level string, production bool) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	if production {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		log.SetReportCaller(true)
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		log.SetLevel(logrus.InfoLevel)
		log.Warnf("invalid log level %q, using info", level)
		return log
	}
	log.SetLevel(parsed)
	return log
}

// WithReqIDFromCtx create logger with request id from the context, request id is set by middleware.RequestID
func WithReqIDFromCtx(ctx context.Context, inner logrus.FieldLogger) logrus.FieldLogger {
	return inner.WithField("request_id", middleware.GetReqID(ctx))
}

// LevelLogger logs at a fixed, configurable level.
type LevelLogger struct {
	log   logrus.FieldLogger
	level logrus.Level
}

func NewLevelLogger(log logrus.FieldLogger, level logrus.Level) LevelLogger {
	return LevelLogger{log: log, level: level}
}

func (l LevelLogger) Logf(format string, args ...interface{}) {
	switch l.level {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		l.log.Errorf(format, args...)
	case logrus.WarnLevel:
		l.log.Warnf(format, args...)
	case logrus.InfoLevel:
		l.log.Infof(format, args...)
	default:
		l.log.Debugf(format, args...)
	}
}

// WithFields returns a LevelLogger carrying fields at the same level.
func (l LevelLogger) WithFields(fields logrus.Fields) LevelLogger {
	return LevelLogger{log: l.log.WithFields(fields), level: l.level}
}
