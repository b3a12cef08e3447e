package logrus

import (
	"io"
	"os"

	"github.com/arxlens/enrichd/pkg/logger"
	"github.com/arxlens/enrichd/pkg/logger/conf"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Wrapper adapts a logrus logger to the logger.Logger interface.
type Wrapper struct {
	entry *logrus.Entry
}

func NewLogrusWrapper(cfg *conf.LogConfig) (*Wrapper, error) {
	cfg.Normalize()

	l := logrus.New()
	l.SetLevel(toLogrusLevel(cfg.Level))

	switch cfg.Formatter {
	case conf.JSONFormater:
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	var out io.Writer = os.Stderr
	if cfg.FilePath != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		out = io.MultiWriter(os.Stderr, rotated)
	}
	l.SetOutput(out)

	return &Wrapper{entry: logrus.NewEntry(l)}, nil
}

func (w *Wrapper) Log(level conf.Level, args ...interface{}) {
	w.entry.Log(toLogrusLevel(level), args...)
}

func (w *Wrapper) Logf(level conf.Level, format string, args ...interface{}) {
	w.entry.Logf(toLogrusLevel(level), format, args...)
}

func (w *Wrapper) WithFields(fields map[string]interface{}) logger.Logger {
	return &Wrapper{entry: w.entry.WithFields(logrus.Fields(fields))}
}

func toLogrusLevel(level conf.Level) logrus.Level {
	switch level {
	case conf.TraceLevel:
		return logrus.TraceLevel
	case conf.DebugLevel:
		return logrus.DebugLevel
	case conf.InfoLevel:
		return logrus.InfoLevel
	case conf.WarnLevel:
		return logrus.WarnLevel
	case conf.ErrorLevel:
		return logrus.ErrorLevel
	case conf.FatalLevel:
		return logrus.FatalLevel
	}
	return logrus.InfoLevel
}
