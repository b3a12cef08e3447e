package logger

import (
	"github.com/arxlens/enrichd/pkg/logger/conf"
)

// Logger is the logging interface used throughout the pipeline.
// The default implementation is the logrus wrapper in pkg/logger/logrus.
type Logger interface {
	Log(level conf.Level, args ...interface{})
	Logf(level conf.Level, format string, args ...interface{})
	WithFields(fields map[string]interface{}) Logger
}
