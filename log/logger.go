package log

import (
	"context"
	"os"
	"path/filepath"

	"github.com/CMSgov/bcda-export/conf"
	"github.com/sirupsen/logrus"
)

// Version is set during compilation.
var Version = "latest"

var (
	// Export logs workflow progress: steps, checkpoints, terminal states.
	Export logrus.FieldLogger
	// Request logs every outbound call made against the bulk data API and
	// every inbound call received by the trigger API.
	Request logrus.FieldLogger
	// Worker logs que worker pool activity.
	Worker logrus.FieldLogger
	Health logrus.FieldLogger
)

func init() {
	SetupLoggers()
}

// SetupLoggers (re)creates every logger from the current configuration.
func SetupLoggers() {
	env := conf.GetEnv("DEPLOYMENT_TARGET")
	Export = Logger(logrus.New(), conf.GetEnv("BCDA_EXPORT_LOG"), "export", env)
	Request = Logger(logrus.New(), conf.GetEnv("BCDA_EXPORT_REQUEST_LOG"), "export", env)
	Worker = Logger(logrus.New(), conf.GetEnv("BCDA_EXPORT_WORKER_LOG"), "worker", env)
	Health = Logger(logrus.New(), conf.GetEnv("WORKER_HEALTH_LOG"), "worker", env)
}

// Logger configures logger to emit JSON to outputFile (stderr when empty or
// unavailable) and returns it decorated with the common fields.
func Logger(logger *logrus.Logger, outputFile string,
	application, environment string) logrus.FieldLogger {

	logger.SetFormatter(&logrus.JSONFormatter{})
	if outputFile != "" {
		/* #nosec -- 0640 permissions required for log ingestion */
		if file, err := os.OpenFile(filepath.Clean(outputFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640); err == nil {
			logger.SetOutput(file)
		} else {
			logger.Infof("Failed to open output file %s. Will use stderr. %s",
				outputFile, err.Error())
		}
	}

	return logger.WithFields(logrus.Fields{
		"application": application,
		"environment": environment,
		"source_app":  "bcda-export",
		"version":     Version,
	})
}

// GetLogger unwraps the underlying *logrus.Logger so hooks can be attached.
func GetLogger(logger logrus.FieldLogger) *logrus.Logger {
	switch l := logger.(type) {
	case *logrus.Entry:
		return l.Logger
	case *logrus.Logger:
		return l
	default:
		return logrus.StandardLogger()
	}
}

type ctxLoggerKeyType string

// CtxLoggerKey is the context key holding a *StructuredLoggerEntry.
const CtxLoggerKey ctxLoggerKeyType = "ctxLogger"

// StructuredLoggerEntry carries a logger whose fields accumulate as a workflow
// or request moves along.
type StructuredLoggerEntry struct {
	Logger logrus.FieldLogger
}

// NewStructuredLoggerEntry stores logger in a fresh entry on ctx.
func NewStructuredLoggerEntry(logger logrus.FieldLogger, ctx context.Context) context.Context {
	return context.WithValue(ctx, CtxLoggerKey, &StructuredLoggerEntry{Logger: logger})
}

// SetCtxLogger adds a single field to the logger carried by ctx.
func SetCtxLogger(ctx context.Context, key string, value interface{}) (context.Context, logrus.FieldLogger) {
	return SetLoggerFields(ctx, logrus.Fields{key: value})
}

// SetLoggerFields adds fields to the logger carried by ctx, creating an entry
// backed by Export if ctx carries none.
func SetLoggerFields(ctx context.Context, fields logrus.Fields) (context.Context, logrus.FieldLogger) {
	entry, ok := ctx.Value(CtxLoggerKey).(*StructuredLoggerEntry)
	if !ok {
		entry = &StructuredLoggerEntry{Logger: Export}
		ctx = context.WithValue(ctx, CtxLoggerKey, entry)
	}
	entry.Logger = entry.Logger.WithFields(fields)
	return ctx, entry.Logger
}

// GetCtxLogger returns the logger carried by ctx, or Export.
func GetCtxLogger(ctx context.Context) logrus.FieldLogger {
	if entry, ok := ctx.Value(CtxLoggerKey).(*StructuredLoggerEntry); ok {
		return entry.Logger
	}
	return Export
}
