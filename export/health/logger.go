package health

import (
	"context"
	"time"

	"github.com/pborman/uuid"
	"github.com/sirupsen/logrus"
)

// Log writes one health entry with the outcome of every check.
func (h HealthChecker) Log(ctx context.Context, logger logrus.FieldLogger) {
	logFields := logrus.Fields{}
	logFields["type"] = "health"
	logFields["id"] = uuid.NewRandom().String()

	logFields["db"] = "ok"
	if _, ok := h.IsDatabaseOK(ctx); !ok {
		logFields["db"] = "error"
	}
	logFields["export_server"] = "ok"
	if _, ok := h.IsExportServerOK(ctx); !ok {
		logFields["export_server"] = "error"
	}

	logger.WithFields(logFields).Info()
}

// LogEvery calls Log on each tick of interval until ctx ends.
func (h HealthChecker) LogEvery(ctx context.Context, logger logrus.FieldLogger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.Log(ctx, logger)
		case <-ctx.Done():
			return
		}
	}
}
