package log

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/CMSgov/bcda-export/conf"
	"github.com/pborman/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

// TestLoggers verifies that all of our loggers are set up
// with the expected parameters and write to the expected files.
func TestLoggers(t *testing.T) {
	env := uuid.New()
	oldEnv := conf.GetEnv("DEPLOYMENT_TARGET")
	assert.NoError(t, conf.SetEnv(t, "DEPLOYMENT_TARGET", env))
	t.Cleanup(func() {
		assert.NoError(t, conf.SetEnv(t, "DEPLOYMENT_TARGET", oldEnv))
		SetupLoggers()
	})

	tests := []struct {
		logEnv      string
		application string
		// Use a supplier since the logger's reference will be updated everytime we call
		// setup func. This allows us to retrieve the refreshed logger
		logSupplier func() logrus.FieldLogger
	}{
		{"BCDA_EXPORT_LOG", "export", func() logrus.FieldLogger { return Export }},
		{"BCDA_EXPORT_REQUEST_LOG", "export", func() logrus.FieldLogger { return Request }},
		{"BCDA_EXPORT_WORKER_LOG", "worker", func() logrus.FieldLogger { return Worker }},
		{"WORKER_HEALTH_LOG", "worker", func() logrus.FieldLogger { return Health }},
	}
	for _, tt := range tests {
		t.Run(tt.logEnv, func(t *testing.T) {
			logFile, err := os.CreateTemp("", "*")
			assert.NoError(t, err)
			old := conf.GetEnv(tt.logEnv)
			t.Cleanup(func() {
				assert.NoError(t, os.Remove(logFile.Name()))
				assert.NoError(t, conf.SetEnv(t, tt.logEnv, old))
			})

			assert.NoError(t, conf.SetEnv(t, tt.logEnv, logFile.Name()))

			// Refresh the logger to reference the new configs
			SetupLoggers()

			msg := uuid.New()
			tt.logSupplier().Info(msg)

			data, err := io.ReadAll(logFile)
			assert.NoError(t, err)
			res := strings.Split(string(data), "\n")
			// msg + new line
			assert.Len(t, res, 2)

			var fields logrus.Fields
			assert.NoError(t, json.Unmarshal([]byte(res[0]), &fields))
			assert.Equal(t, tt.application, fields["application"])
			assert.Equal(t, env, fields["environment"])
			assert.Equal(t, msg, fields["msg"])
			assert.Equal(t, "bcda-export", fields["source_app"])
			assert.Equal(t, Version, fields["version"])
			_, err = time.Parse(time.RFC3339Nano, fields["time"].(string))
			assert.NoError(t, err)
		})
	}
}

func TestSetLoggerFields(t *testing.T) {
	logger := Logger(logrus.New(), "", "test", "test")
	testLogger := test.NewLocal(GetLogger(logger))
	ctx := NewStructuredLoggerEntry(logger, context.Background())

	ctx, entryLogger := SetLoggerFields(ctx, logrus.Fields{"instance_id": "123456", "step": "poll"})
	entryLogger.WithField("test", "entry").Error("test-msg")

	entry := testLogger.LastEntry()
	assert.Equal(t, "test-msg", entry.Message)
	assert.Equal(t, "123456", entry.Data["instance_id"])
	assert.Equal(t, "poll", entry.Data["step"])
	assert.Equal(t, "entry", entry.Data["test"])

	// fields accumulate on the context entry
	_, _ = SetCtxLogger(ctx, "resource_type", "Patient")
	GetCtxLogger(ctx).Info("next")
	entry = testLogger.LastEntry()
	assert.Equal(t, "123456", entry.Data["instance_id"])
	assert.Equal(t, "Patient", entry.Data["resource_type"])
}

func TestGetCtxLoggerDefault(t *testing.T) {
	assert.Equal(t, Export, GetCtxLogger(context.Background()))

	ctx, logger := SetCtxLogger(context.Background(), "key", "value")
	assert.NotNil(t, logger)
	assert.Equal(t, logger, GetCtxLogger(ctx))
}

func TestGetLogger(t *testing.T) {
	l := logrus.New()
	assert.Equal(t, l, GetLogger(l))
	assert.Equal(t, l, GetLogger(l.WithField("a", "b")))
}
