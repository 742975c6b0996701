package log

import (
	"bytes"
	"context"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLogs(t *testing.T) {
	log := InitLogs("debug", true)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)

	var buf bytes.Buffer
	log = InitLogs("loud", false)
	log.SetOutput(&buf)
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
}

func TestWithReqIDFromCtx(t *testing.T) {
	logger, hook := test.NewNullLogger()
	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-1")

	WithReqIDFromCtx(ctx, logger).Info("hello")

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, "req-1", hook.LastEntry().Data["request_id"])
}

func TestLevelLogger(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	NewLevelLogger(logger, logrus.InfoLevel).WithFields(logrus.Fields{"origin": "x"}).Logf("allowed %s", "x")
	NewLevelLogger(logger, logrus.DebugLevel).Logf("quiet")

	require.Len(t, hook.Entries, 2)
	assert.Equal(t, logrus.InfoLevel, hook.Entries[0].Level)
	assert.Equal(t, "x", hook.Entries[0].Data["origin"])
	assert.Equal(t, logrus.DebugLevel, hook.Entries[1].Level)
}
