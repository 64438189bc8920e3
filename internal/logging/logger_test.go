package logging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observed(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return New(zap.New(core)), logs
}

func TestLoggerFields(t *testing.T) {
	logger, logs := observed(zapcore.DebugLevel)

	logger.WithField("job", "abc").WithError(errors.New("boom")).Info("Job failed", map[string]interface{}{
		"batches": 3,
		"elapsed": 1.5,
		"cached":  true,
	})

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "Job failed", entry.Message)
	fields := entry.ContextMap()
	assert.Equal(t, "abc", fields["job"])
	assert.Equal(t, "boom", fields["error"])
	assert.Equal(t, int64(3), fields["batches"])
	assert.Equal(t, 1.5, fields["elapsed"])
	assert.Equal(t, true, fields["cached"])
}

func TestLoggerLevels(t *testing.T) {
	logger, logs := observed(zapcore.WarnLevel)

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, zapcore.WarnLevel, logs.All()[0].Level)
	assert.Equal(t, zapcore.ErrorLevel, logs.All()[1].Level)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"Warn":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"verbose": zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	logger, err := NewLogger(&Config{Level: "debug", Format: "console", Output: path})
	require.NoError(t, err)

	logger.Debug("hello", map[string]interface{}{"k": "v"})
	require.NoError(t, logger.Sync())
	assert.FileExists(t, path)
}

func TestContextLogger(t *testing.T) {
	logger, logs := observed(zapcore.InfoLevel)

	ctx := logger.WithField("scope", "ctx").WithContext(context.Background())
	FromContext(ctx).Info("from context")
	FromContext(context.Background()).Info("dropped")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "ctx", logs.All()[0].ContextMap()["scope"])
}

func TestMiddleware(t *testing.T) {
	logger, logs := observed(zapcore.InfoLevel)

	handler := middleware.RequestID(Middleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		FromContext(r.Context()).Info("inside")
		w.WriteHeader(http.StatusTeapot)
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status/x", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	require.Equal(t, 2, logs.Len())
	inside := logs.All()[0].ContextMap()
	assert.Equal(t, "/api/v1/status/x", inside["path"])
	assert.NotEmpty(t, inside["request_id"])

	done := logs.FilterMessage("Request completed").All()
	require.Len(t, done, 1)
	assert.Equal(t, int64(http.StatusTeapot), done[0].ContextMap()["status"])
	assert.Equal(t, http.StatusText(http.StatusTeapot), done[0].ContextMap()["error"])
}
