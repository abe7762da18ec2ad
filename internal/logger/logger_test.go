package logger

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	for _, env := range []string{"production", "development", ""} {
		l, err := New(env)
		require.NoError(t, err, env)
		assert.NotNil(t, l)
	}
}

func TestRequestLogger_LevelsByStatus(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	mw := RequestLogger(zap.New(core))

	for _, code := range []int{http.StatusOK, http.StatusBadRequest, http.StatusInternalServerError} {
		h := middleware.RequestID(mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		})))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil))
	}

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)

	fields := entries[0].ContextMap()
	assert.Equal(t, "/webhooks/stripe", fields["path"])
	assert.Equal(t, int64(200), fields["status"])
	assert.NotEmpty(t, fields["request_id"])
}
