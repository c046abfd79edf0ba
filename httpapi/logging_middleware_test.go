package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"flux_backend/logging"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggingMiddlewareLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := logging.NewLoggerFromCore(core, false)

	r := gin.New()
	r.Use(NewLoggingMiddleware(logger, []string{"/health-check"}).Handler())
	r.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "fine") })
	r.GET("/bad", func(c *gin.Context) { c.Status(http.StatusBadRequest) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })
	r.GET("/health-check", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/ok", "/bad", "/boom", "/health-check"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	entries := logs.All()
	require.Len(t, entries, 3, "skipped path is not logged")

	want := []struct {
		path  string
		level zapcore.Level
	}{
		{"/ok", zapcore.InfoLevel},
		{"/bad", zapcore.WarnLevel},
		{"/boom", zapcore.ErrorLevel},
	}
	for i, w := range want {
		assert.Equal(t, w.level, entries[i].Level, w.path)
		fields := entries[i].ContextMap()
		assert.Equal(t, w.path, fields["path"])
		assert.Equal(t, http.MethodGet, fields["method"])
	}
	assert.EqualValues(t, 4, entries[0].ContextMap()["bytes"])
}
