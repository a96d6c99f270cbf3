package middleware

import (
	"debate-bot-go/pkg/log"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.InfoLevel)
	log.SetLogger(zap.New(core))
	t.Cleanup(func() { log.SetLogger(zap.NewNop()) })

	r := gin.New()
	r.Use(RequestLogger())
	r.POST("/echo", func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		require.NoError(t, err)
		c.String(http.StatusCreated, strings.ToUpper(string(body)))
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("hola"))
	r.ServeHTTP(w, req)

	// 中间件读取请求体后，处理函数仍能拿到完整内容
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "HOLA", w.Body.String())

	entries := logs.FilterMessage("HTTP Request Log").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(http.StatusCreated), fields["statusCode"])
	assert.Equal(t, "POST", fields["method"])
	assert.Equal(t, "/echo", fields["path"])
	assert.Equal(t, "hola", fields["requestBody"])
	assert.Equal(t, "HOLA", fields["responseBody"])
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate([]byte("short")))

	long := strings.Repeat("x", maxLoggedBody+10)
	got := truncate([]byte(long))
	assert.True(t, strings.HasPrefix(got, strings.Repeat("x", maxLoggedBody)))
	assert.True(t, strings.HasSuffix(got, "...(truncated)"))
}
