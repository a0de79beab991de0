package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func TestNewWithWriter_LevelAndService(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "warn", ServiceName: "svc"}, &buf)

	logger.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %s", buf.String())
	}

	logger.Warn().Msg("shown")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, buf.String())
	}
	if line[FieldService] != "svc" {
		t.Fatalf("expected service field, got %v", line)
	}
}

func TestCtx_FallsBackToGlobal(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ctx := WithLogger(context.Background(), logger)

	l := Ctx(ctx)
	l.Info().Msg("x")
	if buf.Len() == 0 {
		t.Fatalf("expected context logger to be used")
	}

	_ = Ctx(context.Background())
}

func TestGinMiddleware_SetsRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	r := gin.New()
	r.Use(GinMiddleware(zerolog.New(&buf)))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	if w.Header().Get(headerRequestID) == "" {
		t.Fatalf("expected request id header")
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, buf.String())
	}
	if line[FieldPath] != "/ping" {
		t.Fatalf("unexpected access line: %v", line)
	}
}
