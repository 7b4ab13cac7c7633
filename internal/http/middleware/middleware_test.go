package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"driverline/internal/http/middleware"
	"driverline/internal/logging"
)

func TestLogging_SetsRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Logging(logging.Discard()))
	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, middleware.RequestID(c))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	id := w.Header().Get(middleware.HeaderRequestID)
	if id == "" || w.Body.String() != id {
		t.Fatalf("request id header %q, body %q", id, w.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(middleware.HeaderRequestID, "caller-id")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get(middleware.HeaderRequestID); got != "caller-id" {
		t.Fatalf("incoming request id not kept: %q", got)
	}
}

func TestRecovery_Returns500(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Recovery(logging.Discard()))
	r.GET("/boom", func(c *gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}
