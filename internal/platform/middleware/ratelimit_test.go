package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestRateLimit_BurstThenRefill(t *testing.T) {
	clock := &fakeClock{now: time.Date(2008, 2, 26, 10, 0, 0, 0, time.UTC)}
	e := echo.New()
	h := RateLimit(RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         2,
		Key:               func(c echo.Context) string { return c.Request().Header.Get("X-Sender") },
		Now:               clock.Now,
	})(func(c echo.Context) error { return c.NoContent(http.StatusAccepted) })

	call := func(sender string) (*httptest.ResponseRecorder, error) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/lab-messages", nil)
		req.Header.Set("X-Sender", sender)
		rec := httptest.NewRecorder()
		return rec, h(e.NewContext(req, rec))
	}

	for i := 0; i < 2; i++ {
		if _, err := call("refpacs"); err != nil {
			t.Fatalf("request %d within burst: %v", i+1, err)
		}
	}

	rec, err := call("refpacs")
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "1" {
		t.Errorf("X-RateLimit-Limit = %q", got)
	}

	if _, err := call("eid"); err != nil {
		t.Errorf("other sender should have its own bucket: %v", err)
	}

	clock.now = clock.now.Add(1500 * time.Millisecond)
	if _, err := call("refpacs"); err != nil {
		t.Errorf("expected a refilled token: %v", err)
	}
	if _, err := call("refpacs"); err == nil {
		t.Error("expected the half token left to be refused")
	}
}

func TestRateLimit_DisabledPassesThrough(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{})(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		if err := h(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "" {
			t.Fatal("disabled limiter should not set headers")
		}
	}
}
