package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, req *http.Request) int {
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	return res.Code
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"submit": {RequestsPerMinute: 1, Burst: 1},
	})
	handler := limiter.Middleware("submit")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/headers", nil)
	require.Equal(t, http.StatusOK, serve(handler, req))
	require.Equal(t, http.StatusTooManyRequests, serve(handler, req))
}

func TestRateLimiterSeparatesRoutesAndClients(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"submit": {RequestsPerMinute: 1, Burst: 1},
		"query":  {RequestsPerMinute: 1, Burst: 1},
	})
	submit := limiter.Middleware("submit")(okHandler())
	query := limiter.Middleware("query")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/headers", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	require.Equal(t, http.StatusOK, serve(submit, req))
	require.Equal(t, http.StatusOK, serve(query, req))
	require.Equal(t, http.StatusTooManyRequests, serve(submit, req))

	other := httptest.NewRequest(http.MethodPost, "/v1/headers", nil)
	other.Header.Set("X-Real-IP", "10.0.0.9")
	require.Equal(t, http.StatusOK, serve(submit, other))
}

func TestRateLimiterUnknownKeyPassesThrough(t *testing.T) {
	limiter := NewRateLimiter(nil)
	handler := limiter.Middleware("missing")(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, serve(handler, req))
	}
}

func TestRateLimiterRefillsAndEvicts(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := NewRateLimiter(map[string]RateLimit{
		"submit": {RequestsPerMinute: 60, Burst: 1},
	})
	limiter.clockNow = func() time.Time { return now }
	handler := limiter.Middleware("submit")(okHandler())
	req := httptest.NewRequest(http.MethodPost, "/v1/headers", nil)

	require.Equal(t, http.StatusOK, serve(handler, req))
	require.Equal(t, http.StatusTooManyRequests, serve(handler, req))
	now = now.Add(time.Second)
	require.Equal(t, http.StatusOK, serve(handler, req))

	now = now.Add(visitorTTL + time.Second)
	limiter.obtainLimiter("other", RateLimit{})
	require.Len(t, limiter.visitors, 1)
}
