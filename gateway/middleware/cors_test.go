package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func serveCORS(cfg CORSConfig, method, origin string) *httptest.ResponseRecorder {
	handler := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(method, "/v1/chain/best", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if method == http.MethodOptions {
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCORSWildcard(t *testing.T) {
	rec := serveCORS(CORSConfig{}, http.MethodOptions, "https://app.example")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), DevAccountHeader)
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodDelete)

	rec = serveCORS(CORSConfig{}, http.MethodGet, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSAllowList(t *testing.T) {
	cfg := CORSConfig{AllowedOrigins: []string{"https://ops.example/"}, AllowCredentials: true}

	rec := serveCORS(cfg, http.MethodGet, "https://OPS.example")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "https://OPS.example", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	rec = serveCORS(cfg, http.MethodOptions, "https://evil.example")
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = serveCORS(cfg, http.MethodGet, "https://evil.example")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
