package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "gateway-secret"

func subjectEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _ := Subject(r.Context())
		_, _ = w.Write([]byte(subject))
	})
}

func authRequest(token string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/bindings", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestAuthenticatorAcceptsScopedToken(t *testing.T) {
	cfg := AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "btcbridge"}
	handler := NewAuthenticator(cfg).Middleware("bridge:admin")(subjectEcho())

	token, err := IssueToken(cfg, "brg1operator", time.Hour, "bridge:admin", "bridge:read")
	require.NoError(t, err)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, authRequest(token))
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "brg1operator", res.Body.String())
}

func TestAuthenticatorRejections(t *testing.T) {
	cfg := AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "btcbridge"}
	handler := NewAuthenticator(cfg).Middleware("bridge:admin")(subjectEcho())

	unscoped, err := IssueToken(cfg, "brg1user", time.Hour)
	require.NoError(t, err)
	expired, err := IssueToken(cfg, "brg1user", -time.Hour, "bridge:admin")
	require.NoError(t, err)
	wrongKey, err := IssueToken(AuthConfig{HMACSecret: "other", Issuer: "btcbridge"}, "brg1user", time.Hour, "bridge:admin")
	require.NoError(t, err)
	wrongIssuer, err := IssueToken(AuthConfig{HMACSecret: testSecret, Issuer: "elsewhere"}, "brg1user", time.Hour, "bridge:admin")
	require.NoError(t, err)
	noSubject, err := IssueToken(cfg, "", time.Hour, "bridge:admin")
	require.NoError(t, err)
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "brg1user", "iss": "btcbridge", "scope": "bridge:admin",
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	cases := map[string]struct {
		token string
		code  int
	}{
		"missing":      {"", http.StatusUnauthorized},
		"garbage":      {"not-a-jwt", http.StatusUnauthorized},
		"expired":      {expired, http.StatusUnauthorized},
		"wrong key":    {wrongKey, http.StatusUnauthorized},
		"wrong issuer": {wrongIssuer, http.StatusUnauthorized},
		"no subject":   {noSubject, http.StatusUnauthorized},
		"no expiry":    {noExpiry, http.StatusUnauthorized},
		"no scope":     {unscoped, http.StatusForbidden},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			res := httptest.NewRecorder()
			handler.ServeHTTP(res, authRequest(tc.token))
			require.Equal(t, tc.code, res.Code)
		})
	}
}

func TestAuthenticatorDisabledUsesAccountHeader(t *testing.T) {
	handler := NewAuthenticator(AuthConfig{}).Middleware("bridge:admin")(subjectEcho())
	req := authRequest("")
	req.Header.Set(DevAccountHeader, " brg1dev ")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "brg1dev", res.Body.String())
}

func TestIssueTokenRequiresSecret(t *testing.T) {
	_, err := IssueToken(AuthConfig{}, "brg1user", time.Hour)
	require.ErrorIs(t, err, errNoSecret)
}

func TestExtractBearer(t *testing.T) {
	require.Equal(t, "abc", extractBearer("Bearer abc"))
	require.Equal(t, "abc", extractBearer("bearer  abc "))
	require.Empty(t, extractBearer("Basic abc"))
	require.Empty(t, extractBearer(""))
}

func TestAuthenticatorMasksRejectedTokenInLogs(t *testing.T) {
	var buf bytes.Buffer
	previous := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(previous) })

	cfg := AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "btcbridge"}
	handler := NewAuthenticator(cfg).Middleware()(subjectEcho())
	forged, err := IssueToken(AuthConfig{HMACSecret: "other", Issuer: "btcbridge"}, "brg1user", time.Hour)
	require.NoError(t, err)

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, authRequest(forged))
	require.Equal(t, http.StatusUnauthorized, res.Code)
	require.Contains(t, buf.String(), "token=[REDACTED]")
	require.NotContains(t, buf.String(), forged)
}
