package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/toolrunner/internal/config"
)

const (
	testSecret      = "jwt-secret"
	testAccessToken = "access-123"
)

func sign(t *testing.T, method jwt.SigningMethod, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestAuthMiddleware_Bearer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.Config{Auth: config.AuthConfig{
		Enabled:     true,
		JWTSecret:   testSecret,
		AccessToken: testAccessToken,
	}})

	tests := []struct {
		name   string
		header string
		code   int
		body   string
	}{
		{
			name:   "valid token",
			header: "Bearer " + sign(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{"access_token": testAccessToken}),
			code:   http.StatusOK,
		},
		{
			name:   "wrong access token",
			header: "Bearer " + sign(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{"access_token": "nope"}),
			code:   http.StatusUnauthorized,
			body:   MessageInvalidAccessToken,
		},
		{
			name:   "missing access token claim",
			header: "Bearer " + sign(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{"sub": "tools"}),
			code:   http.StatusUnauthorized,
			body:   MessageInvalidAccessToken,
		},
		{
			name:   "wrong secret",
			header: "Bearer " + sign(t, jwt.SigningMethodHS256, "other", jwt.MapClaims{"access_token": testAccessToken}),
			code:   http.StatusUnauthorized,
			body:   MessageInvalidBearerToken,
		},
		{
			name:   "wrong algorithm",
			header: "Bearer " + sign(t, jwt.SigningMethodHS512, testSecret, jwt.MapClaims{"access_token": testAccessToken}),
			code:   http.StatusUnauthorized,
			body:   MessageInvalidBearerToken,
		},
		{
			name: "expired",
			header: "Bearer " + sign(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{
				"access_token": testAccessToken,
				"exp":          time.Now().Add(-time.Minute).Unix(),
			}),
			code: http.StatusUnauthorized,
			body: MessageInvalidBearerToken,
		},
		{name: "missing header", code: http.StatusUnauthorized, body: MessageInvalidBearerToken},
		{name: "not bearer", header: "Basic dXNlcjpwYXNz", code: http.StatusUnauthorized, body: MessageInvalidBearerToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/status/queue", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.server.Handler().ServeHTTP(rec, req)
			require.Equal(t, tt.code, rec.Code)
			if tt.body != "" {
				require.Contains(t, rec.Body.String(), tt.body)
			}
		})
	}
}

func TestAuthMiddleware_APIKey(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "key-1"}})

	req := httptest.NewRequest(http.MethodGet, "/status/queue", nil)
	req.Header.Set(APIKeyHeader, "key-1")
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/status/queue", nil)
	req.Header.Set(APIKeyHeader, "key-2")
	rec = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), MessageInvalidAPIKey)

	rec = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/queue", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddleware_KeyOrBearer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.Config{Auth: config.AuthConfig{
		Enabled:     true,
		APIKey:      "key-1",
		JWTSecret:   testSecret,
		AccessToken: testAccessToken,
	}})

	req := httptest.NewRequest(http.MethodPost, "/tools/request", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{"access_token": testAccessToken}))
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code, "authorized, then rejected for the empty body")

	req = httptest.NewRequest(http.MethodGet, "/status/queue", nil)
	req.Header.Set(APIKeyHeader, "key-1")
	rec = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware_ProbesStayOpen(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "key-1"}})
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := httptest.NewRecorder()
		h.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}
