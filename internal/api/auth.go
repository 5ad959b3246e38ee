package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/JakeFAU/toolrunner/internal/config"
)

// APIKeyHeader carries the shared API key.
const APIKeyHeader = "X-API-Key"

// Plain-text bodies for rejected requests.
const (
	MessageInvalidAccessToken = "Invalid access token."
	MessageInvalidBearerToken = "Invalid bearer token."
	MessageInvalidAPIKey      = "Invalid API key."
)

// authMiddleware admits a request that presents the configured API key, or a
// bearer JWT signed with HS256 whose access_token claim matches.
func authMiddleware(cfg config.AuthConfig) func(http.Handler) http.Handler {
	secret := []byte(cfg.JWTSecret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.APIKey != "" {
				if key := r.Header.Get(APIKeyHeader); key != "" {
					if equal(key, cfg.APIKey) {
						next.ServeHTTP(w, r)
						return
					}
					http.Error(w, MessageInvalidAPIKey, http.StatusUnauthorized)
					return
				}
				if len(secret) == 0 {
					http.Error(w, MessageInvalidAPIKey, http.StatusUnauthorized)
					return
				}
			}

			claims, err := parseBearer(r.Header.Get("Authorization"), secret)
			if err != nil {
				http.Error(w, MessageInvalidBearerToken, http.StatusUnauthorized)
				return
			}
			token, _ := claims["access_token"].(string)
			if !equal(token, cfg.AccessToken) {
				http.Error(w, MessageInvalidAccessToken, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func parseBearer(header string, secret []byte) (jwt.MapClaims, error) {
	raw, found := strings.CutPrefix(header, "Bearer ")
	if !found || strings.TrimSpace(raw) == "" {
		return nil, errors.New("missing bearer token")
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
