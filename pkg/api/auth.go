package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	echo "github.com/labstack/echo/v5"
)

// API-key format: prefix plus at least 12 random characters.
const (
	apiKeyPrefix = "sk_swarm_"
	apiKeyMinLen = 21
)

// Claims carried by a signed bearer token.
type Claims struct {
	Scope  []string `json:"scope,omitempty"`
	Device string   `json:"device,omitempty"`
	jwt.RegisteredClaims
}

// requireAuth returns middleware that accepts either an HMAC-SHA256 signed
// bearer token or a well-formed API key. Everything else is a 401.
func requireAuth(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if key := c.Request().Header.Get("X-API-Key"); key != "" {
				if !validAPIKey(key) {
					return echo.NewHTTPError(http.StatusUnauthorized, "invalid API key")
				}
				return next(c)
			}

			header := c.Request().Header.Get("Authorization")
			if header == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing credentials")
			}
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "malformed authorization header")
			}
			claims, err := parseToken(token, secret)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
			}
			c.Set("subject", claims.Subject)
			return next(c)
		}
	}
}

// validAPIKey checks format only; a key bearing the right prefix and length
// carries the default scope set.
func validAPIKey(key string) bool {
	return strings.HasPrefix(key, apiKeyPrefix) && len(key) > apiKeyMinLen-1
}

// parseToken verifies the token's HMAC-SHA256 signature and expiry.
func parseToken(raw string, secret []byte) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
