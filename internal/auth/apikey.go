package auth

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
)

// KeyChecker validates a plaintext API key against persisted key hashes.
// Implemented by *db.Store.
type KeyChecker interface {
	ValidateAPIKey(ctx context.Context, key string) error
}

// APIKeyMiddleware validates the X-API-Key header against the configured key.
// If the configured key is empty, authentication is disabled (development mode).
func APIKeyMiddleware(apiKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if apiKey == "" {
				return next(c)
			}

			provided := extractKey(c)
			if provided == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "missing API key",
				})
			}

			if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				return c.JSON(http.StatusForbidden, map[string]string{
					"error": "invalid API key",
				})
			}

			return next(c)
		}
	}
}

// StoreAPIKeyMiddleware validates API keys against the persisted key table,
// accepting the static key as well when one is configured. With no store it
// degrades to APIKeyMiddleware.
func StoreAPIKeyMiddleware(keys KeyChecker, staticKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if keys == nil {
				return APIKeyMiddleware(staticKey)(next)(c)
			}

			provided := extractKey(c)
			if provided == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "missing API key",
				})
			}

			if staticKey != "" && subtle.ConstantTimeCompare([]byte(provided), []byte(staticKey)) == 1 {
				return next(c)
			}
			if err := keys.ValidateAPIKey(c.Request().Context(), provided); err != nil {
				return c.JSON(http.StatusForbidden, map[string]string{
					"error": "invalid API key",
				})
			}
			return next(c)
		}
	}
}

func extractKey(c echo.Context) string {
	key := c.Request().Header.Get("X-API-Key")
	if key == "" {
		key = c.QueryParam("api_key")
	}
	return key
}
