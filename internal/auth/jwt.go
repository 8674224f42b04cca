package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// PreviewClaims are the JWT claims for preview-URL access tokens. A token is
// scoped to one project on one sandbox port so a leaked preview link cannot
// be replayed against another user's app.
type PreviewClaims struct {
	jwt.RegisteredClaims
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id"`
	SandboxID string `json:"sandbox_id"`
	DevPort   int    `json:"dev_port"`
}

// JWTIssuer creates preview-scoped JWTs.
type JWTIssuer struct {
	secret []byte
}

// NewJWTIssuer creates a new JWT issuer with the given shared secret.
func NewJWTIssuer(secret string) *JWTIssuer {
	return &JWTIssuer{secret: []byte(secret)}
}

// IssuePreviewToken creates a JWT granting access to one project preview.
func (j *JWTIssuer) IssuePreviewToken(userID, projectID, sandboxID string, devPort int, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := PreviewClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "appforge",
		},
		UserID:    userID,
		ProjectID: projectID,
		SandboxID: sandboxID,
		DevPort:   devPort,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidatePreviewToken parses and validates a preview-scoped JWT.
func (j *JWTIssuer) ValidatePreviewToken(tokenStr string) (*PreviewClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &PreviewClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*PreviewClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}

// PreviewJWTMiddleware validates preview tokens on preview routes and checks
// that the token's project matches the :id URL param.
func PreviewJWTMiddleware(issuer *JWTIssuer) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			var tokenStr string
			if authHeader := c.Request().Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
				tokenStr = strings.TrimPrefix(authHeader, "Bearer ")
			} else {
				tokenStr = c.QueryParam("token")
			}
			if tokenStr == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "missing preview token",
				})
			}

			claims, err := issuer.ValidatePreviewToken(tokenStr)
			if err != nil {
				return c.JSON(http.StatusForbidden, map[string]string{
					"error": "invalid token: " + err.Error(),
				})
			}

			if projectID := c.Param("id"); projectID != "" && claims.ProjectID != projectID {
				return c.JSON(http.StatusForbidden, map[string]string{
					"error": "token not valid for this project",
				})
			}

			c.Set("user_id", claims.UserID)
			c.Set("sandbox_id", claims.SandboxID)
			c.Set("dev_port", claims.DevPort)

			return next(c)
		}
	}
}
