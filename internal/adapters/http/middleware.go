package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/ports"
)

const (
	headerRequestID = "X-Request-Id"
	ctxRequestID    = "request_id"
	ctxUserID       = "user_id"
	ctxVerified     = "verified"
)

// RequestIDMiddleware ensures every request has a unique X-Request-Id.
func RequestIDMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(headerRequestID)
			if id == "" {
				id = uuid.NewString()
			}
			c.Response().Header().Set(headerRequestID, id)
			c.Set(ctxRequestID, id)
			return next(c)
		}
	}
}

// LoggingMiddleware logs each request with structured fields.
func LoggingMiddleware(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("request",
				"request_id", c.Get(ctxRequestID),
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"signed_in", userID(c) != "",
				"latency_ms", time.Since(start).Milliseconds(),
			)
			return err
		}
	}
}

var errBadToken = errors.New("invalid bearer token")

// AuthMiddleware resolves the caller's user id.
//
// With a secret, a bearer token must be an HS256 JWT signed with it; its
// subject is the user and a User-ID header naming someone else is
// rejected. Without a secret the User-ID header is trusted as is, which is
// only suitable for local development. Requests without credentials pass
// through as anonymous.
func AuthMiddleware(secret []byte) echo.MiddlewareFunc {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	keyFunc := func(*jwt.Token) (any, error) { return secret, nil }

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := strings.TrimSpace(c.Request().Header.Get(ports.HeaderUserID))
			if len(secret) == 0 {
				c.Set(ctxUserID, header)
				return next(c)
			}

			c.Set(ctxVerified, true)
			raw, ok := strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
			if !ok || strings.TrimSpace(raw) == "" {
				c.Set(ctxUserID, "")
				return next(c)
			}
			claims := jwt.RegisteredClaims{}
			if _, err := parser.ParseWithClaims(strings.TrimSpace(raw), &claims, keyFunc); err != nil {
				return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: errBadToken.Error()})
			}
			if claims.Subject == "" || (header != "" && header != claims.Subject) {
				return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: errBadToken.Error()})
			}
			c.Set(ctxUserID, claims.Subject)
			return next(c)
		}
	}
}

// verified reports whether callers are identified by signed tokens rather
// than by the User-ID header.
func verified(c echo.Context) bool {
	v, _ := c.Get(ctxVerified).(bool)
	return v
}

func userID(c echo.Context) string {
	id, _ := c.Get(ctxUserID).(string)
	return id
}
