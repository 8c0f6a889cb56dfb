// Package security holds the HTTP middleware shared by every route.
package security

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	utils "kitch-ingest/pkg/utils"
)

// Resumable upload headers that browsers must be allowed to send and read.
var (
	uploadRequestHeaders  = []string{"Upload-Offset", "Upload-Length"}
	uploadResponseHeaders = []string{"Upload-Offset", "Upload-Length", "Upload-State", echo.HeaderLocation}
)

// SecurityConfig holds security middleware configuration
type SecurityConfig struct {
	AllowedOrigins []string
	CSPDirectives  string
}

// DefaultSecurityConfig returns production-ready security settings
func DefaultSecurityConfig() *SecurityConfig {
	return &SecurityConfig{
		AllowedOrigins: []string{},
		CSPDirectives:  "default-src 'self'; connect-src 'self'; frame-ancestors 'none';",
	}
}

func SetupSecurityMiddleware(e *echo.Echo, securityConfig *SecurityConfig) {
	if securityConfig == nil {
		securityConfig = DefaultSecurityConfig()
	}

	// Recover first so panics in later middleware are caught too.
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1 << 10, // 1 KB
		LogLevel:  1,       // Error level
	}))

	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string {
			return uuid.New().String()
		},
	}))

	if len(securityConfig.AllowedOrigins) > 0 {
		allowHeaders := append([]string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, "X-Requested-With"}, uploadRequestHeaders...)
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:  securityConfig.AllowedOrigins,
			AllowMethods:  []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
			AllowHeaders:  allowHeaders,
			ExposeHeaders: uploadResponseHeaders,
			MaxAge:        86400, // 24 hours
		}))
	}

	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: securityConfig.CSPDirectives,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
	}))
}

// LoggingMiddleware logs each completed request with its status and latency.
func LoggingMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		req := c.Request()
		res := c.Response()

		err := next(c)

		status := res.Status
		if err != nil {
			status = errorStatus(err)
		}

		entry := utils.WithFields(logrus.Fields{
			"method":     req.Method,
			"path":       req.URL.Path,
			"status":     status,
			"latency":    time.Since(start).String(),
			"remote_ip":  c.RealIP(),
			"request_id": res.Header().Get(echo.HeaderXRequestID),
		})
		switch {
		case status >= 500:
			entry.Error("Request completed")
		case status >= 400:
			entry.Warn("Request completed")
		default:
			entry.Debug("Request completed")
		}
		return err
	}
}

func errorStatus(err error) int {
	var appErr *utils.AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}
