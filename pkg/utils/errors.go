package pkg

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

type AppError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	return e.Message
}

// Predefined errors
var (
	ErrUploadNotFound = &AppError{
		Code:    http.StatusNotFound,
		Message: "Upload not found",
	}

	ErrOffsetConflict = &AppError{
		Code:    http.StatusConflict,
		Message: "Upload offset does not match received bytes",
	}

	ErrUploadTooLarge = &AppError{
		Code:    http.StatusRequestEntityTooLarge,
		Message: "Declared upload size exceeds the maximum",
	}

	ErrUploadIncomplete = &AppError{
		Code:    http.StatusConflict,
		Message: "Upload is not complete",
	}

	ErrUploadGone = &AppError{
		Code:    http.StatusGone,
		Message: "Upload was aborted",
	}

	ErrInsufficientStorage = &AppError{
		Code:    http.StatusInsufficientStorage,
		Message: "Not enough scratch space for upload",
	}

	ErrStreamNotFound = &AppError{
		Code:    http.StatusNotFound,
		Message: "Stream session not found",
	}

	ErrValidationFailed = &AppError{
		Code:    http.StatusBadRequest,
		Message: "Validation failed",
	}

	ErrInternalServer = &AppError{
		Code:    http.StatusInternalServerError,
		Message: "Internal server error",
	}
)

func NewAppError(code int, message string, details ...string) *AppError {
	err := &AppError{
		Code:    code,
		Message: message,
	}
	if len(details) > 0 {
		err.Details = details[0]
	}
	return err
}

func NewValidationError(message string) *AppError {
	return &AppError{
		Code:    http.StatusBadRequest,
		Message: message,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Code:    http.StatusInternalServerError,
		Message: message,
	}
}

// WithDetails returns a copy of a predefined error carrying details, so the
// shared values are never mutated.
func (e *AppError) WithDetails(details string) *AppError {
	return &AppError{Code: e.Code, Message: e.Message, Details: details}
}

// CustomHTTPErrorHandler handles errors across the application
func CustomHTTPErrorHandler(err error, c echo.Context) {
	var appErr *AppError
	var he *echo.HTTPError

	switch {
	case errors.As(err, &appErr):
	case errors.As(err, &he):
		appErr = &AppError{
			Code:    he.Code,
			Message: fmt.Sprintf("%v", he.Message),
		}
	default:
		appErr = ErrInternalServer.WithDetails(err.Error())
	}

	WithFields(map[string]interface{}{
		"error":  err.Error(),
		"code":   appErr.Code,
		"path":   c.Request().URL.Path,
		"method": c.Request().Method,
	}).Error("HTTP Error")

	// Don't expose internal error details in production
	if appErr.Code == http.StatusInternalServerError {
		appErr = &AppError{Code: appErr.Code, Message: appErr.Message}
	}

	if c.Response().Committed {
		return
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(appErr.Code)
		return
	}
	_ = c.JSON(appErr.Code, appErr)
}

// SplitString splits a comma-separated string into a slice, trimming whitespace
func SplitString(input string) []string {
	if input == "" {
		return []string{}
	}

	parts := strings.Split(input, ",")
	result := make([]string, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
