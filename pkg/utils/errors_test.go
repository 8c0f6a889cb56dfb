package pkg

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	Discard()
}

func serveError(t *testing.T, method string, err error) (*httptest.ResponseRecorder, AppError) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(method, "/x", nil), rec)
	CustomHTTPErrorHandler(err, c)

	var body AppError
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestCustomHTTPErrorHandlerHidesInternalDetails(t *testing.T) {
	rec, body := serveError(t, http.MethodGet, errors.New("pq: connection refused"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, ErrInternalServer.Message, body.Message)
	assert.Empty(t, body.Details)
}

func TestCustomHTTPErrorHandlerKeepsAppErrors(t *testing.T) {
	rec, body := serveError(t, http.MethodPost, ErrValidationFailed.WithDetails("invalid request body"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Validation failed", body.Message)
	assert.Equal(t, "invalid request body", body.Details)
	assert.Empty(t, ErrValidationFailed.Details)
}

func TestCustomHTTPErrorHandlerMapsEchoErrors(t *testing.T) {
	rec, body := serveError(t, http.MethodGet, echo.NewHTTPError(http.StatusMethodNotAllowed, "nope"))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "nope", body.Message)
}

func TestCustomHTTPErrorHandlerHeadHasNoBody(t *testing.T) {
	rec, _ := serveError(t, http.MethodHead, ErrUploadNotFound)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, rec.Body.Len())
}
