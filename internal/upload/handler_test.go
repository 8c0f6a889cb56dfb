package upload

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	utils "kitch-ingest/pkg/utils"
)

func newTestServer(t *testing.T, mutate func(*Config)) (*echo.Echo, *fixture) {
	t.Helper()
	f := newFixture(t, mutate)
	e := echo.New()
	e.HTTPErrorHandler = utils.CustomHTTPErrorHandler
	NewHandler(f.svc, "/api/v1").RegisterRoutes(e.Group("/api/v1"))
	return e, f
}

func do(e *echo.Echo, method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestUploadProtocolOverHTTP(t *testing.T) {
	e, f := newTestServer(t, nil)

	rec := do(e, http.MethodPost, "/api/v1/uploads", `{"filename":"clip.mp4","content_type":"video/mp4","tags":{"channel":"c1"}}`, map[string]string{
		echo.HeaderContentType: echo.MIMEApplicationJSON,
		HeaderUploadLength:     "300",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		ID       string `json:"id"`
		Location string `json:"location"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "/api/v1/uploads/"+created.ID, created.Location)
	assert.Equal(t, created.Location, rec.Header().Get(echo.HeaderLocation))
	assert.Equal(t, "0", rec.Header().Get(HeaderUploadOffset))

	rec = do(e, http.MethodPatch, created.Location, strings.Repeat("a", 150), map[string]string{HeaderUploadOffset: "0"})
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "150", rec.Header().Get(HeaderUploadOffset))

	rec = do(e, http.MethodPatch, created.Location, strings.Repeat("b", 50), map[string]string{HeaderUploadOffset: "50"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "150", rec.Header().Get(HeaderUploadOffset))

	rec = do(e, http.MethodHead, created.Location, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "150", rec.Header().Get(HeaderUploadOffset))
	assert.Equal(t, "300", rec.Header().Get(HeaderUploadLength))
	assert.Equal(t, "receiving", rec.Header().Get(HeaderUploadState))

	rec = do(e, http.MethodPost, created.Location+"/finalize", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(e, http.MethodPatch, created.Location, strings.Repeat("c", 150), map[string]string{HeaderUploadOffset: "150"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(e, http.MethodPost, created.Location+"/finalize", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"asset_id":"asset-1"`)
	require.Len(t, f.sink.sources, 1)

	rec = do(e, http.MethodGet, created.Location, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "complete", view["state"])
	assert.Equal(t, 100.0, view["percent"])
	assert.NotContains(t, view, "StoragePath")
}

func TestUploadHTTPErrors(t *testing.T) {
	e, _ := newTestServer(t, func(c *Config) { c.MaxSize = 100 })

	rec := do(e, http.MethodPost, "/api/v1/uploads", "", map[string]string{HeaderUploadLength: "101"})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = do(e, http.MethodPost, "/api/v1/uploads", "", map[string]string{HeaderUploadLength: "abc"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodPatch, "/api/v1/uploads/unknown", "x", map[string]string{HeaderUploadOffset: "0"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(e, http.MethodPatch, "/api/v1/uploads/unknown", "x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodHead, "/api/v1/uploads/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUploadAbortOverHTTP(t *testing.T) {
	e, _ := newTestServer(t, nil)

	rec := do(e, http.MethodPost, "/api/v1/uploads", `{"size": 10}`, map[string]string{echo.HeaderContentType: echo.MIMEApplicationJSON})
	require.Equal(t, http.StatusCreated, rec.Code)
	location := rec.Header().Get(echo.HeaderLocation)

	rec = do(e, http.MethodDelete, location, "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(e, http.MethodPatch, location, "x", map[string]string{HeaderUploadOffset: "0"})
	assert.Equal(t, http.StatusGone, rec.Code)
}
