package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kitch-ingest/internal/models"
	"kitch-ingest/internal/persistence"
	"kitch-ingest/internal/session"
	utils "kitch-ingest/pkg/utils"
)

func init() {
	utils.Discard()
}

func TestProvisionCreatesIdleSession(t *testing.T) {
	db := persistence.NewMemoryGateway()
	svc := NewStreamService(db, nil, "rtmp://ingest.example/live/")

	s, err := svc.Provision(context.Background(), "  chan-1 ")
	require.NoError(t, err)
	assert.Len(t, s.SessionKey, 64)
	assert.Equal(t, "chan-1", s.ChannelID)
	assert.Equal(t, models.StreamIdle, s.State)
	assert.Equal(t, "rtmp://ingest.example/live/"+s.SessionKey, svc.PublishURL(s.SessionKey))

	stored, err := db.GetSession(context.Background(), s.SessionKey)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "chan-1", stored.ChannelID)

	_, err = svc.Provision(context.Background(), " ")
	assert.ErrorIs(t, err, ErrInvalidChannel)
}

func TestGetPrefersLiveView(t *testing.T) {
	db := persistence.NewMemoryGateway()
	live := session.NewStore()
	svc := NewStreamService(db, live, "")

	s, err := svc.Provision(context.Background(), "chan-1")
	require.NoError(t, err)

	got, err := svc.Get(context.Background(), s.SessionKey)
	require.NoError(t, err)
	assert.Equal(t, models.StreamIdle, got.State)

	_, err = live.BeginLive(*s, session.RepublishAllow, time.Now())
	require.NoError(t, err)
	got, err = svc.Get(context.Background(), s.SessionKey)
	require.NoError(t, err)
	assert.Equal(t, models.StreamLive, got.State)

	_, err = svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, svc.PublishURL("k"))
}

func TestStreamRoutes(t *testing.T) {
	e := echo.New()
	e.HTTPErrorHandler = utils.CustomHTTPErrorHandler
	svc := NewStreamService(persistence.NewMemoryGateway(), nil, "rtmp://localhost:1935/live")
	NewHandler(svc).RegisterRoutes(e.Group("/api/v1"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/streams", strings.NewReader(`{"channel_id":"c1"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		SessionKey string `json:"session_key"`
		PublishURL string `json:"publish_url"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "rtmp://localhost:1935/live/"+created.SessionKey, created.PublishURL)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/streams/"+created.SessionKey, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/streams/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/streams", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
