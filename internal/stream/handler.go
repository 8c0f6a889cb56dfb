package stream

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	utils "kitch-ingest/pkg/utils"
)

type Handler struct {
	service *StreamService
}

func NewHandler(service *StreamService) *Handler {
	return &Handler{
		service: service,
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	streams := g.Group("/streams")
	streams.POST("", h.CreateSession)
	streams.GET("/:key", h.GetSession)
}

// CreateSession provisions a new session key for a channel.
func (h *Handler) CreateSession(c echo.Context) error {
	var request struct {
		ChannelID string `json:"channel_id"`
	}
	if err := c.Bind(&request); err != nil {
		return utils.ErrValidationFailed.WithDetails("invalid request body")
	}

	session, err := h.service.Provision(c.Request().Context(), request.ChannelID)
	if errors.Is(err, ErrInvalidChannel) {
		return utils.NewValidationError(err.Error())
	}
	if err != nil {
		utils.GetLogger().Errorf("Failed to provision stream session: %v", err)
		return utils.NewInternalError("Failed to provision stream session")
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"session_key": session.SessionKey,
		"channel_id":  session.ChannelID,
		"state":       session.State,
		"publish_url": h.service.PublishURL(session.SessionKey),
	})
}

func (h *Handler) GetSession(c echo.Context) error {
	session, err := h.service.Get(c.Request().Context(), c.Param("key"))
	if errors.Is(err, ErrNotFound) {
		return utils.ErrStreamNotFound
	}
	if err != nil {
		utils.GetLogger().Errorf("Failed to load stream session: %v", err)
		return utils.NewInternalError("Failed to load stream session")
	}
	return c.JSON(http.StatusOK, session)
}
