package rtmp

import (
	"net/http"

	"github.com/labstack/echo/v4"

	utils "kitch-ingest/pkg/utils"
)

type Handler struct {
	server *Server
}

func NewHandler(server *Server) *Handler {
	return &Handler{
		server: server,
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	r := g.Group("/rtmp")
	r.GET("/status", h.GetStatus)
	r.GET("/streams", h.GetStreams)
	r.GET("/streams/:key", h.GetStream)
	r.GET("/connections", h.GetConnections)
}

// GetStatus returns the RTMP server status
func (h *Handler) GetStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status": "running",
		"type":   "joy5",
		"stats":  h.server.GetStats(),
		"config": h.server.GetConfig(),
	})
}

// GetStreams returns every session seen since startup, live or not.
func (h *Handler) GetStreams(c echo.Context) error {
	streams := h.server.gateway.Sessions()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"streams": streams,
		"count":   len(streams),
	})
}

func (h *Handler) GetStream(c echo.Context) error {
	key := c.Param("key")

	stream, exists := h.server.gateway.Session(key)
	if !exists {
		return utils.ErrStreamNotFound
	}
	return c.JSON(http.StatusOK, stream)
}

// GetConnections returns all active connections
func (h *Handler) GetConnections(c echo.Context) error {
	connections := h.server.GetConnections()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"connections": connections,
		"count":       len(connections),
	})
}
