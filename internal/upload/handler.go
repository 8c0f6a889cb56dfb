package upload

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"kitch-ingest/internal/models"
	utils "kitch-ingest/pkg/utils"
)

const (
	HeaderUploadOffset = "Upload-Offset"
	HeaderUploadLength = "Upload-Length"
	HeaderUploadState  = "Upload-State"
)

type Handler struct {
	service *Service
	prefix  string
}

// NewHandler serves the upload protocol. prefix is the public path of the
// group the routes are registered on, used to build Location headers.
func NewHandler(service *Service, prefix string) *Handler {
	return &Handler{service: service, prefix: strings.TrimSuffix(prefix, "/")}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/uploads", h.Create)
	g.PATCH("/uploads/:id", h.Append)
	g.HEAD("/uploads/:id", h.Head)
	g.GET("/uploads/:id", h.Get)
	g.POST("/uploads/:id/finalize", h.Finalize)
	g.DELETE("/uploads/:id", h.Abort)
}

type createRequest struct {
	Size        int64             `json:"size"`
	Filename    string            `json:"filename"`
	ContentType string            `json:"content_type"`
	Tags        map[string]string `json:"tags"`
}

type uploadView struct {
	models.UploadSession
	Percent float64 `json:"percent"`
}

// Create declares a new upload.
func (h *Handler) Create(c echo.Context) error {
	var request createRequest
	if err := c.Bind(&request); err != nil {
		return utils.ErrValidationFailed.WithDetails("invalid request body")
	}
	if raw := c.Request().Header.Get(HeaderUploadLength); raw != "" {
		size, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return utils.NewValidationError("Invalid Upload-Length header")
		}
		request.Size = size
	}

	u, err := h.service.Create(c.Request().Context(), CreateRequest{
		Size:        request.Size,
		Filename:    request.Filename,
		ContentType: request.ContentType,
		Tags:        request.Tags,
	})
	if err != nil {
		return toAppError(err)
	}

	location := h.prefix + "/uploads/" + u.ID
	c.Response().Header().Set(echo.HeaderLocation, location)
	setUploadHeaders(c, u)
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"id":       u.ID,
		"location": location,
		"upload":   u,
	})
}

// Append writes the request body at Upload-Offset.
func (h *Handler) Append(c echo.Context) error {
	offset, err := strconv.ParseInt(c.Request().Header.Get(HeaderUploadOffset), 10, 64)
	if err != nil || offset < 0 {
		return utils.NewValidationError("Missing or invalid Upload-Offset header")
	}

	u, err := h.service.AppendChunk(c.Request().Context(), c.Param("id"), offset, c.Request().Body)
	if u.ID != "" {
		setUploadHeaders(c, u)
	}
	if err != nil {
		return toAppError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Head reports the received byte count so a client can resume.
func (h *Handler) Head(c echo.Context) error {
	u, err := h.service.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toAppError(err)
	}
	setUploadHeaders(c, u)
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.NoContent(http.StatusOK)
}

func (h *Handler) Get(c echo.Context) error {
	u, err := h.service.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toAppError(err)
	}
	setUploadHeaders(c, u)
	return c.JSON(http.StatusOK, uploadView{UploadSession: u, Percent: u.Percent()})
}

func (h *Handler) Finalize(c echo.Context) error {
	u, asset, err := h.service.Finalize(c.Request().Context(), c.Param("id"))
	if err != nil {
		if u.ID != "" {
			setUploadHeaders(c, u)
		}
		return toAppError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"upload_id": u.ID,
		"asset_id":  asset.ID,
		"state":     u.State,
	})
}

func (h *Handler) Abort(c echo.Context) error {
	if err := h.service.Abort(c.Request().Context(), c.Param("id")); err != nil {
		return toAppError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func setUploadHeaders(c echo.Context, u models.UploadSession) {
	header := c.Response().Header()
	header.Set(HeaderUploadOffset, strconv.FormatInt(u.ReceivedSize, 10))
	header.Set(HeaderUploadLength, strconv.FormatInt(u.DeclaredSize, 10))
	header.Set(HeaderUploadState, string(u.State))
}

func toAppError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return utils.ErrUploadNotFound
	case errors.Is(err, ErrInvalidSize):
		return utils.NewValidationError(err.Error())
	case errors.Is(err, ErrTooLarge):
		return utils.ErrUploadTooLarge
	case errors.Is(err, ErrOverflow):
		return utils.ErrUploadTooLarge.WithDetails(err.Error())
	case errors.Is(err, ErrContentType):
		return utils.NewAppError(http.StatusUnsupportedMediaType, "Content type not allowed")
	case errors.Is(err, ErrInsufficientSpace):
		return utils.ErrInsufficientStorage
	case errors.Is(err, ErrOffsetMismatch):
		return utils.ErrOffsetConflict
	case errors.Is(err, ErrIncomplete):
		return utils.ErrUploadIncomplete
	case errors.Is(err, ErrAborted):
		return utils.ErrUploadGone
	case errors.Is(err, ErrAlreadyComplete), errors.Is(err, ErrBusy):
		return utils.NewAppError(http.StatusConflict, "Upload is no longer writable", err.Error())
	}
	return err
}
