// Package handlers registers the ops HTTP endpoints: liveness and profile
// binding administration.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/skamalj/router-agent/internal/db"
	"github.com/skamalj/router-agent/internal/identity"
)

// ProfilesHandler administers channel bindings: registering a channel user id
// under a profile and inspecting a profile's bindings.
type ProfilesHandler struct {
	service *identity.Service
	logger  *slog.Logger
}

// NewProfilesHandler creates a profiles handler.
func NewProfilesHandler(log *slog.Logger, service *identity.Service) *ProfilesHandler {
	return &ProfilesHandler{
		service: service,
		logger:  log.With(slog.String("handler", "profiles")),
	}
}

// Register mounts the profile binding routes.
func (h *ProfilesHandler) Register(e *echo.Echo) {
	e.POST("/profiles/bindings", h.RegisterBinding)
	e.GET("/profiles/:profile_id/bindings", h.ListBindings)
	e.GET("/bindings/:channel_user_id", h.ResolveBinding)
}

// RegisterBinding binds a channel user id to a profile.
func (h *ProfilesHandler) RegisterBinding(c echo.Context) error {
	var req identity.RegisterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	binding, err := h.service.Register(c.Request().Context(), req)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return echo.NewHTTPError(http.StatusConflict, "channel user id already bound")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, binding)
}

// ListBindings returns all bindings of a profile.
func (h *ProfilesHandler) ListBindings(c echo.Context) error {
	profileID := strings.TrimSpace(c.Param("profile_id"))
	if profileID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "profile id is required")
	}
	bindings, err := h.service.Bindings(c.Request().Context(), profileID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, bindings)
}

// ResolveBinding returns the profile id bound to a channel user id.
func (h *ProfilesHandler) ResolveBinding(c echo.Context) error {
	channelUserID := strings.TrimSpace(c.Param("channel_user_id"))
	if channelUserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "channel user id is required")
	}
	profileID, err := h.service.Resolve(c.Request().Context(), channelUserID)
	if err != nil {
		if errors.Is(err, identity.ErrProfileNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "no profile bound")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"profile_id": profileID})
}
