package notification

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/odsaligners-portal/crm-sub003/internal/platform/auth"
)

// Handler exposes the caller's notification feed over HTTP via Echo.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes registers the feed routes on g (/api/notifications).
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("", h.HandleList)
	g.POST("/read-all", h.HandleReadAll)
	g.POST("/:id/read", h.HandleRead)
}

type listResponse struct {
	Items  []*Notification `json:"items"`
	Total  int             `json:"total"`
	Unread bool            `json:"unreadOnly"`
}

func recipientFrom(c echo.Context) (Recipient, error) {
	ctx := c.Request().Context()
	r := Recipient{UserID: auth.UserIDFromContext(ctx), Roles: auth.RolesFromContext(ctx)}
	if r.UserID == "" && len(r.Roles) == 0 {
		return r, echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	return r, nil
}

// HandleList handles GET /notifications?unread=true&limit=&offset=.
func (h *Handler) HandleList(c echo.Context) error {
	r, err := recipientFrom(c)
	if err != nil {
		return err
	}
	unread, _ := strconv.ParseBool(c.QueryParam("unread"))
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}

	items, total, err := h.store.List(c.Request().Context(), r, ListFilter{UnreadOnly: unread, Limit: limit, Offset: offset})
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Notification{}
	}
	return c.JSON(http.StatusOK, listResponse{Items: items, Total: total, Unread: unread})
}

// HandleRead handles POST /notifications/:id/read.
func (h *Handler) HandleRead(c echo.Context) error {
	r, err := recipientFrom(c)
	if err != nil {
		return err
	}
	if err := h.store.MarkRead(c.Request().Context(), r, c.Param("id"), time.Now().UTC()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "notification not found")
		}
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleReadAll handles POST /notifications/read-all.
func (h *Handler) HandleReadAll(c echo.Context) error {
	r, err := recipientFrom(c)
	if err != nil {
		return err
	}
	n, err := h.store.MarkAllRead(c.Request().Context(), r, time.Now().UTC())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"updated": n})
}
