package patient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/odsaligners-portal/crm-sub003/internal/platform/auth"
	"github.com/odsaligners-portal/crm-sub003/pkg/pagination"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Scope is one role-specific API surface over the same records.
type Scope struct {
	Base     string
	Role     string
	OwnOnly  bool
	ReadOnly bool
	Admin    bool
}

// Scopes lists the role scopes mounted under /api.
var Scopes = []Scope{
	{Base: "/patients", Role: auth.RoleDoctor, OwnOnly: true},
	{Base: "/admin/patients", Role: auth.RoleAdmin, Admin: true},
	{Base: "/distributor/patients", Role: auth.RoleDistributor, OwnOnly: true},
	{Base: "/planner/patients", Role: auth.RolePlanner, ReadOnly: true},
}

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	for _, s := range Scopes {
		g := api.Group(s.Base, auth.RequireRole(s.Role))
		g.GET("", h.List(s))
		g.GET("/update-details", h.GetDetails(s))
		if !s.ReadOnly {
			g.POST("/create-patient-record", h.Create(s))
			g.PUT("/update-details", h.UpdateDetails(s))
		}
		if s.Admin {
			g.GET("/export", h.Export(s))
			g.DELETE("/:id", h.Delete)
		}
	}
}

func actorFor(c echo.Context, s Scope) Actor {
	ctx := c.Request().Context()
	return Actor{UserID: auth.UserIDFromContext(ctx), Role: s.Role, OwnOnly: s.OwnOnly}
}

func recordID(c echo.Context) (uuid.UUID, error) {
	raw := c.QueryParam("id")
	if raw == "" {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func decodeBody(c echo.Context) (map[string]json.RawMessage, error) {
	var body map[string]json.RawMessage
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "request body must be a JSON object")
	}
	return body, nil
}

func etag(version int) string {
	return fmt.Sprintf(`"%d"`, version)
}

// ifMatchVersion returns the version named by If-Match, or 0 when absent.
func ifMatchVersion(c echo.Context) (int, error) {
	raw := strings.TrimSpace(c.Request().Header.Get("If-Match"))
	if raw == "" || raw == "*" {
		return 0, nil
	}
	raw = strings.Trim(strings.TrimPrefix(raw, "W/"), `"`)
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid If-Match header")
	}
	return v, nil
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Patient record not found or you don't have permission")
	case errors.Is(err, ErrVersionConflict):
		return echo.NewHTTPError(http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, ErrInvalidField):
		return echo.NewHTTPError(http.StatusBadRequest, strings.TrimPrefix(err.Error(), ErrInvalidField.Error()+": "))
	default:
		return err
	}
}

// -- Patient Record Handlers --

func (h *Handler) Create(s Scope) echo.HandlerFunc {
	return func(c echo.Context) error {
		body, err := decodeBody(c)
		if err != nil {
			return err
		}
		fields, err := ParseCreate(body)
		if err != nil {
			return mapError(err)
		}
		rec, err := h.svc.Create(c.Request().Context(), actorFor(c, s), fields)
		if err != nil {
			return mapError(err)
		}
		c.Response().Header().Set("ETag", etag(rec.Version))
		return c.JSON(http.StatusCreated, rec)
	}
}

func (h *Handler) GetDetails(s Scope) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := recordID(c)
		if err != nil {
			return err
		}
		rec, err := h.svc.Get(c.Request().Context(), actorFor(c, s), id)
		if err != nil {
			return mapError(err)
		}
		c.Response().Header().Set("ETag", etag(rec.Version))
		return c.JSON(http.StatusOK, rec)
	}
}

func (h *Handler) UpdateDetails(s Scope) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := recordID(c)
		if err != nil {
			return err
		}
		expected, err := ifMatchVersion(c)
		if err != nil {
			return err
		}
		body, err := decodeBody(c)
		if err != nil {
			return err
		}
		fields, err := ParsePatch(body)
		if err != nil {
			return mapError(err)
		}
		rec, err := h.svc.Update(c.Request().Context(), actorFor(c, s), id, fields, expected)
		if err != nil {
			return mapError(err)
		}
		c.Response().Header().Set("ETag", etag(rec.Version))
		return c.JSON(http.StatusOK, rec)
	}
}

func listFilter(c echo.Context, pg pagination.Params) (ListFilter, error) {
	f := ListFilter{Search: c.QueryParam("search"), Limit: pg.Limit, Offset: pg.Offset}
	switch st := Status(c.QueryParam("status")); st {
	case "", StatusDraft, StatusSubmitted:
		f.Status = st
	default:
		return f, echo.NewHTTPError(http.StatusBadRequest, "status must be draft or submitted")
	}
	return f, nil
}

func (h *Handler) List(s Scope) echo.HandlerFunc {
	return func(c echo.Context) error {
		pg := pagination.FromContext(c)
		f, err := listFilter(c, pg)
		if err != nil {
			return err
		}
		records, total, err := h.svc.List(c.Request().Context(), actorFor(c, s), f)
		if err != nil {
			return err
		}
		if records == nil {
			records = []*Record{}
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(records, total, pg))
	}
}

func (h *Handler) Export(s Scope) echo.HandlerFunc {
	return func(c echo.Context) error {
		f, err := listFilter(c, pagination.Params{})
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		if _, err := h.svc.Export(c.Request().Context(), actorFor(c, s), f, &buf); err != nil {
			return err
		}
		filename := fmt.Sprintf("patients_%s.xlsx", time.Now().UTC().Format("20060102_150405"))
		c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%s", filename))
		return c.Blob(http.StatusOK, xlsxContentType, buf.Bytes())
	}
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
