package blobstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/odsaligners-portal/crm-sub003/internal/casefields"
	"github.com/odsaligners-portal/crm-sub003/internal/platform/auth"
	"github.com/odsaligners-portal/crm-sub003/internal/platform/telemetry"
)

// Handler serves /api/storage and the public /files download route.
type Handler struct {
	store   Store
	ledger  OrphanLedger
	thumbs  *Thumbnailer
	logger  zerolog.Logger
	metrics *telemetry.Provider
}

// NewHandler wires the storage endpoints. thumbs may be nil to skip previews.
func NewHandler(store Store, ledger OrphanLedger, thumbs *Thumbnailer, logger zerolog.Logger, metrics *telemetry.Provider) *Handler {
	return &Handler{
		store:   store,
		ledger:  ledger,
		thumbs:  thumbs,
		logger:  logger.With().Str("component", "blobstore").Logger(),
		metrics: metrics,
	}
}

// RegisterRoutes mounts the authenticated storage API on g (/api/storage).
func (h *Handler) RegisterRoutes(g *echo.Group) {
	uploaders := auth.RequireRole(auth.RoleDoctor, auth.RoleDistributor)
	g.POST("/objects", h.Upload, uploaders)
	g.DELETE("/objects", h.Delete, uploaders)
	g.POST("/orphans", h.ReportOrphans, uploaders)
}

// RegisterPublicRoutes mounts GET /* on g, which is expected at /files.
func (h *Handler) RegisterPublicRoutes(g *echo.Group) {
	g.GET("/*", h.Download)
}

// UploadResponse is the body of a successful upload.
type UploadResponse struct {
	FileURL      string    `json:"fileUrl"`
	FileKey      string    `json:"fileKey"`
	UploadedAt   time.Time `json:"uploadedAt"`
	ThumbnailURL string    `json:"thumbnailUrl,omitempty"`
}

type orphanReport struct {
	Keys   []string `json:"keys"`
	Reason string   `json:"reason"`
}

func (h *Handler) Upload(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	if file.Filename == "" {
		return echo.NewHTTPError(http.StatusBadRequest, ErrMissingFileName.Error())
	}
	if !casefields.IsStorable(file.Filename) {
		return echo.NewHTTPError(http.StatusUnsupportedMediaType,
			fmt.Sprintf("%s: .%s", ErrExtensionNotAllowed, casefields.Extension(file.Filename)))
	}

	key, err := NewKey(c.FormValue("folder"), file.Filename, time.Now())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	src, err := file.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to open uploaded file")
	}
	defer src.Close()

	ctx := c.Request().Context()
	userID := auth.UserIDFromContext(ctx)
	meta, err := h.store.Put(ctx, ObjectMeta{
		Key:         key,
		FileName:    file.Filename,
		ContentType: ContentTypeFor(file.Filename),
		CreatedBy:   userID,
	}, src)
	if err != nil {
		switch {
		case errors.Is(err, ErrFileTooLarge):
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
		case errors.Is(err, ErrMissingFileName), errors.Is(err, ErrInvalidKey):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		default:
			return fmt.Errorf("store upload: %w", err)
		}
	}

	class := "model"
	if casefields.IsImage(file.Filename) {
		class = "image"
	}
	h.metrics.ObjectStored(class, meta.Size)
	h.logger.Info().Str("key", meta.Key).Str("user_id", userID).Int64("size", meta.Size).Msg("object stored")

	resp := UploadResponse{FileURL: h.store.URL(meta.Key), FileKey: meta.Key, UploadedAt: meta.CreatedAt}
	if h.thumbs != nil && class == "image" {
		thumb, err := h.thumbs.Generate(ctx, meta.Key, userID)
		if err != nil {
			h.logger.Warn().Err(err).Str("key", meta.Key).Msg("thumbnail generation failed")
		} else {
			resp.ThumbnailURL = h.store.URL(thumb.Key)
		}
	}
	return c.JSON(http.StatusCreated, resp)
}

// Delete removes the object named by ?key=. Only its creator or an admin may
// delete it; anyone else gets 403 so the client never mistakes a refusal for
// an object that is already gone.
func (h *Handler) Delete(c echo.Context) error {
	key := c.QueryParam("key")
	if key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "key is required")
	}
	ctx := c.Request().Context()

	meta, err := h.store.Stat(ctx, key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "object not found")
		}
		return fmt.Errorf("stat object: %w", err)
	}
	userID := auth.UserIDFromContext(ctx)
	if !canManage(ctx, meta, userID) {
		return echo.NewHTTPError(http.StatusForbidden, ErrNotOwner.Error())
	}

	if err := h.store.Delete(ctx, key); err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "object not found")
		}
		return fmt.Errorf("delete object: %w", err)
	}
	if err := h.store.Delete(ctx, ThumbnailKey(key)); err != nil && !errors.Is(err, ErrObjectNotFound) {
		h.logger.Warn().Err(err).Str("key", key).Msg("thumbnail delete failed")
	}

	h.metrics.ObjectDeleted()
	h.logger.Info().Str("key", key).Str("user_id", userID).Msg("object deleted")
	return c.NoContent(http.StatusNoContent)
}

// ReportOrphans records keys the client uploaded but could not attach to a
// record. Keys that no longer exist are skipped; keys uploaded by someone
// else are refused.
func (h *Handler) ReportOrphans(c echo.Context) error {
	var body orphanReport
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(body.Keys) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "keys is required")
	}
	reason := body.Reason
	if reason == "" {
		reason = "unreferenced upload"
	}

	ctx := c.Request().Context()
	userID := auth.UserIDFromContext(ctx)
	now := time.Now().UTC()
	candidates := make([]OrphanCandidate, 0, len(body.Keys))
	for _, key := range body.Keys {
		if err := ValidKey(key); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid key %q", key))
		}
		meta, err := h.store.Stat(ctx, key)
		if errors.Is(err, ErrObjectNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("stat object: %w", err)
		}
		if !canManage(ctx, meta, userID) {
			return echo.NewHTTPError(http.StatusForbidden, fmt.Sprintf("%s: %s", ErrNotOwner, key))
		}
		candidates = append(candidates, OrphanCandidate{Key: key, Reason: reason, ReportedBy: userID, ReportedAt: now})
	}

	if len(candidates) > 0 {
		if err := h.ledger.Add(ctx, candidates...); err != nil {
			return fmt.Errorf("record orphans: %w", err)
		}
		h.metrics.OrphanCandidates(len(candidates))
		h.logger.Warn().Int("count", len(candidates)).Str("user_id", userID).Str("reason", reason).Msg("orphan candidates reported")
	}
	return c.JSON(http.StatusAccepted, map[string]int{"accepted": len(candidates)})
}

// canManage reports whether the caller may delete or report the object.
func canManage(ctx context.Context, meta *ObjectMeta, userID string) bool {
	return meta.CreatedBy == userID || auth.HasRole(ctx, auth.RoleAdmin)
}

func (h *Handler) Download(c echo.Context) error {
	key := c.Param("*")
	if ValidKey(key) != nil {
		return echo.NewHTTPError(http.StatusNotFound, "object not found")
	}
	rc, meta, err := h.store.Get(c.Request().Context(), key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "object not found")
		}
		return fmt.Errorf("open object: %w", err)
	}
	defer rc.Close()

	hdr := c.Response().Header()
	hdr.Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	hdr.Set("Cache-Control", "private, max-age=86400")
	if meta.Hash != "" {
		hdr.Set("ETag", `"`+meta.Hash+`"`)
	}
	return c.Stream(http.StatusOK, meta.ContentType, rc)
}
