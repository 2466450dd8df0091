// Package server assembles the portal HTTP API from its stores.
package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/odsaligners-portal/crm-sub003/internal/config"
	"github.com/odsaligners-portal/crm-sub003/internal/domain/patient"
	"github.com/odsaligners-portal/crm-sub003/internal/platform/auth"
	"github.com/odsaligners-portal/crm-sub003/internal/platform/blobstore"
	"github.com/odsaligners-portal/crm-sub003/internal/platform/db"
	"github.com/odsaligners-portal/crm-sub003/internal/platform/middleware"
	"github.com/odsaligners-portal/crm-sub003/internal/platform/notification"
	"github.com/odsaligners-portal/crm-sub003/internal/platform/telemetry"
)

// UploadPath is where multipart uploads are posted; it gets the larger body
// limit.
const UploadPath = "/api/storage/objects"

// ExportPath streams the admin workbook.
const ExportPath = "/api/admin/patients/export"

// Deps are the stores and shared services the API is built from. Thumbs may
// be nil.
type Deps struct {
	Config        *config.Config
	Logger        zerolog.Logger
	Metrics       *telemetry.Provider
	Records       patient.Repository
	Notifications notification.Store
	Pinger        db.Pinger
	Blobs         blobstore.Store
	Ledger        blobstore.OrphanLedger
	Thumbs        *blobstore.Thumbnailer
}

// New returns the configured echo instance with every route mounted.
func New(d Deps) *echo.Echo {
	cfg, logger := d.Config, d.Logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders("/files/"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", "X-Request-ID", "If-Match"},
		ExposeHeaders: []string{"ETag"},
	}))
	e.Use(middleware.BodyLimit("1M", middleware.FormatLimit(cfg.BlobMaxBytes+(1<<20)), UploadPath))
	e.Use(d.Metrics.MetricsMiddleware())
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout, UploadPath, ExportPath))
	}

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	if cfg.IsDev() {
		logger.Warn().Msg("development mode: requests without a bearer token act as admin")
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(cfg.StoreDriver, d.Pinger))
	e.GET("/metrics", d.Metrics.PrometheusHandler())

	blobs := blobstore.NewHandler(d.Blobs, d.Ledger, d.Thumbs, logger, d.Metrics)
	blobs.RegisterPublicRoutes(e.Group("/files"))

	api := e.Group("/api")
	if cfg.RateLimitRPS > 0 {
		api.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
		}))
	}
	notifier := notification.NewManager(d.Notifications, nil, logger, d.Metrics)
	svc := patient.NewService(d.Records, notifier, logger, d.Metrics)
	patient.NewHandler(svc).RegisterRoutes(api)
	blobs.RegisterRoutes(api.Group("/storage"))
	notification.NewHandler(d.Notifications).RegisterRoutes(api.Group("/notifications"))

	return e
}
