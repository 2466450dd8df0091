package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/odsaligners-portal/crm-sub003/internal/config"
	"github.com/odsaligners-portal/crm-sub003/internal/domain/patient"
	"github.com/odsaligners-portal/crm-sub003/internal/platform/blobstore"
	"github.com/odsaligners-portal/crm-sub003/internal/platform/cache"
	"github.com/odsaligners-portal/crm-sub003/internal/platform/db"
	"github.com/odsaligners-portal/crm-sub003/internal/platform/docdb"
	"github.com/odsaligners-portal/crm-sub003/internal/platform/notification"
	"github.com/odsaligners-portal/crm-sub003/internal/platform/telemetry"
)

// thumbnailMaxSide bounds the longer edge of generated image previews.
const thumbnailMaxSide = 320

// backends holds the stores selected by configuration.
type backends struct {
	records       patient.Repository
	notifications notification.Store
	pinger        db.Pinger
	blobs         blobstore.Store
	ledger        blobstore.OrphanLedger
	thumbs        *blobstore.Thumbnailer

	closers []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

type alwaysUp struct{}

func (alwaysUp) Ping(context.Context) error { return nil }

func openBackends(ctx context.Context, cfg *config.Config, logger zerolog.Logger, metrics *telemetry.Provider) (*backends, error) {
	be := &backends{}
	if err := be.openRecords(ctx, cfg, logger); err != nil {
		be.Close()
		return nil, err
	}
	if err := be.openBlobs(ctx, cfg, logger); err != nil {
		be.Close()
		return nil, err
	}
	return be, nil
}

func (b *backends) openRecords(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		b.closers = append(b.closers, pool.Close)
		b.records = patient.NewPGRepo(pool)
		b.notifications = notification.NewPGStore(pool)
		b.pinger = pool
		logger.Info().Str("schema", cfg.DBSchema).Msg("connected to postgres")

	case config.DriverMongo:
		client, err := docdb.Connect(ctx, cfg.MongoURL, cfg.MongoDB)
		if err != nil {
			return fmt.Errorf("failed to connect to mongo: %w", err)
		}
		b.closers = append(b.closers, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Close(closeCtx)
		})
		database := client.Database()
		if err := patient.EnsureMongoIndexes(ctx, database); err != nil {
			return err
		}
		store := notification.NewMongoStore(database)
		if err := store.EnsureIndexes(ctx); err != nil {
			return err
		}
		b.records = patient.NewMongoRepo(database)
		b.notifications = store
		b.pinger = client
		logger.Info().Str("database", cfg.MongoDB).Msg("connected to mongo")

	default:
		b.records = patient.NewMemoryRepo()
		b.notifications = notification.NewMemoryStore()
		b.pinger = alwaysUp{}
		logger.Warn().Msg("using in-memory record store; data is lost on restart")
	}
	return nil
}

func (b *backends) openBlobs(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	switch cfg.BlobDriver {
	case config.DriverGCS:
		store, err := blobstore.NewGCSStore(ctx, blobstore.GCSConfig{
			Bucket:          cfg.GCSBucket,
			CredentialsFile: cfg.GCSCredentials,
			MaxSize:         cfg.BlobMaxBytes,
		})
		if err != nil {
			return fmt.Errorf("failed to open bucket: %w", err)
		}
		b.closers = append(b.closers, func() { _ = store.Close() })
		b.blobs = store
	case config.DriverLocal:
		store, err := blobstore.NewLocalStore(cfg.BlobLocalDir, cfg.BlobPublicBaseURL, cfg.BlobMaxBytes)
		if err != nil {
			return err
		}
		b.blobs = store
	default:
		b.blobs = blobstore.NewMemoryStore(cfg.BlobPublicBaseURL, cfg.BlobMaxBytes)
	}

	if cfg.ThumbnailsEnabled {
		b.thumbs = blobstore.NewThumbnailer(b.blobs, thumbnailMaxSide)
	}

	if cfg.RedisURL != "" {
		rdb, err := cache.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, func() { _ = rdb.Close() })
		b.ledger = blobstore.NewRedisOrphanLedger(rdb, "aligner:orphans")
		logger.Info().Msg("orphan ledger in redis")
	} else {
		b.ledger = blobstore.NewMemoryOrphanLedger()
	}
	return nil
}
