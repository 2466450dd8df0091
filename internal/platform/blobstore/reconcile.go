package blobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/odsaligners-portal/crm-sub003/internal/platform/telemetry"
)

// ReferenceChecker reports whether any persisted patient record still points
// at a stored key through its scanFiles.
type ReferenceChecker interface {
	ReferencesFileKey(ctx context.Context, key string) (bool, error)
}

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Checked    int `json:"checked"`
	Deleted    int `json:"deleted"`
	Referenced int `json:"referenced"`
	Failed     int `json:"failed"`
}

// Reconciler deletes orphan candidates that no record references once they
// have aged past a grace period. Referenced candidates are dropped from the
// ledger and kept in storage. Failed candidates stay in the ledger for the
// next pass.
type Reconciler struct {
	store   Store
	ledger  OrphanLedger
	refs    ReferenceChecker
	logger  zerolog.Logger
	metrics *telemetry.Provider
	now     func() time.Time
}

func NewReconciler(store Store, ledger OrphanLedger, refs ReferenceChecker, logger zerolog.Logger, metrics *telemetry.Provider) *Reconciler {
	return &Reconciler{
		store:   store,
		ledger:  ledger,
		refs:    refs,
		logger:  logger.With().Str("component", "reconciler").Logger(),
		metrics: metrics,
		now:     time.Now,
	}
}

// Run processes up to batch candidates reported at least grace ago.
func (r *Reconciler) Run(ctx context.Context, grace time.Duration, batch int) (*ReconcileResult, error) {
	if batch <= 0 {
		batch = 500
	}
	due, err := r.ledger.Due(ctx, r.now().Add(-grace), batch)
	if err != nil {
		return nil, fmt.Errorf("load due candidates: %w", err)
	}

	res := &ReconcileResult{}
	var resolved []string
	for _, c := range due {
		if err := ctx.Err(); err != nil {
			break
		}
		res.Checked++

		referenced, err := r.refs.ReferencesFileKey(ctx, c.Key)
		if err != nil {
			res.Failed++
			r.metrics.OrphanReconciled("failed")
			r.logger.Error().Err(err).Str("key", c.Key).Msg("reference check failed")
			continue
		}
		if referenced {
			res.Referenced++
			resolved = append(resolved, c.Key)
			r.metrics.OrphanReconciled("referenced")
			continue
		}

		if err := r.store.Delete(ctx, c.Key); err != nil && !errors.Is(err, ErrObjectNotFound) {
			res.Failed++
			r.metrics.OrphanReconciled("failed")
			r.logger.Error().Err(err).Str("key", c.Key).Msg("delete orphan failed")
			continue
		}
		if err := r.store.Delete(ctx, ThumbnailKey(c.Key)); err != nil && !errors.Is(err, ErrObjectNotFound) {
			r.logger.Warn().Err(err).Str("key", c.Key).Msg("delete orphan thumbnail failed")
		}

		res.Deleted++
		resolved = append(resolved, c.Key)
		r.metrics.OrphanReconciled("deleted")
		r.metrics.ObjectDeleted()
		r.logger.Info().Str("key", c.Key).Str("reason", c.Reason).Str("reported_by", c.ReportedBy).Msg("orphan deleted")
	}

	if err := r.ledger.Remove(ctx, resolved...); err != nil {
		return res, fmt.Errorf("clear resolved candidates: %w", err)
	}
	return res, nil
}
