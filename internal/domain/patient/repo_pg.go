package patient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odsaligners-portal/crm-sub003/internal/platform/db"
)

type queryable interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// -- Patient Record Repository --

type recordRepoPG struct {
	pool *pgxpool.Pool
}

func NewPGRepo(pool *pgxpool.Pool) Repository {
	return &recordRepoPG{pool: pool}
}

func (r *recordRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const recordCols = `id, case_id, owner_id, status, version, details, created_at, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var status string
	var details []byte
	err := row.Scan(&rec.ID, &rec.CaseID, &rec.OwnerID, &status, &rec.Version, &details, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.Status = Status(status)
	if rec.Fields, err = DecodeStored(details); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *recordRepoPG) Create(ctx context.Context, rec *Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Status == "" {
		rec.Status = StatusDraft
	}
	if rec.Fields == nil {
		rec.Fields = Fields{}
	}
	details, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}

	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient_record (id, case_id, owner_id, status, details)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		RETURNING version, created_at, updated_at`,
		rec.ID, rec.CaseID, rec.OwnerID, string(rec.Status), string(details),
	).Scan(&rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateCaseID
		}
		return fmt.Errorf("insert patient record: %w", err)
	}
	return nil
}

func (r *recordRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+` FROM patient_record WHERE id = $1`, id))
}

// Patch merges top-level keys with the jsonb || operator, so keys absent
// from fields keep their stored values.
func (r *recordRepoPG) Patch(ctx context.Context, id uuid.UUID, fields Fields, status Status, expectedVersion int) (*Record, error) {
	patch, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode patch: %w", err)
	}

	rec, err := scanRecord(r.conn(ctx).QueryRow(ctx, `
		UPDATE patient_record
		SET details = details || $2::jsonb,
			status = COALESCE(NULLIF($3, ''), status),
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND ($4 = 0 OR version = $4)
		RETURNING `+recordCols,
		id, string(patch), string(status), expectedVersion,
	))
	if errors.Is(err, ErrNotFound) && expectedVersion > 0 {
		var exists bool
		if qerr := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM patient_record WHERE id = $1)`, id).Scan(&exists); qerr != nil {
			return nil, fmt.Errorf("check patient record: %w", qerr)
		}
		if exists {
			return nil, ErrVersionConflict
		}
	}
	return rec, err
}

func (r *recordRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM patient_record WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete patient record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *recordRepoPG) List(ctx context.Context, f ListFilter) ([]*Record, int, error) {
	var conds []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.OwnerID != "" {
		add("owner_id = $%d", f.OwnerID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		args = append(args, "%"+strings.ToLower(s)+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf("(lower(details->>'patientName') LIKE $%d OR lower(case_id) LIKE $%d)", n, n))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patient_record`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count patient records: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit, f.Offset)
	query := fmt.Sprintf(`SELECT `+recordCols+` FROM patient_record%s ORDER BY created_at DESC, case_id DESC LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args))

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list patient records: %w", err)
	}
	defer rows.Close()

	var items []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}

func (r *recordRepoPG) ReferencesFileKey(ctx context.Context, key string) (bool, error) {
	var found bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM patient_record p,
				jsonb_each(CASE WHEN jsonb_typeof(p.details->'scanFiles') = 'object' THEN p.details->'scanFiles' ELSE '{}'::jsonb END) AS s(slot, files),
				jsonb_array_elements(CASE WHEN jsonb_typeof(s.files) = 'array' THEN s.files ELSE '[]'::jsonb END) AS f(file)
			WHERE f.file->>'fileKey' = $1
		)`, key).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("check file reference: %w", err)
	}
	return found, nil
}
