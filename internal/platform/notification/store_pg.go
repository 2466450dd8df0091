package notification

import (
	"context"
	"fmt"
	"time"

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

// PGStore keeps notifications in the notification table.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

const notificationCols = `id::text, recipient_id, recipient_role, kind, title, message,
	COALESCE(record_id::text, ''), case_id, read_at, created_at`

// recipientClause matches rows addressed to the user id ($1) or one of the roles ($2).
const recipientClause = `((recipient_id <> '' AND recipient_id = $1) OR (recipient_role <> '' AND recipient_role = ANY($2)))`

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (s *PGStore) Create(ctx context.Context, n *Notification) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO notification (id, recipient_id, recipient_role, kind, title, message, record_id, case_id, read_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		n.ID, n.RecipientID, n.RecipientRole, string(n.Kind), n.Title, n.Message,
		nullable(n.RecordID), n.CaseID, n.ReadAt, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PGStore) List(ctx context.Context, r Recipient, f ListFilter) ([]*Notification, int, error) {
	where := recipientClause
	if f.UnreadOnly {
		where += ` AND read_at IS NULL`
	}
	roles := roleList(r)

	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM notification WHERE `+where, r.UserID, roles).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+notificationCols+` FROM notification WHERE `+where+`
		ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4`, r.UserID, roles, limit, f.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var items []*Notification
	for rows.Next() {
		var n Notification
		var kind string
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.RecipientRole, &kind, &n.Title, &n.Message,
			&n.RecordID, &n.CaseID, &n.ReadAt, &n.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan notification: %w", err)
		}
		n.Kind = Kind(kind)
		items = append(items, &n)
	}
	return items, total, rows.Err()
}

func (s *PGStore) MarkRead(ctx context.Context, r Recipient, id string, at time.Time) error {
	var found bool
	err := s.conn(ctx).QueryRow(ctx, `
		WITH target AS (
			SELECT id FROM notification WHERE id::text = $3 AND `+recipientClause+`
		), upd AS (
			UPDATE notification SET read_at = $4
			WHERE id IN (SELECT id FROM target) AND read_at IS NULL
		)
		SELECT EXISTS (SELECT 1 FROM target)`, r.UserID, roleList(r), id, at).Scan(&found)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) MarkAllRead(ctx context.Context, r Recipient, at time.Time) (int, error) {
	tag, err := s.conn(ctx).Exec(ctx, `UPDATE notification SET read_at = $3 WHERE read_at IS NULL AND `+recipientClause,
		r.UserID, roleList(r), at)
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func roleList(r Recipient) []string {
	if r.Roles == nil {
		return []string{}
	}
	return r.Roles
}
