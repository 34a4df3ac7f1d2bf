package audit

import (
	"context"
	"database/sql"
	"errors"

	"linguist-desk/pkg/utils"
)

const schema = `
CREATE TABLE IF NOT EXISTS desk_audit_events (
	id               UUID PRIMARY KEY,
	desk_session_id  TEXT NOT NULL,
	type             TEXT NOT NULL,
	actor_user_id    TEXT NOT NULL DEFAULT '',
	actor_role       TEXT NOT NULL DEFAULT '',
	ip_address       TEXT NOT NULL DEFAULT '',
	leg_id           TEXT NOT NULL DEFAULT '',
	booking_ref      TEXT NOT NULL DEFAULT '',
	phone            TEXT NOT NULL DEFAULT '',
	duration_seconds INTEGER NOT NULL DEFAULT 0,
	message          TEXT NOT NULL DEFAULT '',
	metadata         JSONB,
	created_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS desk_audit_events_session_idx
	ON desk_audit_events (desk_session_id, created_at);
`

const insertEvent = `
INSERT INTO desk_audit_events
	(id, desk_session_id, type, actor_user_id, actor_role, ip_address,
	 leg_id, booking_ref, phone, duration_seconds, message, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

const appendAttempts = 3

// PostgresRepo appends events through database/sql using the pgx driver.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) (*PostgresRepo, error) {
	if db == nil {
		return nil, errors.New("audit: db is required")
	}
	return &PostgresRepo{db: db}, nil
}

// EnsureSchema creates the audit table when missing.
func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, schema)
		return err
	})
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	return utils.WithRetryTx(ctx, r.db, nil, appendAttempts, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, insertEvent,
			e.ID, e.DeskSessionID, string(e.Type), e.ActorUserID, e.ActorRole, e.IPAddress,
			e.LegID, e.BookingRef, e.Phone, e.DurationSeconds, e.Message, nullJSON(e.Metadata), e.CreatedAt,
		)
		return err
	})
}

func nullJSON(s string) any {
	if s == "" {
		return nil
	}
	return s
}
