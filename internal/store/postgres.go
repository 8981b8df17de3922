package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loopmesh/dm-ingest/internal/models"
)

// PostgreSQL error codes recognized by the idempotent insert path.
const (
	pgUniqueViolation       = "23505"
	pgInvalidConflictTarget = "42P10" // no unique constraint matches ON CONFLICT
)

// Postgres implements all store contracts on a single pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() { s.pool.Close() }

// Ping reports database reachability for readiness checks.
func (s *Postgres) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Postgres) MostRecentByAccount(ctx context.Context, platformAccountID string) (*models.TenantConnection, error) {
	q := `SELECT tenant_id, platform_account_id, last_synced_at, last_event_at
	      FROM tenant_connections
	      WHERE platform_account_id = $1
	      ORDER BY last_synced_at DESC
	      LIMIT 1`
	return s.scanConnection(s.pool.QueryRow(ctx, q, platformAccountID))
}

func (s *Postgres) MostRecent(ctx context.Context) (*models.TenantConnection, error) {
	q := `SELECT tenant_id, platform_account_id, last_synced_at, last_event_at
	      FROM tenant_connections
	      ORDER BY last_synced_at DESC
	      LIMIT 1`
	return s.scanConnection(s.pool.QueryRow(ctx, q))
}

func (s *Postgres) scanConnection(row pgx.Row) (*models.TenantConnection, error) {
	var c models.TenantConnection
	var lastEventAt *time.Time
	err := row.Scan(&c.TenantID, &c.PlatformAccountID, &c.LastSyncedAt, &lastEventAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan connection: %w", err)
	}
	c.LastEventAt = lastEventAt
	return &c, nil
}

func (s *Postgres) TouchLastEvent(ctx context.Context, platformAccountID string) error {
	q := `UPDATE tenant_connections SET last_event_at = now() WHERE platform_account_id = $1`
	if _, err := s.pool.Exec(ctx, q, platformAccountID); err != nil {
		return fmt.Errorf("touch last event: %w", err)
	}
	return nil
}

func (s *Postgres) TenantByAccount(ctx context.Context, platformAccountID string) (string, error) {
	q := `SELECT tenant_id FROM account_sync_state WHERE platform_account_id = $1 LIMIT 1`
	var tenantID string
	if err := s.pool.QueryRow(ctx, q, platformAccountID).Scan(&tenantID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("sync state lookup: %w", err)
	}
	return tenantID, nil
}

// rowQuerier is the slice of the pool the keyed insert path needs.
// It lets the conflict-target fallback be exercised without a live
// database.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Insert stores the message keyed on platform_message_id.
func (s *Postgres) Insert(ctx context.Context, msg *models.StoredMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	// Messages without a platform id cannot be deduplicated; store them
	// under their surrogate id only.
	if msg.PlatformMessageID == "" {
		return s.insertPlain(ctx, msg)
	}
	return insertKeyed(ctx, s.pool, msg)
}

// insertKeyed dedupes on the single-column key. Some deployments
// predate that unique constraint and only carry the composite
// (tenant_id, platform_message_id) key, so when PostgreSQL rejects the
// conflict target the insert is retried against the composite key.
// This is a structural fallback, not a retry on transient errors.
func insertKeyed(ctx context.Context, q rowQuerier, msg *models.StoredMessage) error {
	err := insertOnConflict(ctx, q, msg, "(platform_message_id)")
	if isInvalidConflictTarget(err) {
		err = insertOnConflict(ctx, q, msg, "(tenant_id, platform_message_id)")
	}
	if isUniqueViolation(err) {
		return ErrDuplicateMessage
	}
	return err
}

func insertOnConflict(ctx context.Context, q rowQuerier, msg *models.StoredMessage, conflictTarget string) error {
	sql := fmt.Sprintf(`INSERT INTO messages (
	        id, tenant_id, platform_message_id, sender_id, recipient_id,
	        text, attachments, occurred_at, raw_event, created_at
	    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	    ON CONFLICT %s DO NOTHING
	    RETURNING id`, conflictTarget)

	var id string
	err := q.QueryRow(ctx, sql,
		msg.ID, msg.TenantID, msg.PlatformMessageID, msg.SenderID, msg.RecipientID,
		msg.Text, msg.Attachments, msg.OccurredAt, msg.RawEvent, msg.CreatedAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict fired: the row already exists.
		return ErrDuplicateMessage
	}
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *Postgres) insertPlain(ctx context.Context, msg *models.StoredMessage) error {
	q := `INSERT INTO messages (
	        id, tenant_id, platform_message_id, sender_id, recipient_id,
	        text, attachments, occurred_at, raw_event, created_at
	    ) VALUES ($1,$2,NULL,$3,$4,$5,$6,$7,$8,$9)`
	_, err := s.pool.Exec(ctx, q,
		msg.ID, msg.TenantID, msg.SenderID, msg.RecipientID,
		msg.Text, msg.Attachments, msg.OccurredAt, msg.RawEvent, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *Postgres) AttachProfiles(ctx context.Context, platformMessageID, senderName, recipientName string) error {
	q := `UPDATE messages SET sender_name = $2, recipient_name = $3 WHERE platform_message_id = $1`
	if _, err := s.pool.Exec(ctx, q, platformMessageID, senderName, recipientName); err != nil {
		return fmt.Errorf("attach profiles: %w", err)
	}
	return nil
}

func (s *Postgres) Append(ctx context.Context, ev *models.QuarantinedEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CapturedAt.IsZero() {
		ev.CapturedAt = time.Now().UTC()
	}
	q := `INSERT INTO unmatched_events (
	        id, platform_account_id, platform_message_id, raw_payload, reason, detail, captured_at
	    ) VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := s.pool.Exec(ctx, q,
		ev.ID, ev.PlatformAccountID, ev.PlatformMessageID, ev.RawPayload, ev.Reason, ev.Detail, ev.CapturedAt,
	)
	if err != nil {
		return fmt.Errorf("append unmatched event: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, ErrDuplicateMessage) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func isInvalidConflictTarget(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgInvalidConflictTarget
}
