// Package store defines the persistence contracts the pipeline
// depends on and provides PostgreSQL and in-memory implementations.
package store

import (
	"context"
	"errors"

	"github.com/loopmesh/dm-ingest/internal/models"
)

var (
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateMessage is returned by MessageStore.Insert when a row
	// for the same platform message id already exists. Callers treat it
	// as success, not failure.
	ErrDuplicateMessage = errors.New("duplicate message")
)

// ConnectionDirectory is the read side of the tenant connection table
// owned by the connection-management service.
type ConnectionDirectory interface {
	// MostRecentByAccount returns the most recently updated connection
	// for the given platform account id.
	MostRecentByAccount(ctx context.Context, platformAccountID string) (*models.TenantConnection, error)

	// MostRecent returns the most recently updated connection across
	// all accounts. Only the sentinel-id fallback strategy uses this.
	MostRecent(ctx context.Context) (*models.TenantConnection, error)

	// TouchLastEvent records that a webhook event arrived for the
	// account. Best effort; the pipeline logs and ignores failures.
	TouchLastEvent(ctx context.Context, platformAccountID string) error
}

// SyncStateStore covers accounts whose canonical linkage still lives
// in the historical sync-state table rather than the directory.
type SyncStateStore interface {
	TenantByAccount(ctx context.Context, platformAccountID string) (string, error)
}

// MessageStore is the durable event store for inbound messages.
type MessageStore interface {
	// Insert stores the message exactly once. A pre-existing row for
	// the same platform message id yields ErrDuplicateMessage.
	Insert(ctx context.Context, msg *models.StoredMessage) error

	// AttachProfiles sets resolved display names on an existing row.
	AttachProfiles(ctx context.Context, platformMessageID, senderName, recipientName string) error
}

// QuarantineStore is the append-only sink for events that failed
// resolution or persistence.
type QuarantineStore interface {
	Append(ctx context.Context, ev *models.QuarantinedEvent) error
}
