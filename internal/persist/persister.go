// Package persist writes resolved message events to the durable event
// store with exactly-once semantics per platform message id.
package persist

import (
	"context"
	"errors"
	"log/slog"

	"github.com/loopmesh/dm-ingest/internal/models"
	"github.com/loopmesh/dm-ingest/internal/store"
)

// Result describes the outcome of one persist call.
type Result struct {
	// Duplicate is true when a row for the same platform message id
	// already existed. Enrichment still runs for that row.
	Duplicate bool
}

// Persister stores messages and bumps the owning connection's
// last-event timestamp. Concurrency safety comes entirely from the
// store's unique-constraint enforcement; there is no locking here.
type Persister struct {
	messages  store.MessageStore
	directory store.ConnectionDirectory
	log       *slog.Logger
}

func New(messages store.MessageStore, directory store.ConnectionDirectory, log *slog.Logger) *Persister {
	return &Persister{
		messages:  messages,
		directory: directory,
		log:       log,
	}
}

// Persist ensures exactly one stored row exists for the event's
// platform message id once this call and any concurrent duplicates
// complete. A duplicate is success, not an error.
func (p *Persister) Persist(ctx context.Context, tenantID string, ev models.MessageEvent) (Result, error) {
	msg := &models.StoredMessage{
		TenantID:          tenantID,
		PlatformMessageID: ev.PlatformMessageID,
		SenderID:          ev.SenderID,
		RecipientID:       ev.RecipientID,
		Text:              ev.Text,
		Attachments:       ev.Attachments,
		OccurredAt:        ev.OccurredAt,
		RawEvent:          ev.RawPayload,
	}

	err := p.messages.Insert(ctx, msg)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrDuplicateMessage):
		p.log.DebugContext(ctx, "duplicate delivery ignored",
			slog.String("platform_message_id", ev.PlatformMessageID),
			slog.String("tenant_id", tenantID),
		)
		return Result{Duplicate: true}, nil
	default:
		return Result{}, err
	}

	// Side effect only; losing it never fails the write.
	if err := p.directory.TouchLastEvent(ctx, ev.PlatformAccountID); err != nil {
		p.log.WarnContext(ctx, "failed to touch connection last-event timestamp",
			slog.String("platform_account_id", ev.PlatformAccountID),
			slog.String("error", err.Error()),
		)
	}

	return Result{}, nil
}
