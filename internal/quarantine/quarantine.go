// Package quarantine captures events that failed tenant resolution or
// persistence so no data is silently dropped. The sink is append-only
// and diagnostic: write failures are logged by callers, never
// propagated as pipeline failures.
package quarantine

import (
	"context"

	"github.com/loopmesh/dm-ingest/internal/models"
	"github.com/loopmesh/dm-ingest/internal/store"
)

// Failure reasons recorded with each quarantined event.
const (
	ReasonNoTenantMatch  = "no_tenant_match"
	ReasonPersistFailure = "persist_failure"
)

// Writer appends one quarantine entry.
type Writer interface {
	Write(ctx context.Context, ev *models.QuarantinedEvent) error
}

// StoreWriter persists quarantine entries to the unmatched_events
// table. This is the default backend.
type StoreWriter struct {
	store store.QuarantineStore
}

func NewStoreWriter(s store.QuarantineStore) *StoreWriter {
	return &StoreWriter{store: s}
}

func (w *StoreWriter) Write(ctx context.Context, ev *models.QuarantinedEvent) error {
	return w.store.Append(ctx, ev)
}
