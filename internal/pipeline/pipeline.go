// Package pipeline drives per-event processing: resolve the tenant,
// persist the message exactly once, enrich best-effort, and quarantine
// anything that cannot be attributed or stored.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loopmesh/dm-ingest/internal/enrich"
	"github.com/loopmesh/dm-ingest/internal/metrics"
	"github.com/loopmesh/dm-ingest/internal/models"
	"github.com/loopmesh/dm-ingest/internal/persist"
	"github.com/loopmesh/dm-ingest/internal/quarantine"
	"github.com/loopmesh/dm-ingest/internal/resolver"
)

// Pipeline processes normalized events. Events are independent: a
// failure in one never aborts the others, and nothing here surfaces an
// error to the HTTP caller.
type Pipeline struct {
	resolver   *resolver.Resolver
	persister  *persist.Persister
	quarantine quarantine.Writer
	enricher   *enrich.Enricher
	log        *slog.Logger
}

func New(r *resolver.Resolver, p *persist.Persister, q quarantine.Writer, e *enrich.Enricher, log *slog.Logger) *Pipeline {
	return &Pipeline{
		resolver:   r,
		persister:  p,
		quarantine: q,
		enricher:   e,
		log:        log,
	}
}

// Process runs every event in the batch to completion. There is no
// cross-event ordering guarantee; the only contract is at most one
// stored row per platform message id, which the persister enforces.
func (p *Pipeline) Process(ctx context.Context, events []models.MessageEvent) {
	for _, ev := range events {
		p.processOne(ctx, ev)
	}
}

func (p *Pipeline) processOne(ctx context.Context, ev models.MessageEvent) {
	tenantID, err := p.resolver.Resolve(ctx, ev.PlatformAccountID, ev.IsTest)
	if err != nil {
		if !errors.Is(err, resolver.ErrNoMatch) {
			p.log.ErrorContext(ctx, "unexpected resolver error",
				slog.String("platform_account_id", ev.PlatformAccountID),
				slog.String("error", err.Error()),
			)
		}
		p.quarantineEvent(ctx, ev, quarantine.ReasonNoTenantMatch, "no tenant connection matched account "+ev.PlatformAccountID)
		metrics.EventsTotal.WithLabelValues("quarantined").Inc()
		return
	}

	start := time.Now()
	res, err := p.persister.Persist(ctx, tenantID, ev)
	metrics.PersistDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		p.log.ErrorContext(ctx, "failed to persist message",
			slog.String("platform_message_id", ev.PlatformMessageID),
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
		p.quarantineEvent(ctx, ev, quarantine.ReasonPersistFailure, "persist failed: "+err.Error())
		metrics.EventsTotal.WithLabelValues("failed").Inc()
		return
	}

	if res.Duplicate {
		metrics.EventsTotal.WithLabelValues("duplicate").Inc()
	} else {
		metrics.EventsTotal.WithLabelValues("stored").Inc()
	}

	// Enrichment runs for fresh and pre-existing rows alike, and its
	// outcome does not change the persistence result.
	p.enricher.Enrich(ctx, tenantID, ev)
}

func (p *Pipeline) quarantineEvent(ctx context.Context, ev models.MessageEvent, reason, detail string) {
	if p.quarantine == nil {
		return
	}

	entry := &models.QuarantinedEvent{
		PlatformAccountID: ev.PlatformAccountID,
		PlatformMessageID: ev.PlatformMessageID,
		RawPayload:        ev.RawPayload,
		Reason:            reason,
		Detail:            detail,
	}
	if err := p.quarantine.Write(ctx, entry); err != nil {
		// Diagnostic path only: log and move on.
		metrics.QuarantineWriteErrors.Inc()
		p.log.ErrorContext(ctx, "quarantine write failed",
			slog.String("platform_account_id", ev.PlatformAccountID),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return
	}
	metrics.QuarantineWritesTotal.WithLabelValues(reason).Inc()
	p.log.WarnContext(ctx, "event quarantined",
		slog.String("platform_account_id", ev.PlatformAccountID),
		slog.String("platform_message_id", ev.PlatformMessageID),
		slog.String("reason", reason),
		slog.String("detail", detail),
	)
}
