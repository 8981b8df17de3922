// Package enrich attaches best-effort display identities to stored
// messages. Everything here is allowed to fail: enrichment never
// changes the outcome of the primary write.
package enrich

import (
	"context"
	"log/slog"
	"time"

	"github.com/loopmesh/dm-ingest/internal/metrics"
	"github.com/loopmesh/dm-ingest/internal/models"
	"github.com/loopmesh/dm-ingest/internal/ratelimit"
	"github.com/loopmesh/dm-ingest/internal/store"
)

// DefaultTimeout bounds one enrichment pass.
const DefaultTimeout = 5 * time.Second

type Enricher struct {
	resolver ProfileResolver
	cache    *ProfileCache
	messages store.MessageStore
	limiter  ratelimit.RateLimiter
	timeout  time.Duration
	log      *slog.Logger
}

func New(resolver ProfileResolver, cache *ProfileCache, messages store.MessageStore, limiter ratelimit.RateLimiter, timeout time.Duration, log *slog.Logger) *Enricher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if limiter == nil {
		limiter = &ratelimit.NoOpRateLimiter{}
	}
	return &Enricher{
		resolver: resolver,
		cache:    cache,
		messages: messages,
		limiter:  limiter,
		timeout:  timeout,
		log:      log,
	}
}

// Enrich resolves sender and recipient display names and attaches them
// to the stored row. All failures are swallowed after logging; the
// method has no error return on purpose.
func (e *Enricher) Enrich(ctx context.Context, tenantID string, ev models.MessageEvent) {
	if e == nil || e.resolver == nil {
		return
	}
	if ev.PlatformMessageID == "" {
		// Nothing to attach names to without a stable key.
		return
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	senderName := e.resolveName(ctx, ev.PlatformAccountID, ev.SenderID)
	recipientName := e.resolveName(ctx, ev.PlatformAccountID, ev.RecipientID)
	if senderName == "" && recipientName == "" {
		metrics.EnrichmentsTotal.WithLabelValues("skipped").Inc()
		return
	}

	if err := e.messages.AttachProfiles(ctx, ev.PlatformMessageID, senderName, recipientName); err != nil {
		metrics.EnrichmentsTotal.WithLabelValues("failed").Inc()
		e.log.DebugContext(ctx, "failed to attach profiles",
			slog.String("platform_message_id", ev.PlatformMessageID),
			slog.String("error", err.Error()),
		)
		return
	}
	metrics.EnrichmentsTotal.WithLabelValues("attached").Inc()
}

func (e *Enricher) resolveName(ctx context.Context, platformAccountID, userID string) string {
	if userID == "" {
		return ""
	}

	if cached, err := e.cache.Get(ctx, platformAccountID, userID); err == nil && cached != nil {
		metrics.EnrichmentsTotal.WithLabelValues("cache_hit").Inc()
		return cached.Name
	} else if err != nil {
		e.log.DebugContext(ctx, "profile cache error", slog.String("error", err.Error()))
	}

	// Outbound lookups share a budget against the platform API.
	allowed, err := e.limiter.Allow(ctx, platformAccountID)
	if err != nil || !allowed {
		return ""
	}

	profile, err := e.resolver.Lookup(ctx, platformAccountID, userID)
	if err != nil {
		e.log.DebugContext(ctx, "profile lookup failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return ""
	}

	if err := e.cache.Set(ctx, platformAccountID, profile); err != nil {
		e.log.DebugContext(ctx, "profile cache write failed", slog.String("error", err.Error()))
	}
	return profile.Name
}
