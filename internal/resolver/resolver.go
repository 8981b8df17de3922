// Package resolver maps platform account ids to internal tenants
// through an ordered chain of lookup strategies.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loopmesh/dm-ingest/internal/store"
)

// DefaultStrategyTimeout bounds each individual lookup so one hung
// strategy cannot stall the rest of the delivery.
const DefaultStrategyTimeout = 3 * time.Second

// ErrNoMatch is returned when every strategy in the chain failed to
// resolve the account.
var ErrNoMatch = errors.New("no tenant match")

// StrategyFunc performs one lookup. It returns store.ErrNotFound when
// the strategy simply has no answer; any other error is an internal
// failure of that strategy.
type StrategyFunc func(ctx context.Context, platformAccountID string) (string, error)

// Strategy is one entry of the resolution chain.
type Strategy struct {
	Name string

	// TestOnly strategies run exclusively for events tagged with the
	// sentinel account id. Running them for a real unmatched id would
	// attribute a customer's message to an arbitrary tenant.
	TestOnly bool

	Fn StrategyFunc
}

// Resolver executes strategies in order; the first success wins.
// Internal lookup errors, timeouts, and panics degrade to "this
// strategy failed" and the chain moves on. Nothing escapes Resolve
// except a tenant id or ErrNoMatch.
type Resolver struct {
	strategies []Strategy
	timeout    time.Duration
	log        *slog.Logger
}

func New(log *slog.Logger, timeout time.Duration, strategies ...Strategy) *Resolver {
	if timeout <= 0 {
		timeout = DefaultStrategyTimeout
	}
	return &Resolver{
		strategies: strategies,
		timeout:    timeout,
		log:        log,
	}
}

// NewChain builds the production strategy chain:
//  1. exact connection-directory lookup, most recently updated wins
//  2. exact lookup in the historical sync-state table
//  3. sentinel-only fallback to the most recently updated connection
func NewChain(log *slog.Logger, timeout time.Duration, dir store.ConnectionDirectory, sync store.SyncStateStore) *Resolver {
	return New(log, timeout,
		Strategy{
			Name: "connection-directory",
			Fn: func(ctx context.Context, accountID string) (string, error) {
				c, err := dir.MostRecentByAccount(ctx, accountID)
				if err != nil {
					return "", err
				}
				return c.TenantID, nil
			},
		},
		Strategy{
			Name: "sync-state",
			Fn: func(ctx context.Context, accountID string) (string, error) {
				return sync.TenantByAccount(ctx, accountID)
			},
		},
		Strategy{
			Name:     "sentinel-any-connection",
			TestOnly: true,
			Fn: func(ctx context.Context, accountID string) (string, error) {
				c, err := dir.MostRecent(ctx)
				if err != nil {
					return "", err
				}
				log.WarnContext(ctx, "test event attributed to most recently synced connection",
					slog.String("tenant_id", c.TenantID),
					slog.String("connection_account_id", c.PlatformAccountID),
				)
				return c.TenantID, nil
			},
		},
	)
}

// Resolve returns the tenant id for the account, or ErrNoMatch.
func (r *Resolver) Resolve(ctx context.Context, platformAccountID string, isTest bool) (string, error) {
	for _, s := range r.strategies {
		if s.TestOnly && !isTest {
			continue
		}

		tenantID, err := r.invoke(ctx, s, platformAccountID)
		if err == nil {
			r.log.DebugContext(ctx, "tenant resolved",
				slog.String("strategy", s.Name),
				slog.String("platform_account_id", platformAccountID),
				slog.String("tenant_id", tenantID),
			)
			return tenantID, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			r.log.WarnContext(ctx, "resolution strategy failed",
				slog.String("strategy", s.Name),
				slog.String("platform_account_id", platformAccountID),
				slog.String("error", err.Error()),
			)
		}
	}
	return "", ErrNoMatch
}

func (r *Resolver) invoke(ctx context.Context, s Strategy, accountID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type result struct {
		tenantID string
		err      error
	}
	done := make(chan result, 1)
	go func() {
		// A panicking lookup counts as a failed strategy, not a
		// failed delivery.
		defer func() {
			if rec := recover(); rec != nil {
				done <- result{"", fmt.Errorf("strategy %s panicked: %v", s.Name, rec)}
			}
		}()
		id, lookupErr := s.Fn(ctx, accountID)
		done <- result{id, lookupErr}
	}()

	select {
	case res := <-done:
		return res.tenantID, res.err
	case <-ctx.Done():
		return "", fmt.Errorf("strategy %s: %w", s.Name, ctx.Err())
	}
}
