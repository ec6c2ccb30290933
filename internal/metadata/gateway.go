// Package metadata coordinates the Comick metadata pipeline: the
// Cloudflare-aware gateway, the candidate matcher and the per-title
// coordinator that drives cover and details generation.
package metadata

import (
	"context"
	"log/slog"
	"time"

	"github.com/sawamura-io/ssmerge/internal/comick"
	"github.com/sawamura-io/ssmerge/internal/flaresolverr"
	"github.com/sawamura-io/ssmerge/internal/state"
)

// GatewayConfig configures NewGateway.
type GatewayConfig struct {
	// Direct is the plain Comick client.
	Direct *comick.Client
	// Solver routes blocked requests through FlareSolverr; nil disables
	// the fallback.
	Solver *flaresolverr.Client
	// Store persists the sticky fallback deadline across restarts.
	Store *state.Store
	// DirectRetryInterval is how long the fallback stays sticky after a
	// block is detected.
	DirectRetryInterval time.Duration
	// Logger receives routing events. Defaults to slog.Default().
	Logger *slog.Logger
	// Now overrides the clock; used by tests. Defaults to time.Now.
	Now func() time.Time
}

// Gateway decides per call whether a Comick request goes through the direct
// client or through FlareSolverr. A Cloudflare block makes the fallback
// sticky until blockDetectedAt + DirectRetryInterval; the deadline is
// persisted so it survives restarts.
type Gateway struct {
	direct        *comick.Client
	solver        *flaresolverr.Client
	store         *state.Store
	retryInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// NewGateway wires the routing state machine.
func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Gateway{
		direct:        cfg.Direct,
		solver:        cfg.Solver,
		store:         cfg.Store,
		retryInterval: cfg.DirectRetryInterval,
		logger:        logger,
		now:           now,
	}
}

// Search routes one candidate search.
func (g *Gateway) Search(ctx context.Context, query string) comick.SearchResult {
	raw := g.roundTrip(ctx, g.direct.SearchURL(query))
	if raw.Outcome != comick.FetchSuccess {
		return comick.SearchResult{Outcome: raw.Outcome, StatusCode: raw.StatusCode, Diagnostic: raw.Diagnostic}
	}

	candidates, decodeErr := comick.DecodeSearch(raw.Body)
	if decodeErr != nil {
		return comick.SearchResult{
			Outcome:    comick.FetchMalformedPayload,
			StatusCode: raw.StatusCode,
			Diagnostic: decodeErr.Error(),
		}
	}

	return comick.SearchResult{
		Outcome:    comick.FetchSuccess,
		Candidates: candidates,
		StatusCode: raw.StatusCode,
	}
}

// Detail routes one per-slug detail fetch.
func (g *Gateway) Detail(ctx context.Context, slug string) comick.DetailResult {
	raw := g.roundTrip(ctx, g.direct.DetailURL(slug))
	if raw.Outcome != comick.FetchSuccess {
		return comick.DetailResult{Outcome: raw.Outcome, StatusCode: raw.StatusCode, Diagnostic: raw.Diagnostic}
	}

	comic, decodeErr := comick.DecodeDetail(raw.Body)
	if decodeErr != nil {
		return comick.DetailResult{
			Outcome:    comick.FetchMalformedPayload,
			StatusCode: raw.StatusCode,
			Diagnostic: decodeErr.Error(),
		}
	}

	return comick.DetailResult{
		Outcome:    comick.FetchSuccess,
		Comic:      comic,
		StatusCode: raw.StatusCode,
	}
}

// roundTrip applies the sticky state machine to one target URL.
func (g *Gateway) roundTrip(ctx context.Context, target string) comick.RawResult {
	requestStart := g.now()

	sticky := g.store.Read().StickyFlaresolverrUntilUtc

	if sticky != nil && requestStart.Before(*sticky) && g.solver != nil {
		g.logger.Debug("metadata.cloudflare.fallback.sticky_route",
			slog.Time("sticky_until", *sticky),
			slog.String("url", target))

		return g.viaSolver(ctx, target)
	}

	raw := g.direct.Get(ctx, target)

	if raw.Outcome != comick.FetchCloudflareBlocked {
		g.clearExpiredSticky(g.now())

		return raw
	}

	// Anchor the sticky window on when the block was observed, not on
	// when the request started.
	blockDetectedAt := g.now()

	if g.solver == nil {
		g.logger.Warn("metadata.cloudflare.fallback.unavailable",
			slog.String("url", target),
			slog.String("diagnostic", raw.Diagnostic))

		return raw
	}

	solved := g.viaSolver(ctx, target)

	if solved.Outcome == comick.FetchSuccess {
		until := blockDetectedAt.Add(g.retryInterval)
		g.persistSticky(until)

		g.logger.Warn("metadata.cloudflare.fallback.activated",
			slog.Time("sticky_until", until),
			slog.String("url", target))
	}

	return solved
}

// viaSolver fetches through FlareSolverr and maps the result onto the
// Comick outcome vocabulary.
func (g *Gateway) viaSolver(ctx context.Context, target string) comick.RawResult {
	result := g.solver.Fetch(ctx, target)

	switch result.Outcome {
	case flaresolverr.OutcomeSuccess:
		body := []byte(result.Body)
		if comick.BodyLooksBlocked(body) {
			return comick.RawResult{
				Outcome:    comick.FetchCloudflareBlocked,
				Diagnostic: "solver returned challenge page",
			}
		}

		return comick.RawResult{Outcome: comick.FetchSuccess, Body: body, StatusCode: 200}
	case flaresolverr.OutcomeCancelled:
		return comick.RawResult{Outcome: comick.FetchCancelled, Diagnostic: result.Diagnostic}
	default:
		return comick.RawResult{
			Outcome:    comick.FetchTransportFailure,
			Diagnostic: "flaresolverr: " + result.Diagnostic,
		}
	}
}

// clearExpiredSticky removes a sticky deadline that is not after the
// post-direct timestamp. A deadline set concurrently but already stale is
// cleared the same way; a fresh future deadline is left alone.
func (g *Gateway) clearExpiredSticky(postDirect time.Time) {
	current := g.store.Read().StickyFlaresolverrUntilUtc
	if current == nil || current.After(postDirect) {
		return
	}

	cleared := false

	transformErr := g.store.Transform(func(snap state.Snapshot) state.Snapshot {
		if snap.StickyFlaresolverrUntilUtc != nil && !snap.StickyFlaresolverrUntilUtc.After(postDirect) {
			snap.StickyFlaresolverrUntilUtc = nil
			cleared = true
		}

		return snap
	})
	if transformErr != nil {
		g.logger.Warn("metadata.sticky.persist_failed",
			slog.String("error", transformErr.Error()))

		return
	}

	if cleared {
		g.logger.Debug("metadata.cloudflare.fallback.sticky_cleared",
			slog.Time("post_direct", postDirect))
	}
}

func (g *Gateway) persistSticky(until time.Time) {
	transformErr := g.store.Transform(func(snap state.Snapshot) state.Snapshot {
		snap.StickyFlaresolverrUntilUtc = &until

		return snap
	})
	if transformErr != nil {
		g.logger.Warn("metadata.sticky.persist_failed",
			slog.String("error", transformErr.Error()))
	}
}
