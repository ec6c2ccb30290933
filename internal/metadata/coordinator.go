package metadata

import (
	"context"
	"log/slog"
	"time"

	"github.com/sawamura-io/ssmerge/internal/comick"
	"github.com/sawamura-io/ssmerge/internal/equiv"
	"github.com/sawamura-io/ssmerge/internal/normalize"
	"github.com/sawamura-io/ssmerge/internal/override"
	"github.com/sawamura-io/ssmerge/internal/state"
)

// Searcher issues the title search. *Gateway implements it.
type Searcher interface {
	Search(ctx context.Context, query string) comick.SearchResult
}

// EnsureRequest names one title and where its artifacts live.
type EnsureRequest struct {
	// DisplayTitle is the canonical display title of the merge group.
	DisplayTitle string

	// PreferredOverrideDir is the override title directory new artifacts
	// land in.
	PreferredOverrideDir string

	// AllOverrideDirs lists every candidate override title directory.
	AllOverrideDirs []string

	// SourceDirs are the per-source title directories in branch order.
	SourceDirs []string
}

// EnsureResult reports what one EnsureMetadata run did and the artifact
// state it left behind.
type EnsureResult struct {
	ApiCalled              bool
	HadServiceInterruption bool
	CoverExists            bool
	DetailsExists          bool
}

// CoordinatorConfig wires a Coordinator.
type CoordinatorConfig struct {
	Searcher Searcher
	Matcher  *Matcher

	// Catalog resolves canonical titles and absorbs learned aliases.
	// Nil disables both.
	Catalog *equiv.Catalog

	Covers  *override.CoverService
	Details *override.DetailsService

	// Store persists per-title cooldowns.
	Store *state.Store

	// CooldownWindow is how long a title stays off the API after a
	// completed search.
	CooldownWindow time.Duration

	// PreferredLanguage selects canonical titles for new catalog groups.
	PreferredLanguage string

	// Logger receives pipeline events. Defaults to slog.Default().
	Logger *slog.Logger

	// Now overrides the clock; used by tests. Defaults to time.Now.
	Now func() time.Time
}

// Coordinator drives the per-title metadata pipeline: cooldown, search,
// candidate match, artifact generation and catalog feedback.
type Coordinator struct {
	searcher Searcher
	matcher  *Matcher
	catalog  *equiv.Catalog
	covers   *override.CoverService
	details  *override.DetailsService
	store    *state.Store
	cooldown time.Duration
	prefLang string
	logger   *slog.Logger
	now      func() time.Time
}

// NewCoordinator builds a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Coordinator{
		searcher: cfg.Searcher,
		matcher:  cfg.Matcher,
		catalog:  cfg.Catalog,
		covers:   cfg.Covers,
		details:  cfg.Details,
		store:    cfg.Store,
		cooldown: cfg.CooldownWindow,
		prefLang: cfg.PreferredLanguage,
		logger:   logger,
		now:      now,
	}
}

// EnsureMetadata makes the title's override artifacts exist, consulting the
// Comick API unless both artifacts are present or the title is cooling
// down. The error is non-nil only for cooperative cancellation; every
// service failure degrades into the result flags.
func (c *Coordinator) EnsureMetadata(ctx context.Context, req EnsureRequest) (EnsureResult, error) {
	titleKey := normalize.TitleKey(req.DisplayTitle)

	coverPath, coverExists := override.FindCover(req.PreferredOverrideDir, req.AllOverrideDirs)
	_, detailsExists := override.FindDetails(req.PreferredOverrideDir, req.AllOverrideDirs)

	if coverExists && detailsExists {
		return EnsureResult{CoverExists: true, DetailsExists: true}, nil
	}

	if until, cooling := c.cooldownActive(titleKey); cooling {
		c.logger.Debug("metadata.cooldown.skipped",
			slog.String("title_key", titleKey),
			slog.Time("until", until))

		result := EnsureResult{}
		result.CoverExists = c.ensureCover(ctx, req, coverPath, coverExists, "")
		result.DetailsExists = c.ensureDetails(ctx, req, nil)

		return result, nil
	}

	result := EnsureResult{ApiCalled: true}

	search := c.searcher.Search(ctx, req.DisplayTitle)

	switch search.Outcome {
	case comick.FetchCancelled:
		if ctx.Err() != nil {
			return EnsureResult{}, ctx.Err()
		}

		result.HadServiceInterruption = true
	case comick.FetchTransportFailure, comick.FetchCloudflareBlocked,
		comick.FetchHTTPFailure, comick.FetchMalformedPayload:
		result.HadServiceInterruption = true
	}

	var comic *comick.Comic

	if search.Outcome == comick.FetchSuccess {
		match := c.matcher.Match(ctx, search.Candidates, c.expectedKeys(req.DisplayTitle))

		if match.Outcome == MatchCancelled && ctx.Err() != nil {
			return EnsureResult{}, ctx.Err()
		}

		if match.ServiceInterrupted {
			result.HadServiceInterruption = true
		}

		if match.Outcome == MatchedCandidate {
			comic = match.Comic
		}
	}

	c.persistCooldown(titleKey)

	if comic != nil && c.catalog != nil {
		c.feedCatalog(comic)
	}

	coverKey := ""
	if comic != nil {
		coverKey = comic.FirstCoverKey()
	}

	result.CoverExists = c.ensureCover(ctx, req, coverPath, coverExists, coverKey)
	result.DetailsExists = c.ensureDetails(ctx, req, comic)

	return result, nil
}

// cooldownActive reports whether the title is still cooling down.
func (c *Coordinator) cooldownActive(titleKey string) (time.Time, bool) {
	if titleKey == "" {
		return time.Time{}, false
	}

	until, present := c.store.Read().TitleCooldownsUtc[titleKey]
	if !present || !c.now().Before(until) {
		return time.Time{}, false
	}

	return until, true
}

// persistCooldown stamps the title so further passes skip the API until the
// window elapses. Persistence is best-effort.
func (c *Coordinator) persistCooldown(titleKey string) {
	if titleKey == "" {
		return
	}

	until := c.now().Add(c.cooldown)

	transformErr := c.store.Transform(func(snap state.Snapshot) state.Snapshot {
		if snap.TitleCooldownsUtc == nil {
			snap.TitleCooldownsUtc = make(map[string]time.Time, 1)
		}

		snap.TitleCooldownsUtc[titleKey] = until

		return snap
	})
	if transformErr != nil {
		c.logger.Warn("metadata.cooldown.persist_failed",
			slog.String("title_key", titleKey),
			slog.String("error", transformErr.Error()))
	}
}

// expectedKeys collects the normalized keys a detail probe may legitimately
// answer to: the display title, its canonical resolution and every known
// equivalent.
func (c *Coordinator) expectedKeys(displayTitle string) []string {
	titles := []string{displayTitle}

	if c.catalog != nil {
		titles = append(titles, c.catalog.ResolveCanonicalOrInput(displayTitle))
		titles = append(titles, c.catalog.EquivalentTitles(displayTitle)...)
	}

	keys := make([]string, 0, len(titles))
	seen := make(map[string]struct{}, len(titles))

	for _, title := range titles {
		key := normalize.TitleKey(title)
		if key == "" {
			continue
		}

		if _, dup := seen[key]; dup {
			continue
		}

		seen[key] = struct{}{}

		keys = append(keys, key)
	}

	return keys
}

// ensureCover makes cover.jpg exist when a cover key is known. The probe
// result from the start of the run short-circuits repeat stats.
func (c *Coordinator) ensureCover(ctx context.Context, req EnsureRequest, existingPath string, exists bool, coverKey string) bool {
	if exists {
		c.logger.Debug("metadata.artifact.cover.skipped",
			slog.String("reason", "artifact_exists"),
			slog.String("path", existingPath))

		return true
	}

	if coverKey == "" {
		c.logger.Debug("metadata.artifact.cover.skipped",
			slog.String("reason", "no_cover_key"),
			slog.String("title", req.DisplayTitle))

		return false
	}

	cover := c.covers.EnsureCoverJpg(ctx, override.CoverRequest{
		PreferredDir:    req.PreferredOverrideDir,
		AllOverrideDirs: req.AllOverrideDirs,
		CoverKey:        coverKey,
	})

	switch cover.Outcome {
	case override.CoverAlreadyExists:
		return true
	case override.CoverWrittenDownloadedJpeg, override.CoverWrittenConvertedJpeg:
		return true
	default:
		c.logger.Warn("metadata.artifact.cover.failed",
			slog.String("title", req.DisplayTitle),
			slog.String("outcome", cover.Outcome.String()),
			slog.String("diagnostic", cover.Diagnostic))

		return false
	}
}

// ensureDetails makes details.json exist from whatever material is at hand.
// A nil comic restricts the chain to source copies and ComicInfo fallbacks.
func (c *Coordinator) ensureDetails(ctx context.Context, req EnsureRequest, comic *comick.Comic) bool {
	details := c.details.EnsureDetailsJson(ctx, override.DetailsRequest{
		DisplayTitle:    req.DisplayTitle,
		PreferredDir:    req.PreferredOverrideDir,
		AllOverrideDirs: req.AllOverrideDirs,
		SourceDirs:      req.SourceDirs,
		Comic:           comic,
	})

	switch details.Outcome {
	case override.DetailsAlreadyExists:
		return true
	case override.DetailsCopiedFromSource, override.DetailsGeneratedFromComick, override.DetailsGeneratedFromComicInfo:
		c.logger.Info("metadata.artifact.details.written",
			slog.String("title", req.DisplayTitle),
			slog.String("mode", details.Outcome.String()),
			slog.String("path", details.Path))

		return true
	case override.DetailsSkippedNoComicInfo, override.DetailsSkippedParseFailure:
		c.logger.Debug("metadata.artifact.details.skipped",
			slog.String("title", req.DisplayTitle),
			slog.String("reason", details.Outcome.String()))

		return false
	default:
		c.logger.Warn("metadata.artifact.details.failed",
			slog.String("title", req.DisplayTitle),
			slog.String("outcome", details.Outcome.String()),
			slog.String("diagnostic", details.Diagnostic))

		return false
	}
}

// feedCatalog folds the matched payload's titles back into the equivalence
// catalog. Failures log inside the catalog; the outcome is traced here.
func (c *Coordinator) feedCatalog(comic *comick.Comic) {
	aliases := comic.Aliases()

	entries := make([]equiv.TitleEntry, 0, len(aliases))
	for _, alias := range aliases {
		entries = append(entries, equiv.TitleEntry{Title: alias.Title, Language: alias.Lang})
	}

	outcome := c.catalog.Update(equiv.UpdateRequest{
		MainTitle:         comic.Title(),
		MainLanguage:      comic.MainLanguage(),
		Aliases:           entries,
		PreferredLanguage: c.prefLang,
	})

	c.logger.Debug("metadata.catalog.update",
		slog.String("main_title", comic.Title()),
		slog.String("outcome", outcome.String()))
}
