package equiv

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sergi/go-diff/diffmatchpatch"
	"gopkg.in/yaml.v3"
)

// UpdateOutcome classifies one catalog update attempt.
type UpdateOutcome int

const (
	// UpdateNoChanges means every requested title was already known.
	UpdateNoChanges UpdateOutcome = iota
	// Updated means the document gained titles and the snapshot was swapped.
	Updated
	// UpdateFailed means the document could not be read before applying.
	UpdateFailed
	// ValidationFailed means the mutated document violated an invariant and
	// was not written.
	ValidationFailed
	// WriteFailed means the mutated document could not be persisted.
	WriteFailed
	// Conflict means the request's titles span multiple existing groups.
	Conflict
	// ReloadFailed means the document was written but re-reading it failed;
	// readers keep the previous snapshot until a later update retries.
	ReloadFailed
)

// String implements fmt.Stringer.
func (o UpdateOutcome) String() string {
	switch o {
	case UpdateNoChanges:
		return "no_changes"
	case Updated:
		return "updated"
	case UpdateFailed:
		return "update_failed"
	case ValidationFailed:
		return "validation_failed"
	case WriteFailed:
		return "write_failed"
	case Conflict:
		return "conflict"
	case ReloadFailed:
		return "reload_failed"
	default:
		return "unknown"
	}
}

// Catalog owns the equivalents file and the resolver snapshot built from it.
// Resolution reads are lock-free; updates serialize on an internal mutex.
type Catalog struct {
	path   string
	logger *slog.Logger

	snapshot atomic.Pointer[Snapshot]

	updateMu      sync.Mutex
	reloadPending bool
}

// CatalogConfig configures NewCatalog.
type CatalogConfig struct {
	// Path locates manga_equivalents.yml.
	Path string
	// Logger receives catalog events. Defaults to slog.Default().
	Logger *slog.Logger
}

// NewCatalog loads the equivalents file and builds the initial snapshot.
// The catalog is always usable: when the initial load fails the resolver
// starts empty, a reload stays pending and the error is returned so the
// caller can log it.
func NewCatalog(cfg CatalogConfig) (*Catalog, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Catalog{path: cfg.Path, logger: logger}
	c.snapshot.Store(buildSnapshot(&Document{}))

	doc, loadErr := LoadDocument(cfg.Path)
	if loadErr != nil {
		c.reloadPending = true

		return c, fmt.Errorf("initial equivalents load: %w", loadErr)
	}

	validateErr := doc.Validate()
	if validateErr != nil {
		c.reloadPending = true

		return c, fmt.Errorf("initial equivalents validation: %w", validateErr)
	}

	c.snapshot.Store(buildSnapshot(doc))

	return c, nil
}

// TryResolveCanonicalTitle maps a raw title to its canonical form against
// the current snapshot.
func (c *Catalog) TryResolveCanonicalTitle(raw string) (string, bool) {
	return c.snapshot.Load().Resolve(raw)
}

// ResolveCanonicalOrInput resolves the title or, when unknown, returns the
// input unchanged.
func (c *Catalog) ResolveCanonicalOrInput(raw string) string {
	canonical, known := c.snapshot.Load().Resolve(raw)
	if !known {
		return raw
	}

	return canonical
}

// EquivalentTitles returns every known title in raw's group.
func (c *Catalog) EquivalentTitles(raw string) []string {
	return c.snapshot.Load().EquivalentTitles(raw)
}

// Update folds newly learned titles into the document, persists it and swaps
// the resolver snapshot. Concurrent updates serialize; readers are never
// blocked and keep the previous snapshot until the swap.
func (c *Catalog) Update(req UpdateRequest) UpdateOutcome {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	doc, loadErr := LoadDocument(c.path)
	if loadErr != nil {
		c.logger.Warn("metadata.equivalents.update_failed",
			slog.String("path", c.path),
			slog.String("error", loadErr.Error()))

		return UpdateFailed
	}

	before, marshalErr := marshalForDiff(doc)
	if marshalErr != nil {
		before = ""
	}

	switch apply(doc, req) {
	case applyConflict:
		c.logger.Warn("metadata.equivalents.conflict",
			slog.String("main_title", req.MainTitle))

		return Conflict
	case applyNoChanges:
		return c.retryPendingReload()
	case applyUpdated:
	}

	validateErr := doc.Validate()
	if validateErr != nil {
		c.logger.Warn("metadata.equivalents.update_failed",
			slog.String("path", c.path),
			slog.String("error", validateErr.Error()))

		return ValidationFailed
	}

	saveErr := doc.Save(c.path)
	if saveErr != nil {
		c.logger.Warn("metadata.equivalents.update_failed",
			slog.String("path", c.path),
			slog.String("error", saveErr.Error()))

		return WriteFailed
	}

	reloadErr := c.reloadLocked()
	if reloadErr != nil {
		c.reloadPending = true

		c.logger.Warn("metadata.equivalents.reload_failed",
			slog.String("path", c.path),
			slog.String("error", reloadErr.Error()))

		return ReloadFailed
	}

	c.reloadPending = false
	c.logUpdated(req, before, doc)

	return Updated
}

// retryPendingReload resolves a reload left over from an earlier failed
// update; the document on disk is already current so NoChanges stands.
func (c *Catalog) retryPendingReload() UpdateOutcome {
	if !c.reloadPending {
		return UpdateNoChanges
	}

	reloadErr := c.reloadLocked()
	if reloadErr != nil {
		c.logger.Warn("metadata.equivalents.reload_failed",
			slog.String("path", c.path),
			slog.String("error", reloadErr.Error()))

		return UpdateNoChanges
	}

	c.reloadPending = false

	return UpdateNoChanges
}

// reloadLocked re-reads, validates and swaps the snapshot. Callers hold
// updateMu.
func (c *Catalog) reloadLocked() error {
	doc, loadErr := LoadDocument(c.path)
	if loadErr != nil {
		return loadErr
	}

	validateErr := doc.Validate()
	if validateErr != nil {
		return validateErr
	}

	c.snapshot.Store(buildSnapshot(doc))

	return nil
}

func (c *Catalog) logUpdated(req UpdateRequest, before string, doc *Document) {
	c.logger.Info("metadata.equivalents.updated",
		slog.String("main_title", req.MainTitle),
		slog.Int("groups", len(doc.Groups)),
		slog.Int("resolvable_titles", c.snapshot.Load().Size()))

	if !c.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	after, marshalErr := marshalForDiff(doc)
	if marshalErr != nil {
		return
	}

	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(before, after)

	c.logger.Debug("metadata.equivalents.updated",
		slog.String("diff", dmp.PatchToText(patches)))
}

func marshalForDiff(doc *Document) (string, error) {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return "", err
	}

	return string(data), nil
}
