package trigger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sawamura-io/ssmerge/internal/fswatch"
	"github.com/sawamura-io/ssmerge/internal/pathutil"
	"github.com/sawamura-io/ssmerge/internal/volumes"
)

// chapterDepth is where chapter directories live under the sources root:
// <volume>/<source>/<title>/<chapter>.
const chapterDepth = 4

// Per-tick work bounds. Ancestor events and periodic rescans enumerate
// directories; these caps keep one tick from stalling the loop on a huge
// tree.
const (
	enumerationBudgetPerTick = 256
	rescanChapterBudget      = 4096
)

// tempArtifactSuffix marks this daemon's own in-flight writes; events on
// them are noise.
const tempArtifactSuffix = ".tmp"

// Poller drains filesystem events. *fswatch.Monitor implements it.
type Poller interface {
	Poll(ctx context.Context, watchRoots []string, timeout time.Duration) fswatch.PollResult
}

// PipelineConfig wires a Pipeline.
type PipelineConfig struct {
	Poller    Poller
	Coalescer *Coalescer
	Handler   Handler

	// Queue holds chapter-rename candidates. Nil builds one with defaults.
	Queue *RenameQueue

	// SourcesRoot and OverrideRoot classify event paths; both are watched.
	SourcesRoot  string
	OverrideRoot string

	// ExcludedSources are source directory names whose events are ignored
	// (sync-tool litter).
	ExcludedSources []string

	PollTimeout    time.Duration
	MergeInterval  time.Duration
	RescanInterval time.Duration
	MinScanSpacing time.Duration
	LockRetry      time.Duration
	ScanOnStartup  bool

	Logger *slog.Logger

	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// TickReport summarizes one Tick for callers and tests.
type TickReport struct {
	PollOutcome     fswatch.PollOutcome
	Events          int
	EnqueuedRenames int
	Renames         ProcessStats
	RescanRan       bool

	// Dispatched reports whether a pending request was handed to the merge
	// handler this tick; DispatchOutcome is only meaningful when true.
	Dispatched      bool
	DispatchOutcome Outcome
}

// Pipeline is the single-threaded cooperative trigger loop body. Not safe
// for concurrent Tick calls; the daemon worker owns it.
type Pipeline struct {
	poller    Poller
	coalescer *Coalescer
	handler   Handler
	queue     *RenameQueue

	sourcesRoot  string
	overrideRoot string
	watchRoots   []string
	excluded     map[string]struct{}

	pollTimeout    time.Duration
	mergeInterval  time.Duration
	rescanInterval time.Duration
	minSpacing     time.Duration
	lockRetry      time.Duration
	scanOnStartup  bool

	logger *slog.Logger
	now    func() time.Time

	started         bool
	lastPollOutcome fswatch.PollOutcome
	lastDispatchAt  time.Time
	lastRescanAt    time.Time
	nextTimerAt     time.Time
	retryAt         time.Time
}

// NewPipeline builds a Pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	queue := cfg.Queue
	if queue == nil {
		queue = NewRenameQueue(RenameQueueConfig{Logger: logger})
	}

	excluded := make(map[string]struct{}, len(cfg.ExcludedSources))
	for _, name := range cfg.ExcludedSources {
		excluded[name] = struct{}{}
	}

	var watchRoots []string

	sourcesRoot := pathutil.Normalize(cfg.SourcesRoot)
	if sourcesRoot != "" {
		watchRoots = append(watchRoots, sourcesRoot)
	}

	overrideRoot := pathutil.Normalize(cfg.OverrideRoot)
	if overrideRoot != "" {
		watchRoots = append(watchRoots, overrideRoot)
	}

	return &Pipeline{
		poller:         cfg.Poller,
		coalescer:      cfg.Coalescer,
		handler:        cfg.Handler,
		queue:          queue,
		sourcesRoot:    sourcesRoot,
		overrideRoot:   overrideRoot,
		watchRoots:     watchRoots,
		excluded:       excluded,
		pollTimeout:    cfg.PollTimeout,
		mergeInterval:  cfg.MergeInterval,
		rescanInterval: cfg.RescanInterval,
		minSpacing:     cfg.MinScanSpacing,
		lockRetry:      cfg.LockRetry,
		scanOnStartup:  cfg.ScanOnStartup,
		logger:         logger,
		now:            now,
	}
}

// Tick runs one cooperative iteration: poll, classify, rename pass,
// periodic rescan, request marking, dispatch. Rename enqueues always happen
// before the merge dispatch.
func (p *Pipeline) Tick(ctx context.Context) TickReport {
	now := p.now().UTC()

	first := !p.started
	if first {
		p.started = true
		p.lastRescanAt = now
		p.nextTimerAt = now.Add(p.mergeInterval)
	}

	var report TickReport

	poll := p.poller.Poll(ctx, p.watchRoots, p.pollTimeout)
	report.PollOutcome = poll.Outcome
	report.Events = len(poll.Events)

	for _, warning := range poll.Warnings {
		p.logger.Warn("trigger.monitor.warning", slog.String("warning", warning))
	}

	degraded := poll.Outcome == fswatch.PollToolNotFound || poll.Outcome == fswatch.PollCommandFailed
	if degraded && poll.Outcome != p.lastPollOutcome {
		p.logger.Warn("trigger.monitor.degraded", slog.String("outcome", poll.Outcome.String()))
	}

	p.lastPollOutcome = poll.Outcome

	material, enqueued, forceTitles := p.classify(ctx, poll.Events, now)
	report.EnqueuedRenames = enqueued

	report.Renames = p.queue.ProcessOnce(now)
	if report.Renames.Settled > 0 {
		material = true
	}

	if now.Sub(p.lastRescanAt) >= p.rescanInterval {
		report.EnqueuedRenames += p.rescanAndEnqueue(ctx, now)
		report.RescanRan = true
		p.lastRescanAt = now
	}

	// Marks run from least to most specific so the coalescer's
	// most-recent-reason rule keeps the narrowest one.
	if first && p.scanOnStartup {
		p.request("startup", false)
	}

	if !now.Before(p.nextTimerAt) {
		p.request("timer", false)

		p.nextTimerAt = now.Add(p.mergeInterval)
	}

	if material {
		p.request("inotify-event", false)
	}

	for _, title := range forceTitles {
		p.request("override-force:"+title, true)
	}

	if p.coalescer.Pending() && p.dispatchAllowed(now) {
		outcome := p.coalescer.DispatchPending(ctx, p.handler)

		report.Dispatched = outcome != OutcomeNoPendingRequest
		report.DispatchOutcome = outcome

		switch outcome {
		case OutcomeBusy:
			p.retryAt = now.Add(p.lockRetry)

			p.logger.Warn("trigger.scan.busy", slog.Time("retry_at", p.retryAt))
		case OutcomeNoPendingRequest:
		default:
			p.lastDispatchAt = now
			p.nextTimerAt = now.Add(p.mergeInterval)

			p.logger.Info("trigger.scan.dispatched", slog.String("outcome", outcome.String()))
		}
	}

	return report
}

func (p *Pipeline) request(reason string, force bool) {
	p.coalescer.RequestScan(reason, force)

	p.logger.Debug("trigger.scan.requested",
		slog.String("reason", reason),
		slog.Bool("force", force))
}

func (p *Pipeline) dispatchAllowed(now time.Time) bool {
	if now.Before(p.retryAt) {
		return false
	}

	return p.lastDispatchAt.IsZero() || now.Sub(p.lastDispatchAt) >= p.minSpacing
}

// classify routes drained events: chapter paths (or their descendants) feed
// the rename queue, source-root and title-level ancestors get a bounded
// enumeration, override title directories become force-remount requests,
// and anything non-noise marks the tick material.
func (p *Pipeline) classify(ctx context.Context, events []fswatch.Event, now time.Time) (bool, int, []string) {
	material := false
	enqueued := 0
	budget := enumerationBudgetPerTick

	var forceTitles []string

	seenForce := make(map[string]struct{})

	for _, event := range events {
		if ctx.Err() != nil {
			break
		}

		if isNoisePath(event.Path) {
			continue
		}

		if segments, under := relSegments(p.sourcesRoot, event.Path); under {
			if len(segments) >= 2 {
				if _, skip := p.excluded[segments[1]]; skip {
					continue
				}
			}

			material = true

			switch {
			case len(segments) >= chapterDepth:
				chapter := ancestorAt(p.sourcesRoot, segments, chapterDepth)
				if p.queue.Enqueue(chapter, now) {
					enqueued++

					p.logger.Debug("trigger.rename.enqueued", slog.String("path", chapter))
				}
			case len(segments) == 2 || len(segments) == 3:
				enqueued += p.enumerateChapters(ctx, event.Path, chapterDepth-len(segments), &budget, now)
			}

			continue
		}

		if segments, under := relSegments(p.overrideRoot, event.Path); under {
			material = true

			if len(segments) >= 2 {
				title := segments[1]
				if _, dup := seenForce[title]; !dup {
					seenForce[title] = struct{}{}
					forceTitles = append(forceTitles, title)
				}
			}

			continue
		}

		material = true
	}

	return material, enqueued, forceTitles
}

// enumerateChapters walks levels directory layers below base and enqueues
// the chapter directories found, spending the shared per-tick budget.
func (p *Pipeline) enumerateChapters(ctx context.Context, base string, levels int, budget *int, now time.Time) int {
	dirs := []string{base}

	for level := 0; level < levels; level++ {
		var next []string

		for _, dir := range dirs {
			if ctx.Err() != nil || *budget <= 0 {
				return 0
			}

			*budget--

			names, _ := volumes.SubdirNames(dir)
			for _, name := range names {
				next = append(next, filepath.Join(dir, name))
			}
		}

		dirs = next
	}

	enqueued := 0

	for _, chapter := range dirs {
		if *budget <= 0 {
			p.logger.Debug("trigger.enumeration.capped", slog.String("base", base))

			break
		}

		*budget--

		if p.queue.Enqueue(chapter, now) {
			enqueued++
		}
	}

	return enqueued
}

// rescanAndEnqueue sweeps the source tree for chapter directories modified
// since the previous sweep, catching renames the monitor missed. Work is
// bounded by rescanChapterBudget stats per sweep.
func (p *Pipeline) rescanAndEnqueue(ctx context.Context, now time.Time) int {
	if p.sourcesRoot == "" {
		return 0
	}

	// One extra interval of slack so chapters touched right around the
	// previous sweep are not missed.
	cutoff := p.lastRescanAt.Add(-p.rescanInterval)

	budget := rescanChapterBudget
	enqueued := 0

	vols, _ := volumes.Discover(p.sourcesRoot)

	for _, vol := range vols {
		sources, _ := volumes.SubdirNames(vol.Path)

		for _, source := range sources {
			if _, skip := p.excluded[source]; skip {
				continue
			}

			sourceDir := filepath.Join(vol.Path, source)
			titles, _ := volumes.SubdirNames(sourceDir)

			for _, title := range titles {
				titleDir := filepath.Join(sourceDir, title)
				chapters, _ := volumes.SubdirNames(titleDir)

				for _, chapter := range chapters {
					if ctx.Err() != nil || budget <= 0 {
						p.logger.Debug("trigger.rescan.capped", slog.Int("enqueued", enqueued))

						return enqueued
					}

					budget--

					chapterDir := filepath.Join(titleDir, chapter)

					info, statErr := os.Stat(chapterDir)
					if statErr != nil || !info.ModTime().After(cutoff) {
						continue
					}

					if p.queue.Enqueue(chapterDir, now) {
						enqueued++
					}
				}
			}
		}
	}

	p.logger.Debug("trigger.rescan.completed", slog.Int("enqueued", enqueued))

	return enqueued
}

// isNoisePath filters dotfiles and this daemon's own temp artifacts.
func isNoisePath(path string) bool {
	base := filepath.Base(path)

	return strings.HasPrefix(base, ".") || strings.HasSuffix(base, tempArtifactSuffix)
}

// relSegments splits path into its segments relative to root. The second
// return is false when path lies outside root; the root itself yields zero
// segments.
func relSegments(root, path string) ([]string, bool) {
	if root == "" {
		return nil, false
	}

	normPath := pathutil.Normalize(path)

	if pathutil.Equal(root, normPath) {
		return nil, true
	}

	if !pathutil.IsStrictChild(root, normPath) {
		return nil, false
	}

	rel, relErr := filepath.Rel(root, normPath)
	if relErr != nil {
		return nil, false
	}

	return strings.Split(rel, string(filepath.Separator)), true
}

// ancestorAt rebuilds the path of the ancestor depth segments below root.
func ancestorAt(root string, segments []string, depth int) string {
	parts := append([]string{root}, segments[:depth]...)

	return filepath.Join(parts...)
}
