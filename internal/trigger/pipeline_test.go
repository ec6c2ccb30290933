package trigger

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawamura-io/ssmerge/internal/fswatch"
)

// fakePoller replays scripted poll results; exhausted scripts time out.
type fakePoller struct {
	mu      sync.Mutex
	results []fswatch.PollResult
	polls   int
}

func (f *fakePoller) Poll(_ context.Context, _ []string, _ time.Duration) fswatch.PollResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.polls++

	if len(f.results) == 0 {
		return fswatch.PollResult{Outcome: fswatch.PollTimedOut}
	}

	result := f.results[0]
	f.results = f.results[1:]

	return result
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.t = c.t.Add(d)
}

type pipelineOptions struct {
	scanOnStartup  bool
	excluded       []string
	mergeInterval  time.Duration
	rescanInterval time.Duration
	minSpacing     time.Duration
	lockRetry      time.Duration
	settleWindow   time.Duration
	outcomes       []Outcome
}

type pipelineHarness struct {
	pipeline *Pipeline
	poller   *fakePoller
	handler  *fakeHandler
	clock    *testClock
	queue    *RenameQueue
	logs     *bytes.Buffer

	sourcesRoot  string
	overrideRoot string
}

func newPipelineHarness(t *testing.T, opts pipelineOptions) *pipelineHarness {
	t.Helper()

	if opts.mergeInterval == 0 {
		opts.mergeInterval = time.Hour
	}

	if opts.rescanInterval == 0 {
		opts.rescanInterval = time.Hour
	}

	if opts.lockRetry == 0 {
		opts.lockRetry = 5 * time.Second
	}

	if opts.settleWindow == 0 {
		opts.settleWindow = 30 * time.Second
	}

	logger, logs := newLogCapture()

	// The clock starts at the wall clock so fake instants stay comparable
	// with real file modification times.
	clock := &testClock{t: time.Now().UTC()}
	poller := &fakePoller{}
	handler := &fakeHandler{outcomes: opts.outcomes}

	queue := NewRenameQueue(RenameQueueConfig{
		MaxAge:       48 * time.Hour,
		SettleWindow: opts.settleWindow,
		Logger:       logger,
	})

	h := &pipelineHarness{
		poller:       poller,
		handler:      handler,
		clock:        clock,
		queue:        queue,
		logs:         logs,
		sourcesRoot:  t.TempDir(),
		overrideRoot: t.TempDir(),
	}

	h.pipeline = NewPipeline(PipelineConfig{
		Poller:          poller,
		Coalescer:       NewCoalescer(),
		Handler:         handler,
		Queue:           queue,
		SourcesRoot:     h.sourcesRoot,
		OverrideRoot:    h.overrideRoot,
		ExcludedSources: opts.excluded,
		PollTimeout:     50 * time.Millisecond,
		MergeInterval:   opts.mergeInterval,
		RescanInterval:  opts.rescanInterval,
		MinScanSpacing:  opts.minSpacing,
		LockRetry:       opts.lockRetry,
		ScanOnStartup:   opts.scanOnStartup,
		Logger:          logger,
		Now:             clock.now,
	})

	return h
}

func (h *pipelineHarness) chapterDir(t *testing.T, volume, source, title, chapter string) string {
	t.Helper()

	dir := filepath.Join(h.sourcesRoot, volume, source, title, chapter)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	return dir
}

func (h *pipelineHarness) pushEvents(events ...fswatch.Event) {
	h.poller.mu.Lock()
	defer h.poller.mu.Unlock()

	h.poller.results = append(h.poller.results, fswatch.PollResult{
		Outcome: fswatch.PollSuccess,
		Events:  events,
	})
}

func TestTickStartupScanDispatches(t *testing.T) {
	t.Parallel()

	h := newPipelineHarness(t, pipelineOptions{scanOnStartup: true, minSpacing: 10 * time.Second})

	report := h.pipeline.Tick(context.Background())

	assert.True(t, report.Dispatched)
	assert.Equal(t, OutcomeSuccess, report.DispatchOutcome)

	calls := h.handler.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, scanCall{reason: "startup", force: false}, calls[0])

	// Nothing pending on the next tick.
	h.clock.advance(time.Second)

	report = h.pipeline.Tick(context.Background())
	assert.False(t, report.Dispatched)
	require.Len(t, h.handler.recorded(), 1)
}

func TestTickChapterEventEnqueuesAndDispatches(t *testing.T) {
	t.Parallel()

	h := newPipelineHarness(t, pipelineOptions{})

	chapter := h.chapterDir(t, "vol1", "src1", "Title A", "ch001")
	h.pushEvents(fswatch.Event{Path: filepath.Join(chapter, "page01.jpg"), Mask: "CLOSE_WRITE"})

	report := h.pipeline.Tick(context.Background())

	assert.Equal(t, fswatch.PollSuccess, report.PollOutcome)
	assert.Equal(t, 1, report.Events)
	assert.Equal(t, 1, report.EnqueuedRenames)
	assert.Equal(t, 1, report.Renames.Remaining, "fresh chapter stays queued")
	assert.Equal(t, 1, h.queue.Len())

	calls := h.handler.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, scanCall{reason: "inotify-event", force: false}, calls[0])
}

func TestTickAncestorEventEnumeratesChapters(t *testing.T) {
	t.Parallel()

	h := newPipelineHarness(t, pipelineOptions{})

	h.chapterDir(t, "vol1", "src1", "Title A", "ch001")
	h.chapterDir(t, "vol1", "src1", "Title A", "ch002")
	h.chapterDir(t, "vol1", "src1", "Title B", "ch001")

	// Event at the source level: two levels above chapters.
	h.pushEvents(fswatch.Event{
		Path: filepath.Join(h.sourcesRoot, "vol1", "src1"),
		Mask: "ATTRIB,ISDIR",
	})

	report := h.pipeline.Tick(context.Background())

	assert.Equal(t, 3, report.EnqueuedRenames)
	assert.Equal(t, 3, h.queue.Len())
}

func TestTickTitleEventEnumeratesOneLevel(t *testing.T) {
	t.Parallel()

	h := newPipelineHarness(t, pipelineOptions{})

	h.chapterDir(t, "vol1", "src1", "Title A", "ch001")
	h.chapterDir(t, "vol1", "src1", "Title A", "ch002")
	h.chapterDir(t, "vol1", "src1", "Title B", "ch001")

	h.pushEvents(fswatch.Event{
		Path: filepath.Join(h.sourcesRoot, "vol1", "src1", "Title A"),
		Mask: "MOVED_TO,ISDIR",
	})

	report := h.pipeline.Tick(context.Background())

	assert.Equal(t, 2, report.EnqueuedRenames)
}

func TestTickExcludedSourceIsIgnored(t *testing.T) {
	t.Parallel()

	h := newPipelineHarness(t, pipelineOptions{excluded: []string{"junk"}})

	chapter := h.chapterDir(t, "vol1", "junk", "Title A", "ch001")
	h.pushEvents(
		fswatch.Event{Path: chapter, Mask: "CREATE,ISDIR"},
		fswatch.Event{Path: filepath.Join(h.sourcesRoot, "vol1", ".stfolder"), Mask: "CREATE,ISDIR"},
		fswatch.Event{Path: filepath.Join(h.sourcesRoot, "vol1", "src1", "Title", "c", "page.tmp"), Mask: "CLOSE_WRITE"},
	)

	report := h.pipeline.Tick(context.Background())

	assert.Equal(t, 0, report.EnqueuedRenames)
	assert.False(t, report.Dispatched)
	assert.Empty(t, h.handler.recorded())
}

func TestTickOverrideEventForcesTitle(t *testing.T) {
	t.Parallel()

	h := newPipelineHarness(t, pipelineOptions{})

	h.pushEvents(fswatch.Event{
		Path: filepath.Join(h.overrideRoot, "vol1", "Title B", "cover.jpg"),
		Mask: "CLOSE_WRITE",
	})

	report := h.pipeline.Tick(context.Background())

	assert.True(t, report.Dispatched)

	calls := h.handler.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "override-force:Title B", calls[0].reason)
	assert.True(t, calls[0].force)
}

func TestTickTimerRequestsAfterInterval(t *testing.T) {
	t.Parallel()

	h := newPipelineHarness(t, pipelineOptions{mergeInterval: time.Minute})

	report := h.pipeline.Tick(context.Background())
	assert.False(t, report.Dispatched)

	h.clock.advance(61 * time.Second)

	report = h.pipeline.Tick(context.Background())
	assert.True(t, report.Dispatched)

	calls := h.handler.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, scanCall{reason: "timer", force: false}, calls[0])
}

func TestTickBusyRetriesAfterLockRetry(t *testing.T) {
	t.Parallel()

	h := newPipelineHarness(t, pipelineOptions{
		scanOnStartup: true,
		lockRetry:     5 * time.Second,
		outcomes:      []Outcome{OutcomeBusy, OutcomeSuccess},
	})

	report := h.pipeline.Tick(context.Background())
	assert.True(t, report.Dispatched)
	assert.Equal(t, OutcomeBusy, report.DispatchOutcome)
	assert.Contains(t, h.logs.String(), "trigger.scan.busy")

	// Still inside the retry window: the re-armed request waits.
	h.clock.advance(time.Second)

	report = h.pipeline.Tick(context.Background())
	assert.False(t, report.Dispatched)

	h.clock.advance(5 * time.Second)

	report = h.pipeline.Tick(context.Background())
	assert.True(t, report.Dispatched)
	assert.Equal(t, OutcomeSuccess, report.DispatchOutcome)

	calls := h.handler.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0], calls[1], "retry re-dispatches the same request")
}

func TestTickMinSpacingDelaysDispatch(t *testing.T) {
	t.Parallel()

	h := newPipelineHarness(t, pipelineOptions{
		scanOnStartup: true,
		minSpacing:    10 * time.Second,
	})

	chapter := h.chapterDir(t, "vol1", "src1", "Title A", "ch001")

	report := h.pipeline.Tick(context.Background())
	require.True(t, report.Dispatched)

	// A material event right after the startup pass waits out the spacing.
	h.clock.advance(2 * time.Second)
	h.pushEvents(fswatch.Event{Path: chapter, Mask: "CREATE,ISDIR"})

	report = h.pipeline.Tick(context.Background())
	assert.False(t, report.Dispatched)

	h.clock.advance(8 * time.Second)

	report = h.pipeline.Tick(context.Background())
	assert.True(t, report.Dispatched)

	calls := h.handler.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "inotify-event", calls[1].reason)
}

func TestTickSettledRenameTriggersScan(t *testing.T) {
	t.Parallel()

	h := newPipelineHarness(t, pipelineOptions{settleWindow: 30 * time.Second})

	chapter := h.chapterDir(t, "vol1", "src1", "Title A", "ch001")
	h.pushEvents(fswatch.Event{Path: chapter, Mask: "MOVED_TO,ISDIR"})

	report := h.pipeline.Tick(context.Background())
	assert.Equal(t, 1, report.Renames.Remaining)
	require.Len(t, h.handler.recorded(), 1)

	// After the quiet period the entry settles, which is itself material.
	h.clock.advance(31 * time.Second)

	report = h.pipeline.Tick(context.Background())
	assert.Equal(t, 1, report.Renames.Settled)
	assert.True(t, report.Dispatched)

	calls := h.handler.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "inotify-event", calls[1].reason)
	assert.Equal(t, 0, h.queue.Len())
}

func TestTickRescanEnqueuesRecentChapters(t *testing.T) {
	t.Parallel()

	h := newPipelineHarness(t, pipelineOptions{rescanInterval: time.Minute})

	h.chapterDir(t, "vol1", "src1", "Title A", "ch001")

	report := h.pipeline.Tick(context.Background())
	assert.False(t, report.RescanRan, "first tick anchors the rescan clock")

	h.clock.advance(61 * time.Second)

	report = h.pipeline.Tick(context.Background())
	assert.True(t, report.RescanRan)
	assert.Equal(t, 1, report.EnqueuedRenames)
	assert.Equal(t, 1, h.queue.Len())

	// Rescan feeds the queue only; no merge was requested.
	assert.Empty(t, h.handler.recorded())
}

func TestTickLogsMonitorDegradationOnce(t *testing.T) {
	t.Parallel()

	h := newPipelineHarness(t, pipelineOptions{})

	h.poller.results = []fswatch.PollResult{
		{Outcome: fswatch.PollToolNotFound, Warnings: []string{"inotifywait: not found"}},
		{Outcome: fswatch.PollToolNotFound},
	}

	h.pipeline.Tick(context.Background())
	h.clock.advance(time.Second)
	h.pipeline.Tick(context.Background())

	assert.Equal(t, 1, strings.Count(h.logs.String(), "trigger.monitor.degraded"))
	assert.Contains(t, h.logs.String(), "trigger.monitor.warning")
}
