package merge

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawamura-io/ssmerge/internal/metadata"
	"github.com/sawamura-io/ssmerge/internal/mounts"
	"github.com/sawamura-io/ssmerge/internal/trigger"
)

func newLogCapture() (*slog.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	handler := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})

	return slog.New(handler), buf
}

// fakeApplier records actions and succeeds unless the mount point is marked
// failing.
type fakeApplier struct {
	mu      sync.Mutex
	actions []mounts.Action
	failing map[string]struct{}
}

func (f *fakeApplier) Apply(_ context.Context, action mounts.Action) (mounts.ApplyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.actions = append(f.actions, action)

	if _, fail := f.failing[action.MountPoint]; fail {
		return mounts.ApplyResult{Outcome: mounts.ApplyFailure, Diagnostic: "scripted failure"}, nil
	}

	return mounts.ApplyResult{Outcome: mounts.ApplySuccess}, nil
}

func (f *fakeApplier) recorded() []mounts.Action {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]mounts.Action(nil), f.actions...)
}

// fakeSnapshotter replays a fixed mount table.
type fakeSnapshotter struct {
	mu      sync.Mutex
	entries []mounts.Entry
	err     error
	calls   int
}

func (f *fakeSnapshotter) Snapshot(_ context.Context) ([]mounts.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++

	return f.entries, f.err
}

// fakeEnsurer records requests and replays one scripted result.
type fakeEnsurer struct {
	mu       sync.Mutex
	requests []metadata.EnsureRequest
	result   metadata.EnsureResult
	err      error
}

func (f *fakeEnsurer) EnsureMetadata(_ context.Context, req metadata.EnsureRequest) (metadata.EnsureResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)

	return f.result, f.err
}

func (f *fakeEnsurer) recorded() []metadata.EnsureRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]metadata.EnsureRequest(nil), f.requests...)
}

// workflowFixture is a workflow over temp roots with scriptable mount
// snapshot and executor.
type workflowFixture struct {
	sourcesRoot  string
	overrideRoot string
	mergedRoot   string

	applier  *fakeApplier
	snap     *fakeSnapshotter
	ensurer  *fakeEnsurer
	workflow *Workflow
}

func newWorkflowFixture(t *testing.T) *workflowFixture {
	t.Helper()

	base := t.TempDir()

	fx := &workflowFixture{
		sourcesRoot:  filepath.Join(base, "sources"),
		overrideRoot: filepath.Join(base, "override"),
		mergedRoot:   filepath.Join(base, "merged"),
		applier:      &fakeApplier{failing: map[string]struct{}{}},
		snap:         &fakeSnapshotter{},
		ensurer:      &fakeEnsurer{},
	}

	require.NoError(t, os.MkdirAll(fx.sourcesRoot, 0o755))
	require.NoError(t, os.MkdirAll(fx.overrideRoot, 0o755))
	require.NoError(t, os.MkdirAll(fx.mergedRoot, 0o755))

	logger, _ := newLogCapture()

	fx.workflow = NewWorkflow(WorkflowConfig{
		Grouper: NewGrouper(GrouperConfig{
			SourcesRoot:  fx.sourcesRoot,
			OverrideRoot: fx.overrideRoot,
			Logger:       logger,
		}),
		Planner: mounts.NewPlanner(mounts.PlannerConfig{
			MergedRoot:      fx.mergedRoot,
			BranchLinksRoot: filepath.Join(base, "links"),
		}),
		Executor: fx.applier,
		Reader:   fx.snap,
		Cleaner: NewCleaner(CleanerConfig{
			MergedRoot:     fx.mergedRoot,
			QuarantineRoot: filepath.Join(base, "quarantine"),
			Logger:         logger,
		}),
		Metadata:   fx.ensurer,
		MergedRoot: fx.mergedRoot,
		Logger:     logger,
	})

	return fx
}

func (fx *workflowFixture) addSourceTitle(t *testing.T, volume, source, title string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Join(fx.sourcesRoot, volume, source, title, "Ch. 1"), 0o755))
}

// mountedEntry builds the findmnt view of a converged mount: identity
// surfaces through the source column like production FUSE mounts.
func mountedEntry(mountPoint, identity string) mounts.Entry {
	return mounts.Entry{
		Target: mountPoint,
		FSType: "fuse.mergerfs",
		Source: identity,
	}
}

// converge runs one pass against an empty mount table and feeds the planned
// mounts back as the observed table, returning mount point -> identity.
func (fx *workflowFixture) converge(t *testing.T) map[string]string {
	t.Helper()

	report, err := fx.workflow.Run(context.Background(), "startup", false)
	require.NoError(t, err)
	require.Equal(t, trigger.OutcomeSuccess, report.Outcome)

	identities := make(map[string]string)

	var entries []mounts.Entry

	for _, action := range fx.applier.recorded() {
		require.Equal(t, mounts.ActionMount, action.Kind)

		identities[action.MountPoint] = action.DesiredIdentity
		entries = append(entries, mountedEntry(action.MountPoint, action.DesiredIdentity))
	}

	fx.snap.mu.Lock()
	fx.snap.entries = entries
	fx.snap.mu.Unlock()

	fx.applier.mu.Lock()
	fx.applier.actions = nil
	fx.applier.mu.Unlock()

	return identities
}

func TestWorkflow_FreshTreeMountsEveryGroup(t *testing.T) {
	t.Parallel()

	fx := newWorkflowFixture(t)
	fx.addSourceTitle(t, "vol1", "SourceA", "Alpha")
	fx.addSourceTitle(t, "vol1", "SourceB", "Alpha")
	fx.addSourceTitle(t, "vol2", "SourceA", "Beta")

	report, err := fx.workflow.Run(context.Background(), "startup", false)
	require.NoError(t, err)

	assert.Equal(t, trigger.OutcomeSuccess, report.Outcome)
	assert.Equal(t, 2, report.Groups)
	assert.Equal(t, 2, report.DesiredMounts)
	assert.Equal(t, 2, report.ActionsPlanned)
	assert.Equal(t, 2, report.ActionsSucceeded)
	assert.Zero(t, report.ActionsFailed)
	assert.True(t, report.Cleanup.SkippedDueToActiveMounts)

	actions := fx.applier.recorded()
	require.Len(t, actions, 2)

	assert.Equal(t, mounts.ActionMount, actions[0].Kind)
	assert.Equal(t, filepath.Join(fx.mergedRoot, "Alpha"), actions[0].MountPoint)
	assert.Equal(t, "missing", actions[0].Reason)

	assert.Equal(t, mounts.ActionMount, actions[1].Kind)
	assert.Equal(t, filepath.Join(fx.mergedRoot, "Beta"), actions[1].MountPoint)

	// Alpha unions both sources; Beta has one.
	ensured := fx.ensurer.recorded()
	require.Len(t, ensured, 2)
	assert.Equal(t, "Alpha", ensured[0].DisplayTitle)
	assert.Len(t, ensured[0].SourceDirs, 2)
	assert.Equal(t, "Beta", ensured[1].DisplayTitle)
	assert.Len(t, ensured[1].SourceDirs, 1)
}

func TestWorkflow_ConvergedPassPlansNothing(t *testing.T) {
	t.Parallel()

	fx := newWorkflowFixture(t)
	fx.addSourceTitle(t, "vol1", "SourceA", "Alpha")
	fx.converge(t)

	report, err := fx.workflow.Run(context.Background(), "timer", false)
	require.NoError(t, err)

	assert.Equal(t, trigger.OutcomeSuccess, report.Outcome)
	assert.Zero(t, report.ActionsPlanned)
	assert.Empty(t, fx.applier.recorded())
}

func TestWorkflow_IdentityDriftRemounts(t *testing.T) {
	t.Parallel()

	fx := newWorkflowFixture(t)
	fx.addSourceTitle(t, "vol1", "SourceA", "Alpha")
	fx.converge(t)

	fx.snap.mu.Lock()
	fx.snap.entries = []mounts.Entry{mountedEntry(filepath.Join(fx.mergedRoot, "Alpha"), "stale-identity")}
	fx.snap.mu.Unlock()

	report, err := fx.workflow.Run(context.Background(), "timer", false)
	require.NoError(t, err)

	assert.Equal(t, trigger.OutcomeSuccess, report.Outcome)

	actions := fx.applier.recorded()
	require.Len(t, actions, 1)
	assert.Equal(t, mounts.ActionRemount, actions[0].Kind)
	assert.Equal(t, "identity-drift", actions[0].Reason)
}

func TestWorkflow_UnmountsNotDesired(t *testing.T) {
	t.Parallel()

	fx := newWorkflowFixture(t)
	fx.addSourceTitle(t, "vol1", "SourceA", "Alpha")
	identities := fx.converge(t)

	stale := filepath.Join(fx.mergedRoot, "Removed Title")

	fx.snap.mu.Lock()
	fx.snap.entries = append(fx.snap.entries,
		mountedEntry(stale, "whatever"),
		// Foreign mounts are never touched.
		mounts.Entry{Target: "/mnt/backups", FSType: "fuse.mergerfs", Source: "x"},
		mounts.Entry{Target: filepath.Join(fx.mergedRoot, "Alpha2"), FSType: "ext4", Source: "/dev/sda1"},
	)
	fx.snap.mu.Unlock()

	report, err := fx.workflow.Run(context.Background(), "timer", false)
	require.NoError(t, err)

	assert.Equal(t, trigger.OutcomeSuccess, report.Outcome)
	require.Len(t, identities, 1)

	actions := fx.applier.recorded()
	require.Len(t, actions, 1)
	assert.Equal(t, mounts.ActionUnmount, actions[0].Kind)
	assert.Equal(t, stale, actions[0].MountPoint)
	assert.Equal(t, "not-desired", actions[0].Reason)
}

func TestWorkflow_ForceRemountsEverything(t *testing.T) {
	t.Parallel()

	fx := newWorkflowFixture(t)
	fx.addSourceTitle(t, "vol1", "SourceA", "Alpha")
	fx.addSourceTitle(t, "vol1", "SourceA", "Beta")
	fx.converge(t)

	report, err := fx.workflow.Run(context.Background(), "manual", true)
	require.NoError(t, err)

	assert.Equal(t, trigger.OutcomeSuccess, report.Outcome)
	assert.Equal(t, 2, report.ForcedRemounts)

	actions := fx.applier.recorded()
	require.Len(t, actions, 2)

	for _, action := range actions {
		assert.Equal(t, mounts.ActionRemount, action.Kind)
		assert.Equal(t, "forced", action.Reason)
	}
}

func TestWorkflow_ForceSingleOverrideTitle(t *testing.T) {
	t.Parallel()

	fx := newWorkflowFixture(t)
	fx.addSourceTitle(t, "vol1", "SourceA", "Alpha")
	fx.addSourceTitle(t, "vol1", "SourceA", "Beta")
	fx.converge(t)

	report, err := fx.workflow.Run(context.Background(), "override-force:Alpha", true)
	require.NoError(t, err)

	assert.Equal(t, trigger.OutcomeSuccess, report.Outcome)
	assert.Equal(t, 1, report.ForcedRemounts)

	actions := fx.applier.recorded()
	require.Len(t, actions, 1)
	assert.Equal(t, mounts.ActionRemount, actions[0].Kind)
	assert.Equal(t, filepath.Join(fx.mergedRoot, "Alpha"), actions[0].MountPoint)
}

func TestWorkflow_ForceEmptyTitleForcesNothing(t *testing.T) {
	t.Parallel()

	fx := newWorkflowFixture(t)
	fx.addSourceTitle(t, "vol1", "SourceA", "Alpha")
	fx.converge(t)

	report, err := fx.workflow.Run(context.Background(), "override-force:", true)
	require.NoError(t, err)

	assert.Equal(t, trigger.OutcomeSuccess, report.Outcome)
	assert.Zero(t, report.ForcedRemounts)
	assert.Empty(t, fx.applier.recorded())
}

func TestWorkflow_BusyWhenPassInFlight(t *testing.T) {
	t.Parallel()

	fx := newWorkflowFixture(t)

	fx.workflow.passLock.Lock()
	defer fx.workflow.passLock.Unlock()

	report, err := fx.workflow.Run(context.Background(), "timer", false)
	require.NoError(t, err)

	assert.Equal(t, trigger.OutcomeBusy, report.Outcome)
	assert.Equal(t, trigger.OutcomeBusy, fx.workflow.RunMergePass(context.Background(), "timer", false))
}

func TestWorkflow_SourceWarningsEscalateToMixed(t *testing.T) {
	t.Parallel()

	fx := newWorkflowFixture(t)

	// A vanished sources root yields a discovery warning and no groups; the
	// otherwise clean pass reports Mixed.
	require.NoError(t, os.RemoveAll(fx.sourcesRoot))

	report, err := fx.workflow.Run(context.Background(), "timer", false)
	require.NoError(t, err)

	assert.Equal(t, trigger.OutcomeMixed, report.Outcome)
	assert.Zero(t, report.ActionsPlanned)
}

func TestWorkflow_AllActionsFailedIsFailure(t *testing.T) {
	t.Parallel()

	fx := newWorkflowFixture(t)
	fx.addSourceTitle(t, "vol1", "SourceA", "Alpha")

	fx.applier.failing[filepath.Join(fx.mergedRoot, "Alpha")] = struct{}{}

	report, err := fx.workflow.Run(context.Background(), "startup", false)
	require.NoError(t, err)

	assert.Equal(t, trigger.OutcomeFailure, report.Outcome)
	assert.Equal(t, 1, report.ActionsFailed)
	assert.Zero(t, report.ActionsSucceeded)
}

func TestWorkflow_PartialFailureIsMixed(t *testing.T) {
	t.Parallel()

	fx := newWorkflowFixture(t)
	fx.addSourceTitle(t, "vol1", "SourceA", "Alpha")
	fx.addSourceTitle(t, "vol1", "SourceA", "Beta")

	fx.applier.failing[filepath.Join(fx.mergedRoot, "Beta")] = struct{}{}

	report, err := fx.workflow.Run(context.Background(), "startup", false)
	require.NoError(t, err)

	assert.Equal(t, trigger.OutcomeMixed, report.Outcome)
	assert.Equal(t, 1, report.ActionsSucceeded)
	assert.Equal(t, 1, report.ActionsFailed)
}

func TestWorkflow_CleanupQuarantinesResidualsWhenNothingDesired(t *testing.T) {
	t.Parallel()

	fx := newWorkflowFixture(t)

	residual := filepath.Join(fx.mergedRoot, "Orphan")
	require.NoError(t, os.MkdirAll(residual, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(residual, "page.jpg"), []byte("x"), 0o644))

	report, err := fx.workflow.Run(context.Background(), "timer", false)
	require.NoError(t, err)

	assert.Equal(t, trigger.OutcomeSuccess, report.Outcome)
	assert.False(t, report.Cleanup.SkippedDueToActiveMounts)
	assert.Equal(t, 1, report.Cleanup.MovedNonEmptyDirectories)

	_, statErr := os.Stat(residual)
	assert.True(t, os.IsNotExist(statErr))

	// The live table is re-read before sweeping.
	fx.snap.mu.Lock()
	assert.GreaterOrEqual(t, fx.snap.calls, 2)
	fx.snap.mu.Unlock()
}

func TestWorkflow_CleanupSkippedWhileUnmountsRemain(t *testing.T) {
	t.Parallel()

	fx := newWorkflowFixture(t)

	lingering := filepath.Join(fx.mergedRoot, "Lingering")

	fx.snap.mu.Lock()
	fx.snap.entries = []mounts.Entry{mountedEntry(lingering, "id")}
	fx.snap.mu.Unlock()

	fx.applier.failing[lingering] = struct{}{}

	report, err := fx.workflow.Run(context.Background(), "timer", false)
	require.NoError(t, err)

	// The failed unmount leaves the mount visible on re-read, so the sweep
	// must not run.
	assert.Equal(t, trigger.OutcomeFailure, report.Outcome)
	assert.True(t, report.Cleanup.SkippedDueToActiveMounts)
}

func TestWorkflow_SnapshotFailureFailsPass(t *testing.T) {
	t.Parallel()

	fx := newWorkflowFixture(t)
	fx.addSourceTitle(t, "vol1", "SourceA", "Alpha")

	fx.snap.mu.Lock()
	fx.snap.err = assert.AnError
	fx.snap.mu.Unlock()

	report, err := fx.workflow.Run(context.Background(), "timer", false)
	require.NoError(t, err)

	assert.Equal(t, trigger.OutcomeFailure, report.Outcome)
	assert.Empty(t, fx.applier.recorded())
}

func TestWorkflow_MetadataInterruptionsCounted(t *testing.T) {
	t.Parallel()

	fx := newWorkflowFixture(t)
	fx.addSourceTitle(t, "vol1", "SourceA", "Alpha")
	fx.addSourceTitle(t, "vol1", "SourceA", "Beta")

	fx.ensurer.result = metadata.EnsureResult{ApiCalled: true, HadServiceInterruption: true}

	report, err := fx.workflow.Run(context.Background(), "startup", false)
	require.NoError(t, err)

	// Metadata trouble never blocks mounting.
	assert.Equal(t, trigger.OutcomeSuccess, report.Outcome)
	assert.Equal(t, 2, report.MetadataInterruptions)
	assert.Equal(t, 2, report.ActionsSucceeded)
}

func TestWorkflow_CancelledContextPropagates(t *testing.T) {
	t.Parallel()

	fx := newWorkflowFixture(t)
	fx.addSourceTitle(t, "vol1", "SourceA", "Alpha")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fx.workflow.Run(ctx, "timer", false)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, trigger.OutcomeFailure, fx.workflow.RunMergePass(ctx, "timer", false))
}

func TestReconcile_DeterministicOrdering(t *testing.T) {
	t.Parallel()

	desired := []desiredMount{
		{plan: mounts.Plan{MountPoint: "/m/Beta", DesiredIdentity: "b"}},
		{plan: mounts.Plan{MountPoint: "/m/Alpha", DesiredIdentity: "a"}},
	}

	managed := []mounts.Entry{
		{Target: "/m/Zeta", FSType: "fuse.mergerfs", Source: "z"},
		{Target: "/m/Beta", FSType: "fuse.mergerfs", Source: "stale"},
	}

	actions := reconcile(desired, managed, nil)

	require.Len(t, actions, 3)
	assert.Equal(t, "/m/Alpha", actions[0].MountPoint)
	assert.Equal(t, mounts.ActionMount, actions[0].Kind)
	assert.Equal(t, "/m/Beta", actions[1].MountPoint)
	assert.Equal(t, mounts.ActionRemount, actions[1].Kind)
	assert.Equal(t, "/m/Zeta", actions[2].MountPoint)
	assert.Equal(t, mounts.ActionUnmount, actions[2].Kind)
}

func TestReconcile_BrokenLinksFreezeMount(t *testing.T) {
	t.Parallel()

	desired := []desiredMount{
		{plan: mounts.Plan{MountPoint: "/m/Alpha", DesiredIdentity: "a"}, linksBroken: true},
	}

	managed := []mounts.Entry{
		{Target: "/m/Alpha", FSType: "fuse.mergerfs", Source: "stale"},
	}

	// Drifted but frozen: no remount, and crucially no unmount either.
	assert.Empty(t, reconcile(desired, managed, nil))
}
