package merge

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sawamura-io/ssmerge/internal/errkind"
	"github.com/sawamura-io/ssmerge/internal/metadata"
	"github.com/sawamura-io/ssmerge/internal/mounts"
	"github.com/sawamura-io/ssmerge/internal/observability"
	"github.com/sawamura-io/ssmerge/internal/pathutil"
	"github.com/sawamura-io/ssmerge/internal/trigger"
)

// tracerName is the instrumentation scope for merge-pass spans.
const tracerName = "ssmerge/merge"

// forceReasonPrefix marks scan reasons that carry an override title whose
// mount alone should be force-remounted.
const forceReasonPrefix = "override-force:"

// postMergePhase names the residual cleanup sweep at the end of a pass.
const postMergePhase = "post_merge"

// Reason tokens recorded on planned actions.
const (
	actionReasonMissing    = "missing"
	actionReasonDrift      = "identity-drift"
	actionReasonForced     = "forced"
	actionReasonNotDesired = "not-desired"
)

// ActionApplier performs one mount action. *mounts.Executor implements it.
type ActionApplier interface {
	Apply(ctx context.Context, action mounts.Action) (mounts.ApplyResult, error)
}

// MountSnapshotter lists the live mount table. *mounts.Reader implements it.
type MountSnapshotter interface {
	Snapshot(ctx context.Context) ([]mounts.Entry, error)
}

// MetadataEnsurer runs per-title metadata coordination.
// *metadata.Coordinator implements it.
type MetadataEnsurer interface {
	EnsureMetadata(ctx context.Context, req metadata.EnsureRequest) (metadata.EnsureResult, error)
}

// Report summarizes one merge pass for callers, logs and tests.
type Report struct {
	Outcome trigger.Outcome

	Groups        int
	DesiredMounts int

	ActionsPlanned   int
	ActionsSucceeded int
	ActionsFailed    int

	// LinkFailures counts groups whose branch links could not be
	// materialized; their mounts stay desired but receive no actions.
	LinkFailures int

	ForcedRemounts        int
	MetadataInterruptions int

	Cleanup  CleanupStats
	Duration time.Duration
}

// WorkflowConfig wires a Workflow.
type WorkflowConfig struct {
	Grouper  *Grouper
	Planner  *mounts.Planner
	Executor ActionApplier
	Reader   MountSnapshotter
	Cleaner  *Cleaner

	// Metadata runs the per-title artifact pipeline. Nil skips metadata
	// coordination entirely.
	Metadata MetadataEnsurer

	// MergedRoot scopes the managed-mount filter.
	MergedRoot string

	// Metrics records pass instrumentation. Nil records nothing.
	Metrics *observability.DaemonMetrics

	// Logger receives pass events. Defaults to slog.Default().
	Logger *slog.Logger

	// Now overrides the clock; used by tests. Defaults to time.Now.
	Now func() time.Time
}

// Workflow runs merge passes: discover groups, plan branches, coordinate
// metadata, converge the mount table, sweep residuals. At most one pass runs
// at a time; overlapping requests observe Busy.
type Workflow struct {
	grouper    *Grouper
	planner    *mounts.Planner
	executor   ActionApplier
	reader     MountSnapshotter
	cleaner    *Cleaner
	metadata   MetadataEnsurer
	mergedRoot string
	metrics    *observability.DaemonMetrics
	logger     *slog.Logger
	now        func() time.Time

	passLock sync.Mutex
}

// NewWorkflow builds a Workflow.
func NewWorkflow(cfg WorkflowConfig) *Workflow {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Workflow{
		grouper:    cfg.Grouper,
		planner:    cfg.Planner,
		executor:   cfg.Executor,
		reader:     cfg.Reader,
		cleaner:    cfg.Cleaner,
		metadata:   cfg.Metadata,
		mergedRoot: pathutil.Normalize(cfg.MergedRoot),
		metrics:    cfg.Metrics,
		logger:     logger,
		now:        now,
	}
}

// RunMergePass implements trigger.Handler. Cooperative cancellation is
// logged quietly; any other abort surfaces as a Failure outcome.
func (w *Workflow) RunMergePass(ctx context.Context, reason string, force bool) trigger.Outcome {
	report, runErr := w.Run(ctx, reason, force)
	if runErr != nil {
		if errkind.IsCooperativeCancellation(ctx, runErr) {
			w.logger.Debug("merge.pass.cancelled", slog.String("reason", reason))
		} else {
			w.logger.Error("merge.pass.aborted",
				slog.String("reason", reason),
				slog.String("error", runErr.Error()))
		}

		return trigger.OutcomeFailure
	}

	return report.Outcome
}

// desiredMount pairs a discovered group with its branch plan for the
// remainder of the pass.
type desiredMount struct {
	group Group
	plan  mounts.Plan

	// linksBroken freezes the mount: it stays desired, so a live union is
	// not torn down, but no action is planned against it this pass.
	linksBroken bool
}

// Run executes one merge pass. The returned error is non-nil only for
// cooperative cancellation and the fatal set; every other failure is folded
// into the report outcome.
func (w *Workflow) Run(ctx context.Context, reason string, force bool) (Report, error) {
	if !w.passLock.TryLock() {
		w.logger.Warn("merge.pass.busy", slog.String("reason", reason))

		return Report{Outcome: trigger.OutcomeBusy}, nil
	}
	defer w.passLock.Unlock()

	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "merge.pass",
		trace.WithAttributes(
			attribute.String("merge.reason", reason),
			attribute.Bool("merge.force", force),
		))
	defer span.End()

	started := w.now()

	w.logger.Info("merge.dispatch.started",
		slog.String("reason", reason),
		slog.Bool("force", force))

	var report Report

	disc, discErr := w.grouper.Discover(ctx)
	if discErr != nil {
		return report, discErr
	}

	report.Groups = len(disc.Groups)

	desired, buildErr := w.buildDesired(ctx, disc, &report)
	if buildErr != nil {
		return report, buildErr
	}

	report.DesiredMounts = len(desired)

	snapshot, snapErr := w.reader.Snapshot(ctx)
	if snapErr != nil {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		// Without a mount table no action can be planned safely.
		w.logger.Error("merge.snapshot.failed", slog.String("error", snapErr.Error()))

		report.Outcome = trigger.OutcomeFailure

		w.finish(ctx, reason, started, &report)

		return report, nil
	}

	managed := mounts.ManagedMounts(snapshot, w.mergedRoot)

	forceSet := w.forceRemountSet(reason, force, desired)
	report.ForcedRemounts = len(forceSet)

	actions := reconcile(desired, managed, forceSet)
	report.ActionsPlanned = len(actions)

	if applyErr := w.applyActions(ctx, actions, &report); applyErr != nil {
		return report, applyErr
	}

	if cleanupErr := w.runCleanup(ctx, len(desired), &report); cleanupErr != nil {
		return report, cleanupErr
	}

	report.Outcome = passOutcome(&report, len(disc.SourceWarnings))

	w.finish(ctx, reason, started, &report)

	return report, nil
}

// buildDesired plans every group's union mount, materializes its branch
// links and runs metadata coordination.
func (w *Workflow) buildDesired(ctx context.Context, disc Discovery, report *Report) ([]desiredMount, error) {
	desired := make([]desiredMount, 0, len(disc.Groups))

	for _, grp := range disc.Groups {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		plan := w.planner.Plan(mounts.PlanRequest{
			CanonicalTitle:  grp.CanonicalTitle,
			GroupKey:        grp.GroupKey,
			OverrideVolumes: disc.OverrideVolumes,
			Sources:         grp.Sources,
		})

		warnings, linkErr := w.planner.MaterializeLinks(plan)
		for _, warning := range warnings {
			w.logger.Warn("merge.links.warning",
				slog.String("title", grp.CanonicalTitle),
				slog.String("warning", warning))
		}

		if linkErr != nil {
			w.logger.Warn("merge.links.failed",
				slog.String("title", grp.CanonicalTitle),
				slog.String("links_dir", plan.LinksDir),
				slog.String("error", linkErr.Error()))

			report.LinkFailures++
		}

		if ensureErr := w.ensureMetadata(ctx, grp, plan, report); ensureErr != nil {
			return nil, ensureErr
		}

		desired = append(desired, desiredMount{
			group:       grp,
			plan:        plan,
			linksBroken: linkErr != nil,
		})
	}

	return desired, nil
}

func (w *Workflow) ensureMetadata(ctx context.Context, grp Group, plan mounts.Plan, report *Report) error {
	if w.metadata == nil {
		return nil
	}

	ensure, ensureErr := w.metadata.EnsureMetadata(ctx, metadata.EnsureRequest{
		DisplayTitle:         grp.CanonicalTitle,
		PreferredOverrideDir: plan.PreferredOverrideDir,
		AllOverrideDirs:      plan.AllOverrideDirs,
		SourceDirs:           plan.SourceDirs,
	})
	if ensureErr != nil {
		return ensureErr
	}

	w.metrics.RecordMetadata(ctx, ensure.ApiCalled, ensure.HadServiceInterruption)

	if ensure.HadServiceInterruption {
		report.MetadataInterruptions++
	}

	return nil
}

// forceRemountSet resolves the force flag into the mount points to remount
// even when their identity matches. An override-force reason narrows the set
// to that title's mount point; any other forced reason covers every desired
// mount.
func (w *Workflow) forceRemountSet(reason string, force bool, desired []desiredMount) map[string]struct{} {
	if !force {
		return nil
	}

	set := make(map[string]struct{}, len(desired))

	if strings.HasPrefix(reason, forceReasonPrefix) {
		raw := strings.TrimPrefix(reason, forceReasonPrefix)
		if raw == "" {
			w.logger.Warn("merge.force.empty_title", slog.String("reason", reason))

			return set
		}

		canonical := w.grouper.ResolveOverrideTitle(raw)

		for _, dm := range desired {
			if dm.group.CanonicalTitle == canonical {
				set[dm.plan.MountPoint] = struct{}{}
			}
		}

		if len(set) == 0 {
			w.logger.Debug("merge.force.title_not_desired",
				slog.String("title", raw),
				slog.String("canonical", canonical))
		}

		return set
	}

	for _, dm := range desired {
		set[dm.plan.MountPoint] = struct{}{}
	}

	return set
}

// reconcile diffs the desired mounts against the observed managed mounts.
// Actions come out sorted by (mount point, kind), which keeps passes
// deterministic and groups Mount before Remount before Unmount on ties.
func reconcile(desired []desiredMount, managed []mounts.Entry, forceSet map[string]struct{}) []mounts.Action {
	observed := make(map[string]mounts.Entry, len(managed))
	for _, entry := range managed {
		observed[entry.Target] = entry
	}

	desiredPoints := make(map[string]struct{}, len(desired))

	var actions []mounts.Action

	for _, dm := range desired {
		desiredPoints[dm.plan.MountPoint] = struct{}{}

		if dm.linksBroken {
			continue
		}

		entry, present := observed[dm.plan.MountPoint]
		_, forced := forceSet[dm.plan.MountPoint]

		var kind mounts.ActionKind

		var reason string

		switch {
		case !present:
			kind, reason = mounts.ActionMount, actionReasonMissing
		case entry.Identity() != dm.plan.DesiredIdentity:
			kind, reason = mounts.ActionRemount, actionReasonDrift
		case forced:
			kind, reason = mounts.ActionRemount, actionReasonForced
		default:
			continue
		}

		actions = append(actions, mounts.Action{
			Kind:                kind,
			MountPoint:          dm.plan.MountPoint,
			DesiredIdentity:     dm.plan.DesiredIdentity,
			BranchSpecification: dm.plan.BranchSpecification,
			Reason:              reason,
		})
	}

	for _, entry := range managed {
		if _, wanted := desiredPoints[entry.Target]; wanted {
			continue
		}

		actions = append(actions, mounts.Action{
			Kind:       mounts.ActionUnmount,
			MountPoint: entry.Target,
			Reason:     actionReasonNotDesired,
		})
	}

	sort.Slice(actions, func(i, j int) bool {
		if actions[i].MountPoint != actions[j].MountPoint {
			return actions[i].MountPoint < actions[j].MountPoint
		}

		return actions[i].Kind < actions[j].Kind
	})

	return actions
}

func (w *Workflow) applyActions(ctx context.Context, actions []mounts.Action, report *Report) error {
	for _, action := range actions {
		if err := ctx.Err(); err != nil {
			return err
		}

		applied, applyErr := w.executor.Apply(ctx, action)

		w.metrics.RecordAction(ctx, action.Kind.String(), applied.Outcome.String())

		if applied.Outcome == mounts.ApplySuccess {
			report.ActionsSucceeded++
		} else {
			report.ActionsFailed++
		}

		if applyErr != nil {
			return applyErr
		}
	}

	return nil
}

// runCleanup sweeps merged-root residuals. Desired mounts gate the sweep
// directly; with none desired the live table is re-read so a failed unmount
// still blocks the sweep.
func (w *Workflow) runCleanup(ctx context.Context, desiredCount int, report *Report) error {
	active := desiredCount

	if active == 0 {
		recheck, recheckErr := w.reader.Snapshot(ctx)

		switch {
		case recheckErr == nil:
			active = len(mounts.ManagedMounts(recheck, w.mergedRoot))
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			w.logger.Warn("merge.cleanup.recheck_failed", slog.String("error", recheckErr.Error()))

			// Unknown mount state; do not sweep.
			active = 1
		}
	}

	report.Cleanup = w.cleaner.Run(ctx, postMergePhase, active)

	w.metrics.RecordCleanup(ctx, report.Cleanup.RemovedEmptyDirectories, report.Cleanup.MovedNonEmptyDirectories)

	return nil
}

// passOutcome folds the per-action outcomes into the pass outcome. Source
// enumeration warnings downgrade an otherwise clean pass, since groups may
// be missing from the desired set.
func passOutcome(report *Report, sourceWarnings int) trigger.Outcome {
	failures := report.ActionsFailed + report.LinkFailures

	var outcome trigger.Outcome

	switch {
	case failures == 0:
		outcome = trigger.OutcomeSuccess
	case report.ActionsSucceeded == 0:
		outcome = trigger.OutcomeFailure
	default:
		outcome = trigger.OutcomeMixed
	}

	if outcome == trigger.OutcomeSuccess && sourceWarnings > 0 {
		outcome = trigger.OutcomeMixed
	}

	return outcome
}

func (w *Workflow) finish(ctx context.Context, reason string, started time.Time, report *Report) {
	report.Duration = w.now().Sub(started)

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("merge.outcome", report.Outcome.String()),
		attribute.Int("merge.desired_mounts", report.DesiredMounts),
		attribute.Int("merge.actions_planned", report.ActionsPlanned),
		attribute.Int("merge.actions_failed", report.ActionsFailed),
	)

	w.metrics.RecordPass(ctx, report.Outcome.String(), reason, report.Duration, report.DesiredMounts)

	w.logger.Info("merge.pass.completed",
		slog.String("outcome", report.Outcome.String()),
		slog.String("reason", reason),
		slog.Int("groups", report.Groups),
		slog.Int("desired_mounts", report.DesiredMounts),
		slog.Int("actions_planned", report.ActionsPlanned),
		slog.Int("actions_succeeded", report.ActionsSucceeded),
		slog.Int("actions_failed", report.ActionsFailed),
		slog.Int("link_failures", report.LinkFailures),
		slog.Int("metadata_interruptions", report.MetadataInterruptions),
		slog.Duration("duration", report.Duration))
}
