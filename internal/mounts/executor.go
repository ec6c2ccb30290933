package mounts

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sawamura-io/ssmerge/internal/errkind"
	"github.com/sawamura-io/ssmerge/internal/procs"
)

// mergerfs emits this stderr fragment when the mountpoint vanished between
// planning and mounting. One directory re-ensure plus a single retry covers
// the race.
const badMountPointMarker = "bad mount point"

const (
	mergerfsTool   = "mergerfs"
	fusermountTool = "fusermount"
)

// ActionKind is the reconciliation step to take for one mount point.
type ActionKind int

// Action kinds, ordered the way the workflow applies them within a group.
const (
	ActionMount ActionKind = iota
	ActionRemount
	ActionUnmount
)

// String implements fmt.Stringer.
func (k ActionKind) String() string {
	switch k {
	case ActionMount:
		return "mount"
	case ActionRemount:
		return "remount"
	case ActionUnmount:
		return "unmount"
	default:
		return "unknown"
	}
}

// Action is one desired change to the mount table.
type Action struct {
	Kind       ActionKind
	MountPoint string

	// DesiredIdentity is recorded in the mount's fsname= option so later
	// passes can detect drift. Unset for unmounts.
	DesiredIdentity string

	// BranchSpecification is the mergerfs branch string. Unset for
	// unmounts.
	BranchSpecification string

	// Reason is a short operator-facing token explaining why the action
	// was planned.
	Reason string
}

// ApplyOutcome classifies one applied action.
type ApplyOutcome int

// Apply outcomes.
const (
	ApplySuccess ApplyOutcome = iota
	ApplyFailure
)

// String implements fmt.Stringer.
func (o ApplyOutcome) String() string {
	if o == ApplySuccess {
		return "success"
	}

	return "failure"
}

// ApplyResult is the classified outcome of one action.
type ApplyResult struct {
	Outcome ApplyOutcome

	// Diagnostic carries the stderr snippet or error text on failure.
	Diagnostic string

	// Invocations counts the external processes launched for the action.
	Invocations int
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	// Runner launches the external tools. Nil uses ExecRunner.
	Runner procs.Runner

	// MergerfsOptions is the operator-supplied base option string.
	MergerfsOptions string

	// ActionTimeout bounds each tool invocation.
	ActionTimeout time.Duration

	// CleanupLowPriority enables the lazy-detach fallback after a failed
	// unmount, run under idle scheduling.
	CleanupLowPriority bool

	Logger *slog.Logger
}

// Executor applies planned mount actions through external tools.
type Executor struct {
	runner             procs.Runner
	baseOptions        string
	timeout            time.Duration
	cleanupLowPriority bool
	logger             *slog.Logger
}

// NewExecutor builds an Executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	runner := cfg.Runner
	if runner == nil {
		runner = procs.ExecRunner{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{
		runner:             runner,
		baseOptions:        cfg.MergerfsOptions,
		timeout:            cfg.ActionTimeout,
		cleanupLowPriority: cfg.CleanupLowPriority,
		logger:             logger,
	}
}

// Apply performs one action. The returned error is non-nil only for
// cooperative cancellation and the fatal set; every tool-level failure is
// classified into the result instead.
func (e *Executor) Apply(ctx context.Context, action Action) (ApplyResult, error) {
	switch action.Kind {
	case ActionUnmount:
		return e.unmount(ctx, action)
	case ActionRemount:
		detach, detachErr := e.unmount(ctx, action)
		if detachErr != nil {
			return detach, detachErr
		}

		if detach.Outcome != ApplySuccess {
			e.logger.Warn("mounts.remount.detach_failed",
				slog.String("mount_point", action.MountPoint),
				slog.String("diagnostic", detach.Diagnostic))
		}

		mount, mountErr := e.mount(ctx, action)
		mount.Invocations += detach.Invocations

		return mount, mountErr
	default:
		return e.mount(ctx, action)
	}
}

func (e *Executor) mount(ctx context.Context, action Action) (ApplyResult, error) {
	if ensureErr := ensureMountPoint(action.MountPoint); ensureErr != nil {
		if errkind.IsFatal(ensureErr) {
			return ApplyResult{Outcome: ApplyFailure, Diagnostic: ensureErr.Error()}, ensureErr
		}

		return ApplyResult{Outcome: ApplyFailure, Diagnostic: ensureErr.Error()}, nil
	}

	spec := procs.Spec{
		Tool:    mergerfsTool,
		Args:    []string{"-o", composeOptions(e.baseOptions, action.DesiredIdentity), action.BranchSpecification, action.MountPoint},
		Timeout: e.timeout,
	}

	result := e.runner.Run(ctx, spec)
	invocations := 1

	if result.Outcome == procs.OutcomeNonZeroExit && strings.Contains(result.Stderr, badMountPointMarker) {
		e.logger.Warn("mounts.mount.retry",
			slog.String("mount_point", action.MountPoint),
			slog.String("stderr", result.Stderr))

		if ensureErr := ensureMountPoint(action.MountPoint); ensureErr != nil {
			if errkind.IsFatal(ensureErr) {
				return ApplyResult{Outcome: ApplyFailure, Diagnostic: ensureErr.Error(), Invocations: invocations}, ensureErr
			}

			return ApplyResult{Outcome: ApplyFailure, Diagnostic: ensureErr.Error(), Invocations: invocations}, nil
		}

		result = e.runner.Run(ctx, spec)
		invocations = 2
	}

	return e.finish(ctx, action, result, invocations)
}

func (e *Executor) unmount(ctx context.Context, action Action) (ApplyResult, error) {
	spec := procs.Spec{
		Tool:    fusermountTool,
		Args:    []string{"-u", action.MountPoint},
		Timeout: e.timeout,
	}

	result := e.runner.Run(ctx, spec)
	invocations := 1

	if result.Outcome != procs.OutcomeSuccess && e.cleanupLowPriority {
		if result.Outcome == procs.OutcomeCancelled && ctx.Err() != nil {
			return ApplyResult{Outcome: ApplyFailure, Diagnostic: diagnostic(result), Invocations: invocations}, ctx.Err()
		}

		e.logger.Warn("mounts.unmount.cleanup",
			slog.String("mount_point", action.MountPoint),
			slog.String("diagnostic", diagnostic(result)))

		cleanup := procs.LowPriority(procs.Spec{
			Tool:    fusermountTool,
			Args:    []string{"-uz", action.MountPoint},
			Timeout: e.timeout,
		})

		result = e.runner.Run(ctx, cleanup)
		invocations++
	}

	return e.finish(ctx, action, result, invocations)
}

// finish maps a tool result onto the action outcome, propagating cooperative
// cancellation as an error.
func (e *Executor) finish(ctx context.Context, action Action, result procs.Result, invocations int) (ApplyResult, error) {
	if result.Outcome == procs.OutcomeSuccess {
		e.logger.Debug("mounts.action.applied",
			slog.String("kind", action.Kind.String()),
			slog.String("mount_point", action.MountPoint),
			slog.String("reason", action.Reason),
			slog.Int("invocations", invocations))

		return ApplyResult{Outcome: ApplySuccess, Invocations: invocations}, nil
	}

	applied := ApplyResult{
		Outcome:     ApplyFailure,
		Diagnostic:  diagnostic(result),
		Invocations: invocations,
	}

	if result.Outcome == procs.OutcomeCancelled && ctx.Err() != nil {
		return applied, ctx.Err()
	}

	e.logger.Warn("mounts.action.failed",
		slog.String("kind", action.Kind.String()),
		slog.String("mount_point", action.MountPoint),
		slog.String("reason", action.Reason),
		slog.String("tool_outcome", result.Outcome.String()),
		slog.String("diagnostic", applied.Diagnostic))

	return applied, nil
}

// composeOptions normalizes the operator option string and stamps the mount
// identity: whitespace trimmed, trailing comma stripped, threads=1 appended
// when the operator did not choose a thread count, fsname= appended last.
func composeOptions(base, desiredIdentity string) string {
	options := strings.TrimSpace(base)
	options = strings.TrimSuffix(options, ",")

	hasThreads := false

	for _, token := range strings.Split(options, ",") {
		if strings.HasPrefix(token, "threads=") {
			hasThreads = true

			break
		}
	}

	parts := make([]string, 0, 3)
	if options != "" {
		parts = append(parts, options)
	}

	if !hasThreads {
		parts = append(parts, "threads=1")
	}

	parts = append(parts, "fsname="+desiredIdentity)

	return strings.Join(parts, ",")
}

func ensureMountPoint(path string) error {
	if mkdirErr := os.MkdirAll(path, 0o755); mkdirErr != nil {
		return fmt.Errorf("ensure mount point: %w", mkdirErr)
	}

	return nil
}

func diagnostic(result procs.Result) string {
	if result.Stderr != "" {
		return result.Stderr
	}

	if result.Err != nil {
		return result.Err.Error()
	}

	return "exit " + fmt.Sprint(result.ExitCode)
}
