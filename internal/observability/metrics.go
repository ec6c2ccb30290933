package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricPassesTotal        = "ssmerge.merge.passes.total"
	metricPassDuration       = "ssmerge.merge.pass.duration.seconds"
	metricDesiredMounts      = "ssmerge.merge.desired_mounts"
	metricActionsTotal       = "ssmerge.mount.actions.total"
	metricResidualsMoved     = "ssmerge.cleanup.residuals_moved.total"
	metricEmptyDirsRemoved   = "ssmerge.cleanup.empty_dirs_removed.total"
	metricSearchesTotal      = "ssmerge.metadata.searches.total"
	metricInterruptionsTotal = "ssmerge.metadata.interruptions.total"

	attrOutcome = "outcome"
	attrKind    = "kind"
	attrReason  = "reason"
)

// passDurationBoundaries covers merge passes from sub-second no-op sweeps to
// multi-minute remount storms.
var passDurationBoundaries = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// DaemonMetrics holds the OTel instruments for merge passes, mount actions,
// residual cleanup and the metadata pipeline.
type DaemonMetrics struct {
	passesTotal        metric.Int64Counter
	passDuration       metric.Float64Histogram
	desiredMounts      metric.Int64Gauge
	actionsTotal       metric.Int64Counter
	residualsMoved     metric.Int64Counter
	emptyDirsRemoved   metric.Int64Counter
	searchesTotal      metric.Int64Counter
	interruptionsTotal metric.Int64Counter
}

// instrumentBuilder accumulates instrument creation errors so the
// constructor needs a single error check.
type instrumentBuilder struct {
	meter metric.Meter
	err   error
}

func (b *instrumentBuilder) counter(name, desc, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if b.err == nil && err != nil {
		b.err = err
	}

	return c
}

func (b *instrumentBuilder) gauge(name, desc, unit string) metric.Int64Gauge {
	g, err := b.meter.Int64Gauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if b.err == nil && err != nil {
		b.err = err
	}

	return g
}

func (b *instrumentBuilder) histogram(name, desc, unit string, bounds []float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit(unit),
		metric.WithExplicitBucketBoundaries(bounds...))
	if b.err == nil && err != nil {
		b.err = err
	}

	return h
}

// NewDaemonMetrics creates the daemon instruments from the given meter.
func NewDaemonMetrics(mt metric.Meter) (*DaemonMetrics, error) {
	b := &instrumentBuilder{meter: mt}

	dm := &DaemonMetrics{
		passesTotal:        b.counter(metricPassesTotal, "Merge passes by outcome", "{pass}"),
		passDuration:       b.histogram(metricPassDuration, "Merge pass duration in seconds", "s", passDurationBoundaries),
		desiredMounts:      b.gauge(metricDesiredMounts, "Desired union mounts at the last pass", "{mount}"),
		actionsTotal:       b.counter(metricActionsTotal, "Mount actions by kind and outcome", "{action}"),
		residualsMoved:     b.counter(metricResidualsMoved, "Residual merged entries quarantined", "{directory}"),
		emptyDirsRemoved:   b.counter(metricEmptyDirsRemoved, "Empty merged directories removed", "{directory}"),
		searchesTotal:      b.counter(metricSearchesTotal, "Metadata API searches issued", "{search}"),
		interruptionsTotal: b.counter(metricInterruptionsTotal, "Metadata service interruptions", "{interruption}"),
	}

	if b.err != nil {
		return nil, b.err
	}

	return dm, nil
}

// RecordPass records one completed merge pass. Safe on a nil receiver.
func (dm *DaemonMetrics) RecordPass(ctx context.Context, outcome, reason string, duration time.Duration, desiredMounts int) {
	if dm == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String(attrOutcome, outcome),
		attribute.String(attrReason, reason),
	)

	dm.passesTotal.Add(ctx, 1, attrs)
	dm.passDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String(attrOutcome, outcome)))
	dm.desiredMounts.Record(ctx, int64(desiredMounts))
}

// RecordAction records one applied mount action. Safe on a nil receiver.
func (dm *DaemonMetrics) RecordAction(ctx context.Context, kind, outcome string) {
	if dm == nil {
		return
	}

	dm.actionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrKind, kind),
		attribute.String(attrOutcome, outcome),
	))
}

// RecordCleanup records one residual cleanup sweep. Safe on a nil receiver.
func (dm *DaemonMetrics) RecordCleanup(ctx context.Context, removedEmpty, movedResiduals int) {
	if dm == nil {
		return
	}

	dm.emptyDirsRemoved.Add(ctx, int64(removedEmpty))
	dm.residualsMoved.Add(ctx, int64(movedResiduals))
}

// RecordMetadata records one per-title metadata coordination. Safe on a nil
// receiver.
func (dm *DaemonMetrics) RecordMetadata(ctx context.Context, apiCalled, interrupted bool) {
	if dm == nil {
		return
	}

	if apiCalled {
		dm.searchesTotal.Add(ctx, 1)
	}

	if interrupted {
		dm.interruptionsTotal.Add(ctx, 1)
	}
}
