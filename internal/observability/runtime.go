package observability

import (
	"context"
	"fmt"
	runtimemetrics "runtime/metrics"

	"go.opentelemetry.io/otel/metric"
)

const (
	metricGoroutines = "ssmerge.runtime.goroutines"
	metricHeapBytes  = "ssmerge.runtime.heap.bytes"
	metricGCCycles   = "ssmerge.runtime.gc.cycles"

	// runtime/metrics sample names.
	sampleGoroutines = "/sched/goroutines:goroutines"
	sampleHeapBytes  = "/memory/classes/heap/objects:bytes"
	sampleGCCycles   = "/gc/cycles/total:gc-cycles"
)

// RegisterRuntimeMetrics exposes Go runtime health as observable gauges:
// goroutine count, live heap bytes and completed GC cycles. The meter's
// reader invokes the callback on each collection; no polling loop runs.
func RegisterRuntimeMetrics(mt metric.Meter) error {
	goroutines, err := mt.Int64ObservableGauge(metricGoroutines,
		metric.WithDescription("Live goroutines"),
		metric.WithUnit("{goroutine}"))
	if err != nil {
		return fmt.Errorf("create %s: %w", metricGoroutines, err)
	}

	heapBytes, err := mt.Int64ObservableGauge(metricHeapBytes,
		metric.WithDescription("Live heap object bytes"),
		metric.WithUnit("By"))
	if err != nil {
		return fmt.Errorf("create %s: %w", metricHeapBytes, err)
	}

	gcCycles, err := mt.Int64ObservableCounter(metricGCCycles,
		metric.WithDescription("Completed GC cycles"),
		metric.WithUnit("{cycle}"))
	if err != nil {
		return fmt.Errorf("create %s: %w", metricGCCycles, err)
	}

	samples := []runtimemetrics.Sample{
		{Name: sampleGoroutines},
		{Name: sampleHeapBytes},
		{Name: sampleGCCycles},
	}

	_, err = mt.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		runtimemetrics.Read(samples)

		observer.ObserveInt64(goroutines, sampleValue(samples[0]))
		observer.ObserveInt64(heapBytes, sampleValue(samples[1]))
		observer.ObserveInt64(gcCycles, sampleValue(samples[2]))

		return nil
	}, goroutines, heapBytes, gcCycles)
	if err != nil {
		return fmt.Errorf("register runtime callback: %w", err)
	}

	return nil
}

// sampleValue extracts an int64 from a runtime/metrics sample, tolerating
// either integer or float kinds.
func sampleValue(sample runtimemetrics.Sample) int64 {
	switch sample.Value.Kind() {
	case runtimemetrics.KindUint64:
		value := sample.Value.Uint64()
		if value > uint64(1)<<62 {
			return 1 << 62
		}

		return int64(value)
	case runtimemetrics.KindFloat64:
		return int64(sample.Value.Float64())
	default:
		return 0
	}
}
