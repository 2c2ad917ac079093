package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce   sync.Once
	stageExecCounter  metric.Int64Counter
	stageExecDuration metric.Float64Histogram
	cycleCounter      metric.Int64Counter
	cycleDuration     metric.Float64Histogram
	lockBusyCounter   metric.Int64Counter
	staleRecovered    metric.Int64Counter
	repairCounter     metric.Int64Counter
	inFlightGauge     metric.Int64UpDownCounter
)

// InitMetrics creates the instruments. Safe to call more than once; only
// the first call does work. Call after InitMeterProvider.
func InitMetrics(_ context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		stageExecCounter, err = m.Int64Counter("insight_stage_executions_total",
			metric.WithDescription("Stage executions by outcome"))
		if err != nil {
			return
		}
		stageExecDuration, err = m.Float64Histogram("insight_stage_execution_duration_seconds",
			metric.WithDescription("Stage execution duration in seconds"))
		if err != nil {
			return
		}
		cycleCounter, err = m.Int64Counter("insight_cycles_total",
			metric.WithDescription("Evaluation cycles by outcome"))
		if err != nil {
			return
		}
		cycleDuration, err = m.Float64Histogram("insight_cycle_duration_seconds",
			metric.WithDescription("Evaluation cycle duration in seconds"))
		if err != nil {
			return
		}
		lockBusyCounter, err = m.Int64Counter("insight_lock_busy_total",
			metric.WithDescription("Cycles skipped because the project lock was held"))
		if err != nil {
			return
		}
		staleRecovered, err = m.Int64Counter("insight_stale_recoveries_total",
			metric.WithDescription("In-progress stages recovered as stale"))
		if err != nil {
			return
		}
		repairCounter, err = m.Int64Counter("insight_result_repairs_total",
			metric.WithDescription("Reasoner results that needed a repair pass"))
		if err != nil {
			return
		}
		inFlightGauge, err = m.Int64UpDownCounter("insight_stages_in_flight",
			metric.WithDescription("Stage executions currently in flight"))
	})
	return err
}

// RecordStageExecution records one finished execution. outcome is
// "complete" or an error kind.
func RecordStageExecution(ctx context.Context, stage, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(AttrStage.String(stage), AttrOutcome.String(outcome))
	if stageExecCounter != nil {
		stageExecCounter.Add(ctx, 1, attrs)
	}
	if stageExecDuration != nil {
		stageExecDuration.Record(ctx, d.Seconds(), attrs)
	}
}

// RecordCycle records one evaluation cycle.
func RecordCycle(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(AttrOutcome.String(outcome))
	if cycleCounter != nil {
		cycleCounter.Add(ctx, 1, attrs)
	}
	if cycleDuration != nil {
		cycleDuration.Record(ctx, d.Seconds(), attrs)
	}
}

// RecordLockBusy counts a cycle that found the project lock held.
func RecordLockBusy(ctx context.Context) {
	if lockBusyCounter != nil {
		lockBusyCounter.Add(ctx, 1)
	}
}

// RecordStaleRecovery counts one stale in-progress stage written failed.
func RecordStaleRecovery(ctx context.Context, stage string) {
	if staleRecovered != nil {
		staleRecovered.Add(ctx, 1, metric.WithAttributes(AttrStage.String(stage)))
	}
}

// RecordRepair counts a result that parsed only after repair.
func RecordRepair(ctx context.Context, stage string) {
	if repairCounter != nil {
		repairCounter.Add(ctx, 1, metric.WithAttributes(AttrStage.String(stage)))
	}
}

// AddInFlight adjusts the in-flight gauge by delta.
func AddInFlight(ctx context.Context, stage string, delta int64) {
	if inFlightGauge != nil {
		inFlightGauge.Add(ctx, delta, metric.WithAttributes(AttrStage.String(stage)))
	}
}
