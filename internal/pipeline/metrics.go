package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// pipelineMetrics exposes the batching behaviour that matters
// operationally: how full batches are, how long the oldest member
// waited, and how deep the queues run.
type pipelineMetrics struct {
	meter        metric.Meter
	submissions  metric.Int64Counter
	outcomes     metric.Int64Counter
	batchSize    metric.Int64Histogram
	batchWaitMS  metric.Float64Histogram
	pendingGauge metric.Int64ObservableGauge
	queueGauge   metric.Int64ObservableGauge
	flightGauge  metric.Int64ObservableGauge
}

func newPipelineMetrics() (*pipelineMetrics, error) {
	meter := otel.Meter("github.com/loqalabs/loqa-asr/pipeline")

	submissions, err := meter.Int64Counter("asr.requests.submitted",
		metric.WithDescription("Requests accepted into the pipeline"))
	if err != nil {
		return nil, err
	}
	outcomes, err := meter.Int64Counter("asr.requests.completed",
		metric.WithDescription("Requests reaching a terminal state, by status"))
	if err != nil {
		return nil, err
	}
	batchSize, err := meter.Int64Histogram("asr.batch.size",
		metric.WithDescription("Members per formed batch"))
	if err != nil {
		return nil, err
	}
	batchWaitMS, err := meter.Float64Histogram("asr.batch.wait_ms",
		metric.WithDescription("Oldest-member wait before batch formation"))
	if err != nil {
		return nil, err
	}

	return &pipelineMetrics{
		meter:       meter,
		submissions: submissions,
		outcomes:    outcomes,
		batchSize:   batchSize,
		batchWaitMS: batchWaitMS,
	}, nil
}

// observeDepths registers gauge callbacks once the scheduler and
// dispatcher exist.
func (m *pipelineMetrics) observeDepths(sched *scheduler, disp *dispatcher) error {
	pending, err := m.meter.Int64ObservableGauge("asr.scheduler.pending",
		metric.WithDescription("Feature sequences awaiting batch assignment"))
	if err != nil {
		return err
	}
	queued, err := m.meter.Int64ObservableGauge("asr.scheduler.batches_queued",
		metric.WithDescription("Formed batches awaiting an idle inference worker"))
	if err != nil {
		return err
	}
	inflight, err := m.meter.Int64ObservableGauge("asr.requests.inflight",
		metric.WithDescription("Requests between submission and delivery"))
	if err != nil {
		return err
	}
	m.pendingGauge = pending
	m.queueGauge = queued
	m.flightGauge = inflight

	_, err = m.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		p, q := sched.depths()
		obs.ObserveInt64(pending, int64(p))
		obs.ObserveInt64(queued, int64(q))
		obs.ObserveInt64(inflight, int64(disp.inflightCount()))
		return nil
	}, pending, queued, inflight)
	return err
}

func (m *pipelineMetrics) recordSubmission() {
	m.submissions.Add(context.Background(), 1)
}

func (m *pipelineMetrics) recordOutcome(status string) {
	m.outcomes.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("status", status)))
}

func (m *pipelineMetrics) recordBatch(size int, wait time.Duration) {
	ctx := context.Background()
	m.batchSize.Record(ctx, int64(size))
	m.batchWaitMS.Record(ctx, float64(wait.Microseconds())/1000)
}
