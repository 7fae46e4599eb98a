package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-asr/internal/asr"
)

// Record is the terminal lifecycle entry handed to the Recorder for
// every request that reached a terminal state.
type Record struct {
	RequestID  uint64
	SessionID  string
	Status     string // done, failed, cancelled
	Text       string
	Tokens     []string
	Timestamps []float64
	Error      string
	ArrivalAt  time.Time
	Elapsed    time.Duration
}

// Recorder persists terminal request records. A nil Recorder disables
// persistence.
type Recorder interface {
	RecordRequest(ctx context.Context, rec Record) error
}

// dispatcher routes every terminal outcome back to the request that
// produced it and releases per-request state. Each request id gets at
// most one delivery; results for cancelled requests are dropped
// without error.
type dispatcher struct {
	log      *slog.Logger
	recorder Recorder
	metrics  *pipelineMetrics

	mu       sync.Mutex
	inflight map[uint64]*inflightEntry
}

type inflightEntry struct {
	req       *asr.Request
	cancelled bool
}

func newDispatcher(log *slog.Logger, recorder Recorder, metrics *pipelineMetrics) *dispatcher {
	return &dispatcher{
		log:      log.With(slog.String("component", "dispatcher")),
		recorder: recorder,
		metrics:  metrics,
		inflight: make(map[uint64]*inflightEntry),
	}
}

func (d *dispatcher) register(req *asr.Request) {
	d.mu.Lock()
	d.inflight[req.ID] = &inflightEntry{req: req}
	d.mu.Unlock()
}

// unregister removes a request that never entered the pipeline, e.g.
// when the ingress queue rejected it after registration.
func (d *dispatcher) unregister(id uint64) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

// cancel marks a request so any later result is discarded, returning
// the request so the caller can retire it if no stage will ever reach
// it again. A second cancel for the same id reports false.
func (d *dispatcher) cancel(id uint64) (*asr.Request, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.inflight[id]
	if !ok || entry.cancelled {
		return nil, false
	}
	entry.cancelled = true
	return entry.req, true
}

func (d *dispatcher) cancelled(id uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.inflight[id]
	return ok && entry.cancelled
}

// complete delivers a decoded result to the request's sink.
func (d *dispatcher) complete(req *asr.Request, res *asr.DecodedResult) {
	entry := d.take(req.ID)
	if entry == nil {
		return
	}
	if entry.cancelled {
		d.finish(req, "cancelled", nil, asr.ErrCancelled)
		return
	}
	req.Sink <- asr.Outcome{Result: res}
	d.finish(req, "done", res, nil)
}

// fail delivers a terminal error to the request's sink.
func (d *dispatcher) fail(req *asr.Request, err error) {
	entry := d.take(req.ID)
	if entry == nil {
		return
	}
	if entry.cancelled {
		d.finish(req, "cancelled", nil, asr.ErrCancelled)
		return
	}
	req.Sink <- asr.Outcome{Err: err}
	d.log.Warn("request failed",
		slog.Uint64("request_id", req.ID),
		slog.String("error", err.Error()))
	d.finish(req, "failed", nil, err)
}

// drop retires a request that was cancelled before producing output.
func (d *dispatcher) drop(req *asr.Request) {
	if entry := d.take(req.ID); entry != nil {
		d.finish(req, "cancelled", nil, asr.ErrCancelled)
	}
}

func (d *dispatcher) take(id uint64) *inflightEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.inflight[id]
	if !ok {
		return nil
	}
	delete(d.inflight, id)
	return entry
}

func (d *dispatcher) finish(req *asr.Request, status string, res *asr.DecodedResult, err error) {
	if d.metrics != nil {
		d.metrics.recordOutcome(status)
	}
	if d.recorder == nil {
		return
	}
	rec := Record{
		RequestID: req.ID,
		SessionID: req.SessionID,
		Status:    status,
		ArrivalAt: req.ArrivalAt,
		Elapsed:   time.Since(req.ArrivalAt),
	}
	if res != nil {
		rec.Text = res.Text
		rec.Tokens = res.Tokens
		rec.Timestamps = res.Timestamps
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if recErr := d.recorder.RecordRequest(context.Background(), rec); recErr != nil {
		d.log.Warn("failed to record request",
			slog.Uint64("request_id", req.ID),
			slog.String("error", recErr.Error()))
	}
}

// inflightCount feeds the in-flight gauge.
func (d *dispatcher) inflightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}
