package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-asr/internal/asr"
)

type captureRecorder struct {
	mu      sync.Mutex
	records []Record
}

func (c *captureRecorder) RecordRequest(_ context.Context, rec Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
	return nil
}

func (c *captureRecorder) last(t *testing.T) Record {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.records) == 0 {
		t.Fatal("no record captured")
	}
	return c.records[len(c.records)-1]
}

func newTestDispatcher(rec Recorder) *dispatcher {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return newDispatcher(log, rec, nil)
}

func newRequest(id uint64) *asr.Request {
	return &asr.Request{
		ID:        id,
		SessionID: "session",
		ArrivalAt: time.Now(),
		Sink:      make(chan asr.Outcome, 1),
	}
}

func TestCompleteDeliversExactlyOnce(t *testing.T) {
	rec := &captureRecorder{}
	d := newTestDispatcher(rec)

	req := newRequest(1)
	d.register(req)

	res := &asr.DecodedResult{RequestID: 1, Text: "hello"}
	d.complete(req, res)
	d.complete(req, res)
	d.fail(req, errors.New("late failure"))

	select {
	case outcome := <-req.Sink:
		if outcome.Err != nil || outcome.Result.Text != "hello" {
			t.Fatalf("unexpected outcome: %+v", outcome)
		}
	default:
		t.Fatal("no outcome delivered")
	}
	select {
	case outcome := <-req.Sink:
		t.Fatalf("second delivery: %+v", outcome)
	default:
	}

	if got := rec.last(t); got.Status != "done" || got.Text != "hello" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if d.inflightCount() != 0 {
		t.Fatalf("request state not released: %d in flight", d.inflightCount())
	}
}

func TestCancelledRequestResultIsDropped(t *testing.T) {
	rec := &captureRecorder{}
	d := newTestDispatcher(rec)

	req := newRequest(2)
	d.register(req)
	got, ok := d.cancel(req.ID)
	if !ok || got != req {
		t.Fatal("cancel did not return the in-flight request")
	}
	if _, ok := d.cancel(req.ID); ok {
		t.Fatal("second cancel succeeded")
	}
	if !d.cancelled(req.ID) {
		t.Fatal("cancelled flag not visible")
	}

	d.complete(req, &asr.DecodedResult{RequestID: 2, Text: "late"})

	select {
	case outcome := <-req.Sink:
		t.Fatalf("cancelled request received an outcome: %+v", outcome)
	default:
	}
	if got := rec.last(t); got.Status != "cancelled" {
		t.Fatalf("expected a cancelled record, got %+v", got)
	}
	if _, ok := d.cancel(99); ok {
		t.Fatal("cancel succeeded for an unknown id")
	}
}

func TestFailRecordsErrorText(t *testing.T) {
	rec := &captureRecorder{}
	d := newTestDispatcher(rec)

	req := newRequest(3)
	d.register(req)
	d.fail(req, &asr.InferenceError{RequestID: 3, Err: errors.New("backend gone")})

	outcome := <-req.Sink
	var infErr *asr.InferenceError
	if !errors.As(outcome.Err, &infErr) {
		t.Fatalf("expected an inference error, got %v", outcome.Err)
	}
	if got := rec.last(t); got.Status != "failed" || got.Error == "" {
		t.Fatalf("unexpected record: %+v", got)
	}
}
