package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-asr/internal/asr"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/decoder"
	"github.com/loqalabs/loqa-asr/internal/feature"
	"github.com/loqalabs/loqa-asr/internal/model"
)

func newMockFactory(t *testing.T) model.Factory {
	t.Helper()
	factory, err := model.NewFactory(config.ModelConfig{
		Kind:              "transducer",
		Mode:              "mock",
		VocabSize:         30,
		SubsamplingFactor: 4,
	})
	if err != nil {
		t.Fatalf("new mock factory: %v", err)
	}
	return factory
}

func testOptions(factory model.Factory) Options {
	return Options{
		Config: config.PipelineConfig{
			FeaturePoolSize:   2,
			InferencePoolSize: 1,
			DecodePoolSize:    1,
			MaxBatchSize:      10,
			MaxWaitMS:         10,
			QueueSize:         64,
			OverflowPolicy:    "reject",
		},
		Feature:  feature.Config{SampleRate: 16000, NumBins: 20},
		Decoding: config.DecodingConfig{Method: "greedy_search", MaxActivePaths: 4},
		Models:   factory,
		Symbols:  decoder.SyntheticSymbolTable(30),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func utterance(n int) []float32 {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(math.Sin(float64(i) * 0.05))
	}
	return samples
}

func await(t *testing.T, h *Handle) asr.Outcome {
	t.Helper()
	select {
	case outcome := <-h.Done:
		return outcome
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outcome")
	}
	return asr.Outcome{}
}

// recordingFactory wraps another factory and reports every forward
// pass's batch size.
type recordingFactory struct {
	inner model.Factory
	sizes chan int
}

func (f *recordingFactory) Info() model.Info { return f.inner.Info() }

func (f *recordingFactory) NewReplica() (model.Model, error) {
	replica, err := f.inner.NewReplica()
	if err != nil {
		return nil, err
	}
	return &recordingModel{Model: replica, sizes: f.sizes}, nil
}

type recordingModel struct {
	model.Model
	sizes chan int
}

func (m *recordingModel) Forward(ctx context.Context, features [][][]float32, lengths []int) (*model.Output, error) {
	m.sizes <- len(features)
	return m.Model.Forward(ctx, features, lengths)
}

// flakyFactory fails the next `remaining` forward passes, then
// delegates.
type flakyFactory struct {
	inner     model.Factory
	remaining *atomic.Int32
}

func (f *flakyFactory) Info() model.Info { return f.inner.Info() }

func (f *flakyFactory) NewReplica() (model.Model, error) {
	replica, err := f.inner.NewReplica()
	if err != nil {
		return nil, err
	}
	return &flakyModel{Model: replica, remaining: f.remaining}, nil
}

type flakyModel struct {
	model.Model
	remaining *atomic.Int32
}

func (m *flakyModel) Forward(ctx context.Context, features [][][]float32, lengths []int) (*model.Output, error) {
	if m.remaining.Add(-1) >= 0 {
		return nil, errors.New("backend crashed")
	}
	return m.Model.Forward(ctx, features, lengths)
}

func TestSubmitDeliversDecodedResult(t *testing.T) {
	p, err := New(testOptions(newMockFactory(t)))
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	p.Start()
	t.Cleanup(p.Close)

	handle, err := p.Submit(context.Background(), "session-1", utterance(16000), 16000)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	outcome := await(t, handle)
	if outcome.Err != nil {
		t.Fatalf("unexpected error: %v", outcome.Err)
	}
	res := outcome.Result
	if res.RequestID != handle.ID {
		t.Fatalf("result id %d, handle id %d", res.RequestID, handle.ID)
	}
	if len(res.Tokens) == 0 || res.Text == "" {
		t.Fatal("expected non-empty transcription")
	}
	if len(res.Tokens) != len(res.Timestamps) {
		t.Fatalf("%d tokens but %d timestamps", len(res.Tokens), len(res.Timestamps))
	}
	for i := 1; i < len(res.Timestamps); i++ {
		if res.Timestamps[i] < res.Timestamps[i-1] {
			t.Fatalf("timestamps not monotone: %v", res.Timestamps)
		}
	}
}

func TestConcurrentArrivalsShareOneBatch(t *testing.T) {
	sizes := make(chan int, 8)
	opts := testOptions(&recordingFactory{inner: newMockFactory(t), sizes: sizes})
	opts.Config.MaxWaitMS = 30
	p, err := New(opts)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	p.Start()
	t.Cleanup(p.Close)

	handles := make([]*Handle, 3)
	for i := range handles {
		h, err := p.Submit(context.Background(), "session", utterance(8000), 16000)
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		handles[i] = h
	}

	select {
	case size := <-sizes:
		if size != 3 {
			t.Fatalf("batch size %d, want 3", size)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a forward pass")
	}
	for _, h := range handles {
		if outcome := await(t, h); outcome.Err != nil {
			t.Fatalf("request %d failed: %v", h.ID, outcome.Err)
		}
	}
	select {
	case size := <-sizes:
		t.Fatalf("unexpected extra forward pass of size %d", size)
	default:
	}
}

func TestFullBatchDispatchesBeforeDeadline(t *testing.T) {
	sizes := make(chan int, 8)
	opts := testOptions(&recordingFactory{inner: newMockFactory(t), sizes: sizes})
	opts.Config.FeaturePoolSize = 4
	opts.Config.MaxBatchSize = 4
	opts.Config.MaxWaitMS = 200
	p, err := New(opts)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	p.Start()
	t.Cleanup(p.Close)

	handles := make([]*Handle, 6)
	for i := range handles {
		h, err := p.Submit(context.Background(), "session", utterance(4000), 16000)
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		handles[i] = h
	}
	submitted := time.Now()

	select {
	case size := <-sizes:
		if size != 4 {
			t.Fatalf("first batch size %d, want 4", size)
		}
		if waited := time.Since(submitted); waited > 150*time.Millisecond {
			t.Fatalf("full batch waited %v before dispatch", waited)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the first forward pass")
	}
	select {
	case size := <-sizes:
		if size != 2 {
			t.Fatalf("second batch size %d, want 2", size)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the remainder batch")
	}
	for _, h := range handles {
		if outcome := await(t, h); outcome.Err != nil {
			t.Fatalf("request %d failed: %v", h.ID, outcome.Err)
		}
	}
}

func TestCancelBeforeDispatchSuppressesDelivery(t *testing.T) {
	sizes := make(chan int, 8)
	p, err := New(testOptions(&recordingFactory{inner: newMockFactory(t), sizes: sizes}))
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	// Submitted before Start so the cancel always lands ahead of
	// extraction.
	handle, err := p.Submit(context.Background(), "session", utterance(8000), 16000)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !p.Cancel(handle.ID) {
		t.Fatal("cancel reported the request missing")
	}
	if p.Cancel(handle.ID) {
		t.Fatal("second cancel succeeded")
	}

	p.Start()
	t.Cleanup(p.Close)
	time.Sleep(100 * time.Millisecond)

	select {
	case size := <-sizes:
		t.Fatalf("cancelled request reached inference in a batch of %d", size)
	default:
	}
	select {
	case outcome := <-handle.Done:
		t.Fatalf("cancelled request delivered an outcome: %+v", outcome)
	default:
	}
}

func TestCancelPendingReleasesRequestState(t *testing.T) {
	rec := &captureRecorder{}
	opts := testOptions(newMockFactory(t))
	opts.Config.MaxWaitMS = 60000
	opts.Recorder = rec
	p, err := New(opts)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	p.Start()
	t.Cleanup(p.Close)

	handle, err := p.Submit(context.Background(), "session", utterance(8000), 16000)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Wait for extraction to park the request in the pending queue,
	// where no worker will touch it again before the far-off deadline.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if pending, _ := p.sched.depths(); pending == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("request never reached the pending queue")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !p.Cancel(handle.ID) {
		t.Fatal("cancel reported the request missing")
	}
	if p.Cancel(handle.ID) {
		t.Fatal("second cancel succeeded")
	}

	if got := p.disp.inflightCount(); got != 0 {
		t.Fatalf("cancelled request left state behind: %d in flight", got)
	}
	if got := rec.last(t); got.Status != "cancelled" {
		t.Fatalf("expected a cancelled record, got %+v", got)
	}
	select {
	case outcome := <-handle.Done:
		t.Fatalf("cancelled request delivered an outcome: %+v", outcome)
	default:
	}
}

func TestModelFailureFailsWholeBatchOnly(t *testing.T) {
	var remaining atomic.Int32
	remaining.Store(1)
	opts := testOptions(&flakyFactory{inner: newMockFactory(t), remaining: &remaining})
	opts.Config.FeaturePoolSize = 4
	opts.Config.MaxBatchSize = 4
	p, err := New(opts)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	p.Start()
	t.Cleanup(p.Close)

	handles := make([]*Handle, 4)
	for i := range handles {
		h, err := p.Submit(context.Background(), "session", utterance(4000), 16000)
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		handles[i] = h
	}
	for _, h := range handles {
		outcome := await(t, h)
		if outcome.Err == nil {
			t.Fatalf("request %d succeeded against a failing model", h.ID)
		}
		var infErr *asr.InferenceError
		if !errors.As(outcome.Err, &infErr) {
			t.Fatalf("error %v is not an inference error", outcome.Err)
		}
		if infErr.RequestID != h.ID {
			t.Fatalf("error carries id %d, want %d", infErr.RequestID, h.ID)
		}
	}

	// The worker survives the failed pass and serves the next request.
	h, err := p.Submit(context.Background(), "session", utterance(4000), 16000)
	if err != nil {
		t.Fatalf("submit after failure: %v", err)
	}
	if outcome := await(t, h); outcome.Err != nil {
		t.Fatalf("pool did not recover: %v", outcome.Err)
	}
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	opts := testOptions(newMockFactory(t))
	opts.Config.QueueSize = 1
	p, err := New(opts)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	first, err := p.Submit(context.Background(), "session", utterance(8000), 16000)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := p.Submit(context.Background(), "session", utterance(8000), 16000); !errors.Is(err, asr.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if got := p.disp.inflightCount(); got != 1 {
		t.Fatalf("rejected submission left state behind: %d in flight", got)
	}

	p.Start()
	t.Cleanup(p.Close)
	if outcome := await(t, first); outcome.Err != nil {
		t.Fatalf("queued request failed: %v", outcome.Err)
	}
}

func TestBlockPolicyHonoursContext(t *testing.T) {
	opts := testOptions(newMockFactory(t))
	opts.Config.QueueSize = 1
	opts.Config.OverflowPolicy = "block"
	p, err := New(opts)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	if _, err := p.Submit(context.Background(), "session", utterance(8000), 16000); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Submit(ctx, "session", utterance(8000), 16000); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	p.Start()
	p.Close()
}

func TestSubmitAfterCloseFails(t *testing.T) {
	p, err := New(testOptions(newMockFactory(t)))
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	p.Start()
	p.Close()

	if _, err := p.Submit(context.Background(), "session", utterance(8000), 16000); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestExtractionErrorDelivered(t *testing.T) {
	p, err := New(testOptions(newMockFactory(t)))
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	p.Start()
	t.Cleanup(p.Close)

	handle, err := p.Submit(context.Background(), "session", utterance(10), 16000)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	outcome := await(t, handle)
	var exErr *asr.ExtractionError
	if !errors.As(outcome.Err, &exErr) {
		t.Fatalf("expected an extraction error, got %v", outcome.Err)
	}
}

func TestWarmupCompletes(t *testing.T) {
	opts := testOptions(newMockFactory(t))
	p, err := New(opts)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	p.Start()
	t.Cleanup(p.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Warmup(ctx); err != nil {
		t.Fatalf("warmup: %v", err)
	}
}

func TestCloseDrainsInflightRequests(t *testing.T) {
	p, err := New(testOptions(newMockFactory(t)))
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	p.Start()

	handles := make([]*Handle, 5)
	for i := range handles {
		h, err := p.Submit(context.Background(), "session", utterance(8000), 16000)
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		handles[i] = h
	}
	p.Close()

	for _, h := range handles {
		if outcome := await(t, h); outcome.Err != nil {
			t.Fatalf("request %d lost during shutdown: %v", h.ID, outcome.Err)
		}
	}
}
