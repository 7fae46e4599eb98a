package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-asr/internal/asr"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/decoder"
	"github.com/loqalabs/loqa-asr/internal/feature"
	"github.com/loqalabs/loqa-asr/internal/model"
)

// ErrClosed is returned by Submit after shutdown has begun.
var ErrClosed = errors.New("pipeline closed")

// Options wires the pipeline's collaborators together.
type Options struct {
	Config   config.PipelineConfig
	Feature  feature.Config
	Decoding config.DecodingConfig
	Models   model.Factory
	Symbols  *decoder.SymbolTable
	Recorder Recorder
	Logger   *slog.Logger
}

// Handle is the caller's side of one submitted request. Done yields
// exactly one Outcome unless the request is cancelled.
type Handle struct {
	ID   uint64
	Done <-chan asr.Outcome
}

// Pipeline is the batching recognition engine: extractor pool, batch
// scheduler, inference pool and decode pool, with a dispatcher routing
// terminal outcomes back to submitters.
type Pipeline struct {
	cfg     config.PipelineConfig
	log     *slog.Logger
	sched   *scheduler
	disp    *dispatcher
	dec     *decoder.Decoder
	info    model.Info
	metrics *pipelineMetrics

	ingress chan *asr.Request
	decodeQ chan *asr.InferenceResult

	extractors []*feature.Extractor
	replicas   []model.Model
	sampleRate int
	blockFull  bool

	nextID atomic.Uint64

	mu     sync.RWMutex
	closed bool

	wgExtract sync.WaitGroup
	wgInfer   sync.WaitGroup
	wgDecode  sync.WaitGroup
}

// New allocates worker state and loads one model replica per
// inference worker. Nothing runs until Start.
func New(opts Options) (*Pipeline, error) {
	if opts.Models == nil {
		return nil, errors.New("pipeline requires a model factory")
	}
	if opts.Symbols == nil {
		return nil, errors.New("pipeline requires a symbol table")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "pipeline"))

	metrics, err := newPipelineMetrics()
	if err != nil {
		log.Warn("failed to initialize pipeline metrics", slog.String("error", err.Error()))
		metrics = nil
	}

	extractors := make([]*feature.Extractor, opts.Config.FeaturePoolSize)
	for i := range extractors {
		ex, err := feature.NewExtractor(opts.Feature)
		if err != nil {
			return nil, fmt.Errorf("create feature extractor: %w", err)
		}
		extractors[i] = ex
	}

	info := opts.Models.Info()
	replicas := make([]model.Model, opts.Config.InferencePoolSize)
	for i := range replicas {
		replica, err := opts.Models.NewReplica()
		if err != nil {
			for _, r := range replicas[:i] {
				_ = r.Close()
			}
			return nil, fmt.Errorf("load model replica %d: %w", i, err)
		}
		replicas[i] = replica
	}

	dec, err := decoder.New(decoder.Config{
		Method:         decoder.Method(opts.Decoding.Method),
		Rule:           decoder.EmissionRule(info.Kind),
		MaxActivePaths: opts.Decoding.MaxActivePaths,
		BlankID:        info.BlankID,
		StepSeconds:    extractors[0].FrameShiftSeconds() * float64(info.SubsamplingFactor),
	}, opts.Symbols)
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}

	p := &Pipeline{
		cfg:        opts.Config,
		log:        log,
		dec:        dec,
		info:       info,
		metrics:    metrics,
		ingress:    make(chan *asr.Request, opts.Config.QueueSize),
		decodeQ:    make(chan *asr.InferenceResult, opts.Config.QueueSize),
		extractors: extractors,
		replicas:   replicas,
		sampleRate: opts.Feature.SampleRate,
		blockFull:  opts.Config.OverflowPolicy == "block",
	}
	p.sched = newScheduler(opts.Config.MaxBatchSize, time.Duration(opts.Config.MaxWaitMS)*time.Millisecond, metrics)
	p.disp = newDispatcher(log, opts.Recorder, metrics)

	if metrics != nil {
		if err := metrics.observeDepths(p.sched, p.disp); err != nil {
			log.Warn("failed to register depth gauges", slog.String("error", err.Error()))
		}
	}

	return p, nil
}

// Start launches the worker pools.
func (p *Pipeline) Start() {
	for _, ex := range p.extractors {
		p.wgExtract.Add(1)
		go p.runExtractor(ex)
	}
	for _, replica := range p.replicas {
		p.wgInfer.Add(1)
		go p.runInference(replica)
	}
	for i := 0; i < p.cfg.DecodePoolSize; i++ {
		p.wgDecode.Add(1)
		go p.runDecode()
	}
	p.log.Info("pipeline started",
		slog.Int("feature_pool", len(p.extractors)),
		slog.Int("inference_pool", len(p.replicas)),
		slog.Int("decode_pool", p.cfg.DecodePoolSize),
		slog.Int("max_batch_size", p.cfg.MaxBatchSize),
		slog.Int("max_wait_ms", p.cfg.MaxWaitMS))
}

// Submit enqueues one utterance. Under the reject policy a full
// ingress queue returns asr.ErrQueueFull without creating request
// state; under the block policy the caller waits for room or its
// context.
func (p *Pipeline) Submit(ctx context.Context, sessionID string, samples []float32, sampleRate int) (*Handle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}

	req := &asr.Request{
		ID:         p.nextID.Add(1),
		SessionID:  sessionID,
		Samples:    samples,
		SampleRate: sampleRate,
		ArrivalAt:  time.Now(),
		Sink:       make(chan asr.Outcome, 1),
	}
	p.disp.register(req)

	if p.blockFull {
		select {
		case p.ingress <- req:
		case <-ctx.Done():
			p.disp.unregister(req.ID)
			return nil, ctx.Err()
		}
	} else {
		select {
		case p.ingress <- req:
		default:
			p.disp.unregister(req.ID)
			return nil, asr.ErrQueueFull
		}
	}

	if p.metrics != nil {
		p.metrics.recordSubmission()
	}
	return &Handle{ID: req.ID, Done: req.Sink}, nil
}

// Cancel withdraws a request. Before batch dispatch the request is
// pulled from the pending queue and retired immediately; afterwards
// the batch completes and the dispatcher silently drops the result.
// Cancel reports whether the request was still in flight and not
// already cancelled.
func (p *Pipeline) Cancel(id uint64) bool {
	req, ok := p.disp.cancel(id)
	if !ok {
		return false
	}
	// A pending entry withdrawn here is unreachable by every stage,
	// so its state must be released now.
	if p.sched.remove(id) {
		p.disp.drop(req)
	}
	return true
}

// Warmup pushes one synthetic utterance through every stage so the
// first real request does not pay first-use costs.
func (p *Pipeline) Warmup(ctx context.Context) error {
	samples := make([]float32, p.sampleRate)
	for i := range samples {
		samples[i] = float32(i%101) * 1e-4
	}
	handle, err := p.Submit(ctx, "warmup", samples, p.sampleRate)
	if err != nil {
		return fmt.Errorf("submit warmup utterance: %w", err)
	}
	select {
	case outcome := <-handle.Done:
		if outcome.Err != nil {
			return fmt.Errorf("warmup failed: %w", outcome.Err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops intake, drains every stage in order and releases the
// model replicas. In-flight requests still receive their outcomes.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.ingress)
	p.wgExtract.Wait()
	p.sched.shutdown()
	p.wgInfer.Wait()
	close(p.decodeQ)
	p.wgDecode.Wait()

	for _, replica := range p.replicas {
		if err := replica.Close(); err != nil {
			p.log.Warn("failed to close model replica", slog.String("error", err.Error()))
		}
	}
	p.log.Info("pipeline stopped")
}

func (p *Pipeline) runExtractor(ex *feature.Extractor) {
	defer p.wgExtract.Done()
	for req := range p.ingress {
		if p.disp.cancelled(req.ID) {
			p.disp.drop(req)
			continue
		}
		frames, err := ex.Extract(req.Samples, req.SampleRate)
		if err != nil {
			p.disp.fail(req, &asr.ExtractionError{RequestID: req.ID, Err: err})
			continue
		}
		p.sched.enqueue(&asr.PendingRequest{
			Request:  req,
			Features: &asr.FeatureSequence{RequestID: req.ID, Frames: frames},
		})
	}
}

func (p *Pipeline) runInference(replica model.Model) {
	defer p.wgInfer.Done()
	for {
		batch, ok := p.sched.next()
		if !ok {
			return
		}
		p.processBatch(replica, batch)
	}
}

// processBatch pads the batch rectangular, runs one forward pass and
// fans trimmed per-member results out to the decode pool. A model
// failure fails every member; the worker itself survives.
func (p *Pipeline) processBatch(replica model.Model, batch *asr.Batch) {
	numBins := len(batch.Members[0].Features.Frames[0])
	zeroFrame := make([]float32, numBins)

	features := make([][][]float32, len(batch.Members))
	lengths := make([]int, len(batch.Members))
	for i, pr := range batch.Members {
		frames := pr.Features.Frames
		lengths[i] = len(frames)
		if len(frames) == batch.MaxFrames {
			features[i] = frames
			continue
		}
		padded := make([][]float32, batch.MaxFrames)
		copy(padded, frames)
		for f := len(frames); f < batch.MaxFrames; f++ {
			padded[f] = zeroFrame
		}
		features[i] = padded
	}

	out, err := replica.Forward(context.Background(), features, lengths)
	if err == nil && len(out.Posteriors) != len(batch.Members) {
		err = fmt.Errorf("model returned %d outputs for %d members", len(out.Posteriors), len(batch.Members))
	}
	if err != nil {
		p.log.Error("batch inference failed",
			slog.Int("batch_size", len(batch.Members)),
			slog.String("error", err.Error()))
		for _, pr := range batch.Members {
			p.disp.fail(pr.Request, &asr.InferenceError{RequestID: pr.Request.ID, Err: err})
		}
		return
	}

	for i, pr := range batch.Members {
		steps := out.Lengths[i]
		if steps > len(out.Posteriors[i]) {
			steps = len(out.Posteriors[i])
		}
		p.decodeQ <- &asr.InferenceResult{
			RequestID:  pr.Request.ID,
			Request:    pr.Request,
			Posteriors: out.Posteriors[i][:steps],
		}
	}
}

func (p *Pipeline) runDecode() {
	defer p.wgDecode.Done()
	for res := range p.decodeQ {
		if p.disp.cancelled(res.RequestID) {
			p.disp.drop(res.Request)
			continue
		}
		decoded, err := p.dec.Decode(res.Posteriors)
		if err != nil {
			p.disp.fail(res.Request, fmt.Errorf("decode request %d: %w", res.RequestID, err))
			continue
		}
		p.disp.complete(res.Request, &asr.DecodedResult{
			RequestID:  res.RequestID,
			Text:       decoded.Text,
			Tokens:     decoded.Tokens,
			Timestamps: decoded.Timestamps,
		})
	}
}
