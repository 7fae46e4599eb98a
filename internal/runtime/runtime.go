package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-asr/internal/bus"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/decoder"
	"github.com/loqalabs/loqa-asr/internal/feature"
	"github.com/loqalabs/loqa-asr/internal/gateway"
	"github.com/loqalabs/loqa-asr/internal/model"
	"github.com/loqalabs/loqa-asr/internal/natsserver"
	"github.com/loqalabs/loqa-asr/internal/pipeline"
	"github.com/loqalabs/loqa-asr/internal/server"
	"github.com/loqalabs/loqa-asr/internal/transcripts"
)

// Runtime assembles the recognition service: transcript store, model
// pool, pipeline, bus ingress and websocket gateway, plus the health
// and metrics endpoints.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error

	store    *transcripts.Store
	embedded *natsserver.EmbeddedServer
	busCli   *bus.Client
	pipe     *pipeline.Pipeline
	ingress  *server.Service
	gw       *gateway.Server

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up, blocks until ctx is cancelled and
// then shuts the components down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	store, err := transcripts.Open(ctx, r.cfg.Transcripts, r.logger)
	if err != nil {
		r.teardown()
		return fmt.Errorf("open transcript store: %w", err)
	}
	r.store = store

	pipe, err := r.buildPipeline(store)
	if err != nil {
		r.teardown()
		return err
	}
	r.pipe = pipe
	pipe.Start()

	if r.cfg.Model.Warmup {
		warmupCtx, cancelWarmup := context.WithTimeout(ctx, 30*time.Second)
		err := pipe.Warmup(warmupCtx)
		cancelWarmup()
		if err != nil {
			r.teardown()
			return fmt.Errorf("warmup: %w", err)
		}
		r.logger.Info("model warmup complete")
	}

	if err := r.startBus(ctx, pipe); err != nil {
		r.teardown()
		return err
	}

	if r.cfg.Gateway.Enabled {
		r.gw = gateway.NewServer(r.cfg.Gateway, pipe, r.cfg.Model.SampleRate, r.logger)
		if err := r.gw.Start(); err != nil {
			r.teardown()
			return fmt.Errorf("start gateway: %w", err)
		}
	}

	r.startHTTP(metricHandler)

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("runtime", r.cfg.RuntimeName),
		slog.String("environment", r.cfg.Environment))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.teardown()

	return nil
}

// teardown releases every component that Start managed to bring up,
// in reverse start order. Safe to call with a partially constructed
// runtime, which is what Start's error paths hand it.
func (r *Runtime) teardown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.gw != nil {
		if err := r.gw.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("gateway shutdown error", slog.String("error", err.Error()))
		}
		r.gw = nil
	}
	if r.ingress != nil {
		r.ingress.Close()
		r.ingress = nil
	}
	if r.pipe != nil {
		r.pipe.Close()
		r.pipe = nil
	}
	r.busCli.Close()
	r.busCli = nil
	r.embedded.Shutdown()
	r.embedded = nil
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("transcript store close error", slog.String("error", err.Error()))
		}
		r.store = nil
	}

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		r.httpServer = nil
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
		r.metricsServer = nil
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
		r.tracerClose = nil
	}
}

func (r *Runtime) buildPipeline(store *transcripts.Store) (*pipeline.Pipeline, error) {
	factory, err := model.NewFactory(r.cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("create model factory: %w", err)
	}

	symbols, err := r.loadSymbols(factory.Info())
	if err != nil {
		return nil, err
	}

	pipe, err := pipeline.New(pipeline.Options{
		Config: r.cfg.Pipeline,
		Feature: feature.Config{
			SampleRate:    r.cfg.Model.SampleRate,
			NumBins:       r.cfg.Model.FeatureBins,
			FrameLengthMS: r.cfg.Model.FrameLengthMS,
			FrameShiftMS:  r.cfg.Model.FrameShiftMS,
		},
		Decoding: r.cfg.Decoding,
		Models:   factory,
		Symbols:  symbols,
		Recorder: storeRecorder{store: store},
		Logger:   r.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	return pipe, nil
}

func (r *Runtime) loadSymbols(info model.Info) (*decoder.SymbolTable, error) {
	if r.cfg.Model.TokensPath == "" {
		return decoder.SyntheticSymbolTable(info.VocabSize), nil
	}
	symbols, err := decoder.LoadSymbolTable(r.cfg.Model.TokensPath)
	if err != nil {
		return nil, fmt.Errorf("load symbol table: %w", err)
	}
	return symbols, nil
}

func (r *Runtime) startBus(ctx context.Context, pipe *pipeline.Pipeline) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded NATS: %w", err)
	}
	r.embedded = embedded

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", busCfg.Port)}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.busCli = client

	r.ingress = server.NewService(ctx, client, pipe, r.logger)
	if err := r.ingress.Start(); err != nil {
		return fmt.Errorf("start bus ingress: %w", err)
	}
	return nil
}

func (r *Runtime) startHTTP(metricHandler http.Handler) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/v1/transcripts", r.handleTranscripts)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("http server listening", slog.String("addr", addr))

	if metricHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
		r.logger.Info("metrics server listening", slog.String("addr", r.cfg.Telemetry.PrometheusBind))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !r.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	if r.cfg.Bus.Enabled && (!r.busCli.Healthy() || !r.ingress.Healthy()) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("bus not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// handleTranscripts serves persisted transcripts for one session,
// oldest first. Ephemeral retention yields an empty list.
func (r *Runtime) handleTranscripts(w http.ResponseWriter, req *http.Request) {
	session := req.URL.Query().Get("session")
	if session == "" {
		http.Error(w, "missing session parameter", http.StatusBadRequest)
		return
	}
	limit := 0
	if raw := req.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid limit parameter", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	entries, err := r.store.ListSession(req.Context(), session, limit)
	if err != nil {
		r.logger.Error("transcript lookup failed",
			slog.String("session_id", session),
			slog.String("error", err.Error()))
		http.Error(w, "transcript lookup failed", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []transcripts.Entry{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		r.logger.Error("transcript response encode failed", slog.String("error", err.Error()))
	}
}

// storeRecorder adapts the transcript store to the pipeline's Recorder.
type storeRecorder struct {
	store *transcripts.Store
}

func (s storeRecorder) RecordRequest(ctx context.Context, rec pipeline.Record) error {
	return s.store.Append(ctx, transcripts.Entry{
		RequestID:  rec.RequestID,
		SessionID:  rec.SessionID,
		Status:     rec.Status,
		Text:       rec.Text,
		Tokens:     rec.Tokens,
		Timestamps: rec.Timestamps,
		Error:      rec.Error,
		ArrivedAt:  rec.ArrivalAt,
		ElapsedMS:  rec.Elapsed.Milliseconds(),
	})
}
