package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-asr/internal/asr"
	"github.com/loqalabs/loqa-asr/internal/bus"
	"github.com/loqalabs/loqa-asr/internal/pipeline"
	"github.com/loqalabs/loqa-asr/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service accepts audio submissions from the bus, feeds them to the
// pipeline and broadcasts final transcripts.
type Service struct {
	bus      *bus.Client
	pipe     *pipeline.Pipeline
	log      *slog.Logger
	sessions map[string]*sessionState
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	sub      *nats.Subscription
	wg       sync.WaitGroup
	ready    bool
}

type sessionState struct {
	SampleRate int
	Encoding   string
	Audio      []byte
}

func NewService(parent context.Context, busClient *bus.Client, pipe *pipeline.Pipeline, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:      busClient,
		pipe:     pipe,
		log:      log.With(slog.String("component", "server")),
		sessions: make(map[string]*sessionState),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Service) Start() error {
	subject := protocol.SubjectAudioPrefix + ".>"
	sub, err := s.bus.Conn().Subscribe(subject, s.handleSubmission)
	if err != nil {
		return fmt.Errorf("subscribe audio submissions: %w", err)
	}
	s.sub = sub
	s.ready = true
	s.log.Info("listening for audio submissions", slog.String("subject", subject))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.ready
}

func (s *Service) handleSubmission(msg *nats.Msg) {
	var sub protocol.AudioSubmission
	if err := json.Unmarshal(msg.Data, &sub); err != nil {
		s.log.Warn("failed to decode audio submission", slog.String("error", err.Error()))
		return
	}
	if sub.SessionID == "" {
		s.log.Warn("audio submission without session id")
		return
	}

	s.mu.Lock()
	state := s.sessions[sub.SessionID]
	if state == nil {
		state = &sessionState{SampleRate: sub.SampleRate, Encoding: sub.Encoding}
		s.sessions[sub.SessionID] = state
	}
	state.Audio = append(state.Audio, sub.Audio...)
	if !sub.Final {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, sub.SessionID)
	s.mu.Unlock()

	samples, sampleRate, err := DecodeSamples(state.Encoding, state.Audio, state.SampleRate)
	if err != nil {
		s.log.Warn("failed to decode audio payload",
			slog.String("session_id", sub.SessionID),
			slog.String("error", err.Error()))
		s.publishError(sub.SessionID, 0, err)
		return
	}

	s.wg.Add(1)
	go s.transcribe(sub.SessionID, samples, sampleRate)
}

func (s *Service) transcribe(sessionID string, samples []float32, sampleRate int) {
	defer s.wg.Done()

	handle, err := s.pipe.Submit(s.ctx, sessionID, samples, sampleRate)
	if err != nil {
		s.publishError(sessionID, 0, err)
		return
	}
	select {
	case outcome := <-handle.Done:
		if outcome.Err != nil {
			s.publishError(sessionID, handle.ID, outcome.Err)
			return
		}
		s.publishTranscript(sessionID, handle.ID, outcome.Result)
	case <-s.ctx.Done():
		s.pipe.Cancel(handle.ID)
	}
}

func (s *Service) publishTranscript(sessionID string, requestID uint64, res *asr.DecodedResult) {
	s.publish(protocol.SubjectTranscriptFinal, protocol.Transcript{
		SessionID:  sessionID,
		RequestID:  requestID,
		Text:       res.Text,
		Tokens:     res.Tokens,
		Timestamps: res.Timestamps,
		Timestamp:  time.Now().UTC(),
	})
}

func (s *Service) publishError(sessionID string, requestID uint64, cause error) {
	s.publish(protocol.SubjectTranscriptFailed, protocol.Transcript{
		SessionID: sessionID,
		RequestID: requestID,
		Error:     cause.Error(),
		Timestamp: time.Now().UTC(),
	})
}

func (s *Service) publish(subject string, msg protocol.Transcript) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Warn("failed to marshal transcript", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.log.Warn("failed to publish transcript",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
	}
}
