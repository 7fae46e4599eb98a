package gateway

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/pipeline"
)

// Server speaks the websocket recognition protocol: clients stream
// binary frames of little-endian float32 samples, send the text frame
// "Done" to finish an utterance and receive one JSON reply per
// utterance. A connection can carry several utterances in sequence.
type Server struct {
	cfg        config.GatewayConfig
	pipe       *pipeline.Pipeline
	log        *slog.Logger
	sampleRate int

	httpSrv  *http.Server
	upgrader websocket.Upgrader
	active   atomic.Int32
}

type reply struct {
	Text       string    `json:"text"`
	Tokens     []string  `json:"tokens"`
	Timestamps []float64 `json:"timestamps"`
	Error      string    `json:"error,omitempty"`
}

func NewServer(cfg config.GatewayConfig, pipe *pipeline.Pipeline, sampleRate int, log *slog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		pipe:       pipe,
		log:        log.With(slog.String("component", "gateway")),
		sampleRate: sampleRate,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler serves the websocket endpoint at any path.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

// Start binds the listener and serves until Shutdown.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Bind, fmt.Sprintf("%d", s.cfg.Port))
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind gateway listener: %w", err)
	}
	s.log.Info("gateway listening", slog.String("addr", addr))

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("gateway server failed", slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// ActiveConnections reports the number of open websocket sessions.
func (s *Server) ActiveConnections() int {
	return int(s.active.Load())
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if s.active.Add(1) > int32(s.cfg.MaxActiveConnections) {
		s.active.Add(-1)
		s.log.Warn("refusing connection, limit reached",
			slog.Int("limit", s.cfg.MaxActiveConnections))
		http.Error(w, "too many active connections", http.StatusServiceUnavailable)
		return
	}
	defer s.active.Add(-1)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(s.cfg.MaxMessageSize)
	s.serveConn(conn)
}

type wsFrame struct {
	msgType int
	data    []byte
}

func (s *Server) serveConn(conn *websocket.Conn) {
	sessionID := uuid.NewString()
	log := s.log.With(slog.String("session_id", sessionID))

	// One reader goroutine owns all reads. The main loop consumes
	// frames from the channel so it can keep watching for a dropped
	// connection while an utterance is in flight.
	frames := make(chan wsFrame)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- wsFrame{msgType: msgType, data: data}:
			case <-done:
				return
			}
		}
	}()

	var samples []float32
	for {
		select {
		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("connection dropped", slog.String("error", err.Error()))
			}
			return
		case frame := <-frames:
			switch frame.msgType {
			case websocket.BinaryMessage:
				chunk, err := decodeFloat32Frame(frame.data)
				if err != nil {
					s.writeReply(conn, reply{Error: err.Error()})
					return
				}
				samples = append(samples, chunk...)

			case websocket.TextMessage:
				if string(frame.data) != "Done" {
					s.writeReply(conn, reply{Error: fmt.Sprintf("unexpected text frame %q", frame.data)})
					return
				}
				if !s.recognize(conn, log, sessionID, samples, readErr) {
					return
				}
				samples = nil
			}
		}
	}
}

// recognize submits the buffered utterance and writes the reply. A
// connection drop while the utterance is in flight withdraws the
// request. recognize reports whether the connection is still usable.
func (s *Server) recognize(conn *websocket.Conn, log *slog.Logger, sessionID string, samples []float32, readErr <-chan error) bool {
	handle, err := s.pipe.Submit(context.Background(), sessionID, samples, s.sampleRate)
	if err != nil {
		s.writeReply(conn, reply{Error: err.Error()})
		return !errors.Is(err, pipeline.ErrClosed)
	}

	select {
	case outcome := <-handle.Done:
		if outcome.Err != nil {
			log.Warn("recognition failed", slog.String("error", outcome.Err.Error()))
			s.writeReply(conn, reply{Error: outcome.Err.Error()})
			return true
		}
		res := outcome.Result
		s.writeReply(conn, reply{Text: res.Text, Tokens: res.Tokens, Timestamps: res.Timestamps})
		return true
	case <-readErr:
		s.pipe.Cancel(handle.ID)
		return false
	}
}

func (s *Server) writeReply(conn *websocket.Conn, r reply) {
	if r.Tokens == nil {
		r.Tokens = []string{}
	}
	if r.Timestamps == nil {
		r.Timestamps = []float64{}
	}
	if err := conn.WriteJSON(r); err != nil {
		s.log.Warn("failed to write reply", slog.String("error", err.Error()))
	}
}

func decodeFloat32Frame(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("binary frame not aligned to float32: %d bytes", len(data))
	}
	samples := make([]float32, len(data)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return samples, nil
}
