package gateway

import (
	"encoding/binary"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/decoder"
	"github.com/loqalabs/loqa-asr/internal/feature"
	"github.com/loqalabs/loqa-asr/internal/model"
	"github.com/loqalabs/loqa-asr/internal/pipeline"
)

func newTestPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	factory, err := model.NewFactory(config.ModelConfig{
		Kind:              "transducer",
		Mode:              "mock",
		VocabSize:         30,
		SubsamplingFactor: 4,
	})
	if err != nil {
		t.Fatalf("new factory: %v", err)
	}
	p, err := pipeline.New(pipeline.Options{
		Config: config.PipelineConfig{
			FeaturePoolSize:   2,
			InferencePoolSize: 1,
			DecodePoolSize:    1,
			MaxBatchSize:      10,
			MaxWaitMS:         5,
			QueueSize:         64,
			OverflowPolicy:    "reject",
		},
		Feature:  feature.Config{SampleRate: 16000, NumBins: 20},
		Decoding: config.DecodingConfig{Method: "greedy_search", MaxActivePaths: 4},
		Models:   factory,
		Symbols:  decoder.SyntheticSymbolTable(30),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	p.Start()
	t.Cleanup(p.Close)
	return p
}

func newTestServer(t *testing.T, maxConns int) *httptest.Server {
	t.Helper()
	srv := NewServer(config.GatewayConfig{
		Enabled:              true,
		MaxMessageSize:       1 << 20,
		MaxActiveConnections: maxConns,
	}, newTestPipeline(t), 16000, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func samplesFrame(n int, phase float64) []byte {
	frame := make([]byte, n*4)
	for i := 0; i < n; i++ {
		v := float32(math.Sin(float64(i)*0.05 + phase))
		binary.LittleEndian.PutUint32(frame[i*4:], math.Float32bits(v))
	}
	return frame
}

func readReply(t *testing.T, conn *websocket.Conn) reply {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var r reply
	if err := conn.ReadJSON(&r); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return r
}

func TestRecognizeOverWebsocket(t *testing.T) {
	ts := newTestServer(t, 10)
	conn := dial(t, ts)

	// Two binary chunks followed by the end-of-utterance marker.
	if err := conn.WriteMessage(websocket.BinaryMessage, samplesFrame(8000, 0)); err != nil {
		t.Fatalf("write chunk: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, samplesFrame(8000, 0.5)); err != nil {
		t.Fatalf("write chunk: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("Done")); err != nil {
		t.Fatalf("write done: %v", err)
	}

	r := readReply(t, conn)
	if r.Error != "" {
		t.Fatalf("unexpected error: %s", r.Error)
	}
	if r.Text == "" || len(r.Tokens) == 0 {
		t.Fatalf("expected a transcription, got %+v", r)
	}
	if len(r.Tokens) != len(r.Timestamps) {
		t.Fatalf("%d tokens but %d timestamps", len(r.Tokens), len(r.Timestamps))
	}
}

func TestConnectionCarriesMultipleUtterances(t *testing.T) {
	ts := newTestServer(t, 10)
	conn := dial(t, ts)

	for i := 0; i < 2; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, samplesFrame(8000, float64(i))); err != nil {
			t.Fatalf("write utterance %d: %v", i, err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte("Done")); err != nil {
			t.Fatalf("write done %d: %v", i, err)
		}
		if r := readReply(t, conn); r.Error != "" {
			t.Fatalf("utterance %d failed: %s", i, r.Error)
		}
	}
}

func TestConnectionLimitRefusesExtraClients(t *testing.T) {
	ts := newTestServer(t, 1)
	dial(t, ts)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected the second dial to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 refusal, got %+v", resp)
	}
}

func TestMisalignedBinaryFrameRejected(t *testing.T) {
	ts := newTestServer(t, 10)
	conn := dial(t, ts)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if r := readReply(t, conn); r.Error == "" {
		t.Fatal("expected an alignment error")
	}
}

func TestUnknownTextFrameRejected(t *testing.T) {
	ts := newTestServer(t, 10)
	conn := dial(t, ts)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("Flush")); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if r := readReply(t, conn); r.Error == "" {
		t.Fatal("expected an unexpected-frame error")
	}
}
