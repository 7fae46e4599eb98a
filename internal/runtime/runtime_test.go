package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/transcripts"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	cfg.Transcripts = config.TranscriptConfig{
		Path:          filepath.Join(t.TempDir(), "transcripts.db"),
		RetentionMode: "persistent",
	}

	store, err := transcripts.Open(context.Background(), cfg.Transcripts, logger)
	if err != nil {
		t.Fatalf("open transcript store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	rt := New(cfg, logger)
	rt.store = store
	return rt
}

func TestTranscriptLookupReturnsSessionHistory(t *testing.T) {
	rt := newTestRuntime(t)

	for i, text := range []string{"turn the lights on", "what time is it"} {
		err := rt.store.Append(context.Background(), transcripts.Entry{
			RequestID: uint64(i + 1),
			SessionID: "living-room",
			Status:    "done",
			Text:      text,
			Tokens:    []string{"tok"},
			ArrivedAt: time.Now(),
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("append entry %d: %v", i, err)
		}
	}
	if err := rt.store.Append(context.Background(), transcripts.Entry{
		RequestID: 3,
		SessionID: "kitchen",
		Status:    "done",
		Text:      "other session",
		ArrivedAt: time.Now(),
	}); err != nil {
		t.Fatalf("append entry: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/transcripts?session=living-room", nil)
	rec := httptest.NewRecorder()
	rt.handleTranscripts(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %q", rec.Code, rec.Body.String())
	}
	var entries []transcripts.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Text != "turn the lights on" || entries[1].Text != "what time is it" {
		t.Fatalf("unexpected order: %q, %q", entries[0].Text, entries[1].Text)
	}
	if entries[0].SessionID != "living-room" {
		t.Fatalf("wrong session: %q", entries[0].SessionID)
	}
}

func TestTranscriptLookupHonoursLimit(t *testing.T) {
	rt := newTestRuntime(t)

	for i := 0; i < 5; i++ {
		err := rt.store.Append(context.Background(), transcripts.Entry{
			RequestID: uint64(i + 1),
			SessionID: "session",
			Status:    "done",
			Text:      "utterance",
			ArrivedAt: time.Now(),
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("append entry %d: %v", i, err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/transcripts?session=session&limit=3", nil)
	rec := httptest.NewRecorder()
	rt.handleTranscripts(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %q", rec.Code, rec.Body.String())
	}
	var entries []transcripts.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
}

func TestTranscriptLookupRejectsBadQueries(t *testing.T) {
	rt := newTestRuntime(t)

	rec := httptest.NewRecorder()
	rt.handleTranscripts(rec, httptest.NewRequest(http.MethodGet, "/v1/transcripts", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing session: status %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	rt.handleTranscripts(rec, httptest.NewRequest(http.MethodGet, "/v1/transcripts?session=s&limit=nope", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: status %d", rec.Code)
	}
}

func TestTranscriptLookupEmptySession(t *testing.T) {
	rt := newTestRuntime(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/transcripts?session=unknown", nil)
	rec := httptest.NewRecorder()
	rt.handleTranscripts(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %q", rec.Code, rec.Body.String())
	}
	if body := rec.Body.String(); body != "[]\n" {
		t.Fatalf("expected an empty list, got %q", body)
	}
}
