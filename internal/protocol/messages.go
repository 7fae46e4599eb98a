package protocol

import "time"

// AudioSubmission carries one utterance (or the tail of one) published
// by an edge device. Audio holds samples in the named encoding; the
// utterance is transcribed once a frame with Final set arrives.
type AudioSubmission struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"` // float32, pcm16, wav
	Audio      []byte `json:"audio"`
	Final      bool   `json:"final"`
}

// Transcript is the recognition result broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	RequestID  uint64    `json:"request_id"`
	Text       string    `json:"text"`
	Tokens     []string  `json:"tokens,omitempty"`
	Timestamps []float64 `json:"timestamps,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectAudioPrefix      = "asr.audio"
	SubjectTranscriptFinal  = "asr.transcript.final"
	SubjectTranscriptFailed = "asr.transcript.failed"
)
