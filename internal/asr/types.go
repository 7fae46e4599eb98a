package asr

import "time"

// Request is one client-submitted utterance travelling through the
// pipeline. IDs are assigned monotonically by the pipeline and are
// unique for the lifetime of the process.
type Request struct {
	ID         uint64
	SessionID  string
	Samples    []float32
	SampleRate int
	ArrivalAt  time.Time

	// Sink receives exactly one Outcome for every non-cancelled
	// request. It is buffered so delivery never blocks the dispatcher.
	Sink chan Outcome
}

// FeatureSequence is the immutable feature-frame representation of one
// request, produced exactly once by the extractor pool.
type FeatureSequence struct {
	RequestID uint64
	Frames    [][]float32
}

// NumFrames returns the true (unpadded) frame count.
func (f *FeatureSequence) NumFrames() int {
	return len(f.Frames)
}

// Batch groups feature sequences for one model forward pass. Members
// keep their arrival order so padding and trim indices line up across
// stages. A batch is immutable once handed to an inference worker.
type Batch struct {
	Members   []*PendingRequest
	CreatedAt time.Time
	MaxFrames int
}

// PendingRequest pairs a request with its extracted features while it
// waits for batch assignment.
type PendingRequest struct {
	Request    *Request
	Features   *FeatureSequence
	EnqueuedAt time.Time
}

// InferenceResult holds the raw model output for one batch member,
// trimmed back to the member's true output length.
type InferenceResult struct {
	RequestID uint64
	Request   *Request

	// Posteriors is a [steps][vocab] matrix of log-probabilities.
	Posteriors [][]float32
}

// DecodedResult is the terminal output for one request.
type DecodedResult struct {
	RequestID  uint64
	Text       string
	Tokens     []string
	Timestamps []float64
}

// Outcome is what a request's sink receives: a decoded result or the
// error that terminated the request.
type Outcome struct {
	Result *DecodedResult
	Err    error
}
