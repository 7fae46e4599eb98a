package asr

import (
	"errors"
	"fmt"
)

// ErrQueueFull is returned to a submitting caller when the ingress
// queue is at capacity and the overflow policy is reject. No request
// object is created in that case.
var ErrQueueFull = errors.New("ingress queue full")

// ErrCancelled marks a request that was withdrawn before its batch was
// dispatched. It is recorded but never delivered to a closed sink.
var ErrCancelled = errors.New("request cancelled")

// ExtractionError wraps a feature-extraction failure for one request.
type ExtractionError struct {
	RequestID uint64
	Err       error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("feature extraction failed for request %d: %v", e.RequestID, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// InferenceError wraps a model failure. One inference failure fans out
// to every member of the affected batch.
type InferenceError struct {
	RequestID uint64
	Err       error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed for request %d: %v", e.RequestID, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }
