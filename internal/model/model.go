package model

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-asr/internal/config"
)

// Kind names the acoustic model family. The decoder picks its
// emission rule from this; the set is closed and chosen at startup.
type Kind string

const (
	KindTransducer Kind = "transducer"
	KindCTC        Kind = "ctc"
)

// Info describes the fixed properties of a loaded model.
type Info struct {
	Kind              Kind
	VocabSize         int
	BlankID           int
	SubsamplingFactor int
}

// OutputSteps reports how many output steps a member with the given
// feature frame count produces.
func (i Info) OutputSteps(numFrames int) int {
	return (numFrames + i.SubsamplingFactor - 1) / i.SubsamplingFactor
}

// Output is the raw result of one batch forward pass. Posteriors stay
// padded to the batch's rectangular shape; Lengths carries each
// member's true step count so the caller can trim.
type Output struct {
	Posteriors [][][]float32 // [member][step][vocab] log-probabilities
	Lengths    []int
}

// Model is one loaded replica. A forward pass is atomic: it is never
// preempted and a replica only ever serves one batch at a time.
type Model interface {
	// Forward runs the padded rectangular batch. lengths holds the
	// true feature frame count of each member.
	Forward(ctx context.Context, features [][][]float32, lengths []int) (*Output, error)

	Info() Info

	Close() error
}

// Factory builds independent replicas, one per inference worker.
type Factory interface {
	NewReplica() (Model, error)
	Info() Info
}

// NewFactory selects the model backend from configuration.
func NewFactory(cfg config.ModelConfig) (Factory, error) {
	info := Info{
		Kind:              Kind(cfg.Kind),
		VocabSize:         cfg.VocabSize,
		BlankID:           0,
		SubsamplingFactor: cfg.SubsamplingFactor,
	}
	switch cfg.Mode {
	case "mock":
		return &mockFactory{info: info}, nil
	case "exec":
		return newExecFactory(cfg, info)
	default:
		return nil, fmt.Errorf("unknown model mode %q", cfg.Mode)
	}
}
