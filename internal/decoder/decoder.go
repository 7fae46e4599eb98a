package decoder

import (
	"errors"
	"fmt"
)

// Method selects the search strategy, configured once per server.
type Method string

const (
	MethodGreedy       Method = "greedy_search"
	MethodModifiedBeam Method = "modified_beam_search"
)

// EmissionRule distinguishes the closed set of acoustic model
// families the decoder understands.
type EmissionRule string

const (
	// RuleTransducer skips blanks and emits every non-blank symbol.
	RuleTransducer EmissionRule = "transducer"

	// RuleCTC additionally collapses a symbol repeated on consecutive
	// frames into one emission.
	RuleCTC EmissionRule = "ctc"
)

// Config describes a decoder instance.
type Config struct {
	Method         Method
	Rule           EmissionRule
	MaxActivePaths int
	BlankID        int

	// StepSeconds converts an output step index into a timestamp:
	// feature frame shift times the model subsampling factor.
	StepSeconds float64
}

// Result is the outcome of decoding one utterance.
type Result struct {
	TokenIDs   []int
	Tokens     []string
	Timestamps []float64
	Text       string
}

// Decoder turns per-step log-posteriors into text. Decoding one
// utterance never depends on another, so a single Decoder is safe to
// share across the decode pool.
type Decoder struct {
	cfg   Config
	table *SymbolTable
}

// New validates the configuration against the symbol table.
func New(cfg Config, table *SymbolTable) (*Decoder, error) {
	if table == nil || table.Size() == 0 {
		return nil, errors.New("decoder requires a symbol table")
	}
	switch cfg.Method {
	case MethodGreedy:
	case MethodModifiedBeam:
		if cfg.MaxActivePaths <= 0 {
			return nil, errors.New("modified_beam_search requires max_active_paths >= 1")
		}
	default:
		return nil, fmt.Errorf("unknown decoding method %q", cfg.Method)
	}
	switch cfg.Rule {
	case RuleTransducer, RuleCTC:
	default:
		return nil, fmt.Errorf("unknown emission rule %q", cfg.Rule)
	}
	if cfg.BlankID < 0 || cfg.BlankID >= table.Size() {
		return nil, fmt.Errorf("blank id %d outside vocabulary of %d", cfg.BlankID, table.Size())
	}
	return &Decoder{cfg: cfg, table: table}, nil
}

// Decode runs the configured search over one utterance's posteriors.
func (d *Decoder) Decode(posteriors [][]float32) (*Result, error) {
	if len(posteriors) == 0 {
		return d.finish(nil, nil), nil
	}
	for step, row := range posteriors {
		if len(row) != d.table.Size() {
			return nil, fmt.Errorf("step %d has %d scores, vocabulary is %d", step, len(row), d.table.Size())
		}
	}

	var ids []int
	var steps []int
	switch d.cfg.Method {
	case MethodGreedy:
		ids, steps = d.greedy(posteriors)
	case MethodModifiedBeam:
		ids, steps = d.beam(posteriors)
	}
	return d.finish(ids, steps), nil
}

func (d *Decoder) finish(ids []int, steps []int) *Result {
	res := &Result{
		TokenIDs:   ids,
		Tokens:     make([]string, len(ids)),
		Timestamps: make([]float64, len(steps)),
		Text:       d.table.Join(ids),
	}
	for i, id := range ids {
		res.Tokens[i] = d.table.Piece(id)
	}
	for i, s := range steps {
		res.Timestamps[i] = float64(s) * d.cfg.StepSeconds
	}
	return res
}

// argmax returns the highest-scoring token, lowest id winning ties so
// repeated runs stay identical.
func argmax(row []float32) int {
	best := 0
	for i := 1; i < len(row); i++ {
		if row[i] > row[best] {
			best = i
		}
	}
	return best
}
