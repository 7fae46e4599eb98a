package model

import (
	"context"
	"fmt"
	"math"
)

// mockFactory produces deterministic synthetic replicas, used for
// development, warmup and tests when no real scorer is configured.
type mockFactory struct {
	info Info
}

func (f *mockFactory) Info() Info { return f.info }

func (f *mockFactory) NewReplica() (Model, error) {
	return &mockModel{info: f.info}, nil
}

type mockModel struct {
	info Info
}

func (m *mockModel) Info() Info { return m.info }

func (m *mockModel) Close() error { return nil }

// Forward synthesizes log-posteriors from the feature content itself:
// the dominant token of each output step is a hash of the step's frame
// energies, with blanks interleaved. Identical input always yields
// identical output.
func (m *mockModel) Forward(_ context.Context, features [][][]float32, lengths []int) (*Output, error) {
	if len(features) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	if len(features) != len(lengths) {
		return nil, fmt.Errorf("batch has %d members but %d lengths", len(features), len(lengths))
	}

	maxFrames := len(features[0])
	steps := m.info.OutputSteps(maxFrames)
	sub := m.info.SubsamplingFactor

	out := &Output{
		Posteriors: make([][][]float32, len(features)),
		Lengths:    make([]int, len(features)),
	}

	uniform := float32(math.Log(0.1 / float64(m.info.VocabSize)))
	dominant := float32(math.Log(0.9))

	for i, member := range features {
		if len(member) != maxFrames {
			return nil, fmt.Errorf("member %d has %d frames, batch is padded to %d", i, len(member), maxFrames)
		}
		rows := make([][]float32, steps)
		for t := 0; t < steps; t++ {
			row := make([]float32, m.info.VocabSize)
			for j := range row {
				row[j] = uniform
			}
			row[m.pickToken(member, t, sub)] = dominant
			rows[t] = row
		}
		out.Posteriors[i] = rows
		out.Lengths[i] = m.info.OutputSteps(lengths[i])
	}
	return out, nil
}

func (m *mockModel) pickToken(frames [][]float32, step, sub int) int {
	if step%2 == 1 {
		return m.info.BlankID
	}
	var energy float64
	for f := step * sub; f < (step+1)*sub && f < len(frames); f++ {
		for _, v := range frames[f] {
			energy += math.Abs(float64(v))
		}
	}
	nonBlank := m.info.VocabSize - 1
	tok := int(energy*1000) % nonBlank
	if tok < 0 {
		tok += nonBlank
	}
	return 1 + tok
}
