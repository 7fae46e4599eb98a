package model

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os/exec"

	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/mattn/go-shellwords"
)

// execFactory runs an external scorer process, one invocation per
// batch. The scorer receives the padded feature tensor on stdin and
// writes log-posteriors to stdout, both as little-endian float32 with
// small integer headers.
type execFactory struct {
	cmd  []string
	cfg  config.ModelConfig
	info Info
}

func newExecFactory(cfg config.ModelConfig, info Info) (*execFactory, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse model command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("model command is empty")
	}
	return &execFactory{cmd: args, cfg: cfg, info: info}, nil
}

func (f *execFactory) Info() Info { return f.info }

func (f *execFactory) NewReplica() (Model, error) {
	return &execModel{factory: f}, nil
}

type execModel struct {
	factory *execFactory
}

func (m *execModel) Info() Info { return m.factory.info }

func (m *execModel) Close() error { return nil }

func (m *execModel) Forward(ctx context.Context, features [][][]float32, lengths []int) (*Output, error) {
	if len(features) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	if len(features) != len(lengths) {
		return nil, fmt.Errorf("batch has %d members but %d lengths", len(features), len(lengths))
	}

	stdin, err := encodeRequest(features, lengths)
	if err != nil {
		return nil, err
	}

	args := append([]string{}, m.factory.cmd[1:]...)
	if m.factory.cfg.ModelPath != "" {
		args = append(args, "--model", m.factory.cfg.ModelPath)
	}

	command := exec.CommandContext(ctx, m.factory.cmd[0], args...)
	command.Stdin = bytes.NewReader(stdin)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("model command failed: %w: %s", err, stderr.String())
	}

	out, err := decodeResponse(stdout.Bytes(), len(features), m.factory.info.VocabSize)
	if err != nil {
		return nil, fmt.Errorf("decode model response: %w", err)
	}
	return out, nil
}

func encodeRequest(features [][][]float32, lengths []int) ([]byte, error) {
	maxFrames := len(features[0])
	numBins := 0
	if maxFrames > 0 {
		numBins = len(features[0][0])
	}

	var buf bytes.Buffer
	header := []uint32{uint32(len(features)), uint32(maxFrames), uint32(numBins)}
	if err := binary.Write(&buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	for _, n := range lengths {
		if err := binary.Write(&buf, binary.LittleEndian, uint32(n)); err != nil {
			return nil, fmt.Errorf("encode lengths: %w", err)
		}
	}
	for i, member := range features {
		if len(member) != maxFrames {
			return nil, fmt.Errorf("member %d has %d frames, batch is padded to %d", i, len(member), maxFrames)
		}
		for _, frame := range member {
			if err := binary.Write(&buf, binary.LittleEndian, frame); err != nil {
				return nil, fmt.Errorf("encode features: %w", err)
			}
		}
	}
	return buf.Bytes(), nil
}

func decodeResponse(data []byte, batchSize, vocabSize int) (*Output, error) {
	r := bytes.NewReader(data)

	var header struct {
		Steps uint32
		Vocab uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if int(header.Vocab) != vocabSize {
		return nil, fmt.Errorf("scorer vocabulary %d does not match configured %d", header.Vocab, vocabSize)
	}

	lengths := make([]uint32, batchSize)
	if err := binary.Read(r, binary.LittleEndian, lengths); err != nil {
		return nil, fmt.Errorf("read lengths: %w", err)
	}

	out := &Output{
		Posteriors: make([][][]float32, batchSize),
		Lengths:    make([]int, batchSize),
	}
	for i := 0; i < batchSize; i++ {
		if int(lengths[i]) > int(header.Steps) {
			return nil, fmt.Errorf("member %d length %d exceeds %d steps", i, lengths[i], header.Steps)
		}
		rows := make([][]float32, header.Steps)
		for t := range rows {
			row := make([]float32, vocabSize)
			if err := binary.Read(r, binary.LittleEndian, row); err != nil {
				return nil, fmt.Errorf("read posteriors for member %d: %w", i, err)
			}
			rows[t] = row
		}
		out.Posteriors[i] = rows
		out.Lengths[i] = int(lengths[i])
	}
	return out, nil
}
