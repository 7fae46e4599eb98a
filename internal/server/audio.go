package server

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-audio/wav"
)

// DecodeSamples converts a submission payload into mono float32
// samples in [-1, 1]. For wav payloads the container's sample rate
// wins over the declared one.
func DecodeSamples(encoding string, payload []byte, sampleRate int) ([]float32, int, error) {
	switch encoding {
	case "", "float32":
		samples, err := decodeFloat32(payload)
		return samples, sampleRate, err
	case "pcm16":
		samples, err := decodePCM16(payload)
		return samples, sampleRate, err
	case "wav":
		return decodeWAV(payload)
	default:
		return nil, 0, fmt.Errorf("unknown audio encoding %q", encoding)
	}
}

func decodeFloat32(payload []byte) ([]float32, error) {
	if len(payload)%4 != 0 {
		return nil, fmt.Errorf("float32 payload not aligned: %d bytes", len(payload))
	}
	samples := make([]float32, len(payload)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
	}
	return samples, nil
}

func decodePCM16(payload []byte) ([]float32, error) {
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("pcm16 payload not aligned: %d bytes", len(payload))
	}
	samples := make([]float32, len(payload)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(payload[i*2:]))) / 32768
	}
	return samples, nil
}

func decodeWAV(payload []byte) ([]float32, int, error) {
	dec := wav.NewDecoder(bytes.NewReader(payload))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode wav: %w", err)
	}
	if buf.Format == nil || buf.Format.NumChannels <= 0 {
		return nil, 0, fmt.Errorf("wav payload missing format")
	}
	if dec.BitDepth == 0 || dec.BitDepth > 32 {
		return nil, 0, fmt.Errorf("unsupported wav bit depth %d", dec.BitDepth)
	}

	// Downmix to mono.
	scale := float32(int64(1) << (dec.BitDepth - 1))
	channels := buf.Format.NumChannels
	frames := len(buf.Data) / channels
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += float32(buf.Data[i*channels+c]) / scale
		}
		samples[i] = sum / float32(channels)
	}
	return samples, buf.Format.SampleRate, nil
}
