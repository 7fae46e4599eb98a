package feature

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

var (
	// ErrEmptyAudio is returned when a submission carries no samples.
	ErrEmptyAudio = errors.New("empty audio")

	// ErrAudioTooShort is returned when a submission is shorter than
	// one analysis window.
	ErrAudioTooShort = errors.New("audio shorter than one frame")
)

// Config describes the log-mel filterbank front end. Defaults follow
// the usual 80-bin 25ms/10ms fbank setup.
type Config struct {
	SampleRate    int
	NumBins       int
	FrameLengthMS float64
	FrameShiftMS  float64
	PreEmphasis   float64
	LowFreq       float64
	HighFreq      float64 // 0 means Nyquist
}

func (c Config) withDefaults() Config {
	if c.NumBins == 0 {
		c.NumBins = 80
	}
	if c.FrameLengthMS == 0 {
		c.FrameLengthMS = 25
	}
	if c.FrameShiftMS == 0 {
		c.FrameShiftMS = 10
	}
	if c.PreEmphasis == 0 {
		c.PreEmphasis = 0.97
	}
	if c.LowFreq == 0 {
		c.LowFreq = 20
	}
	if c.HighFreq == 0 {
		c.HighFreq = float64(c.SampleRate) / 2
	}
	return c
}

// Extractor converts raw samples into log-mel filterbank frames.
// Extraction is deterministic; the FFT plan carries scratch space, so
// one Extractor must not be shared across goroutines. Pool workers
// each own their own instance.
type Extractor struct {
	cfg        Config
	frameLen   int
	frameShift int
	fftSize    int
	fft        *fourier.FFT
	window     []float64
	filters    []melFilter
}

type melFilter struct {
	first   int
	weights []float64
}

// NewExtractor builds the window function, FFT plan and mel filterbank
// for the given configuration.
func NewExtractor(cfg Config) (*Extractor, error) {
	cfg = cfg.withDefaults()
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.NumBins <= 0 {
		return nil, fmt.Errorf("invalid bin count %d", cfg.NumBins)
	}

	frameLen := int(math.Round(float64(cfg.SampleRate) * cfg.FrameLengthMS / 1000))
	frameShift := int(math.Round(float64(cfg.SampleRate) * cfg.FrameShiftMS / 1000))
	if frameLen <= 0 || frameShift <= 0 {
		return nil, fmt.Errorf("invalid frame geometry: length=%d shift=%d", frameLen, frameShift)
	}

	fftSize := 1
	for fftSize < frameLen {
		fftSize <<= 1
	}

	e := &Extractor{
		cfg:        cfg,
		frameLen:   frameLen,
		frameShift: frameShift,
		fftSize:    fftSize,
		fft:        fourier.NewFFT(fftSize),
		window:     poveyWindow(frameLen),
	}
	e.filters = melFilterbank(cfg, fftSize)
	return e, nil
}

// FrameShiftSeconds reports the hop between frames, used downstream to
// convert frame indices into timestamps.
func (e *Extractor) FrameShiftSeconds() float64 {
	return float64(e.frameShift) / float64(e.cfg.SampleRate)
}

// NumBins reports the feature vector width.
func (e *Extractor) NumBins() int {
	return e.cfg.NumBins
}

// Extract converts samples into feature frames. The submission must
// already match the configured sample rate; resampling happens
// upstream of this server.
func (e *Extractor) Extract(samples []float32, sampleRate int) ([][]float32, error) {
	if len(samples) == 0 {
		return nil, ErrEmptyAudio
	}
	if sampleRate != e.cfg.SampleRate {
		return nil, fmt.Errorf("sample rate %d does not match model rate %d", sampleRate, e.cfg.SampleRate)
	}
	if len(samples) < e.frameLen {
		return nil, ErrAudioTooShort
	}
	for i, s := range samples {
		if math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
			return nil, fmt.Errorf("non-finite sample at offset %d", i)
		}
	}

	numFrames := 1 + (len(samples)-e.frameLen)/e.frameShift
	frames := make([][]float32, 0, numFrames)

	buf := make([]float64, e.fftSize)
	spectrum := make([]complex128, e.fftSize/2+1)
	power := make([]float64, e.fftSize/2+1)

	for idx := 0; idx < numFrames; idx++ {
		start := idx * e.frameShift
		e.fillFrame(samples[start:start+e.frameLen], buf)

		spectrum = e.fft.Coefficients(spectrum, buf)
		for i, c := range spectrum {
			power[i] = real(c)*real(c) + imag(c)*imag(c)
		}

		bins := make([]float32, e.cfg.NumBins)
		for b, filter := range e.filters {
			var energy float64
			for i, w := range filter.weights {
				energy += w * power[filter.first+i]
			}
			if energy < 1e-10 {
				energy = 1e-10
			}
			bins[b] = float32(math.Log(energy))
		}
		frames = append(frames, bins)
	}

	return frames, nil
}

// fillFrame applies DC removal, pre-emphasis and the window function,
// zero-padding the tail up to the FFT size.
func (e *Extractor) fillFrame(src []float32, dst []float64) {
	var mean float64
	for _, s := range src {
		mean += float64(s)
	}
	mean /= float64(len(src))

	prev := float64(src[0]) - mean
	for i := range src {
		cur := float64(src[i]) - mean
		dst[i] = (cur - e.cfg.PreEmphasis*prev) * e.window[i]
		prev = cur
	}
	for i := len(src); i < len(dst); i++ {
		dst[i] = 0
	}
}

func poveyWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		hann := 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
		w[i] = math.Pow(hann, 0.85)
	}
	return w
}

func melScale(hz float64) float64 {
	return 1127 * math.Log(1+hz/700)
}

func melFilterbank(cfg Config, fftSize int) []melFilter {
	numBins := fftSize/2 + 1
	binWidth := float64(cfg.SampleRate) / float64(fftSize)

	low := melScale(cfg.LowFreq)
	high := melScale(cfg.HighFreq)
	step := (high - low) / float64(cfg.NumBins+1)

	filters := make([]melFilter, cfg.NumBins)
	for b := 0; b < cfg.NumBins; b++ {
		left := low + float64(b)*step
		center := left + step
		right := center + step

		var first int
		var weights []float64
		for i := 0; i < numBins; i++ {
			mel := melScale(float64(i) * binWidth)
			if mel <= left || mel >= right {
				continue
			}
			var w float64
			if mel <= center {
				w = (mel - left) / (center - left)
			} else {
				w = (right - mel) / (right - center)
			}
			if weights == nil {
				first = i
			}
			weights = append(weights, w)
		}
		filters[b] = melFilter{first: first, weights: weights}
	}
	return filters
}
