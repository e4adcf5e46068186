// Package features turns audio files into fixed-shape log-mel spectrograms.
//
// Every clip is reduced to one or more 30 second windows at 22050 Hz, which
// a centred STFT (n_fft 2048, hop 512) turns into 1292 frames of 128 mel
// bands in decibels relative to the clip's peak.
package features

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/nzoschke/genrelab/pkg/audio"
	"github.com/nzoschke/genrelab/pkg/errs"
)

// Config fixes the spectrogram geometry. Changing any field changes the
// output shape or scale and breaks compatibility with trained models.
type Config struct {
	SampleRate int
	Seconds    float64
	FFTSize    int
	HopSize    int
	Mels       int
	FMin       float64
	FMax       float64 // 0 means SampleRate/2
	AMin       float64
	TopDB      float64
	Policy     Policy
}

// DefaultConfig returns the geometry the genre model is trained on.
func DefaultConfig() Config {
	return Config{
		SampleRate: 22050,
		Seconds:    30,
		FFTSize:    2048,
		HopSize:    512,
		Mels:       128,
		AMin:       1e-10,
		TopDB:      80,
		Policy:     PolicyMidpoint,
	}
}

// Samples is the number of samples in one window.
func (c Config) Samples() int {
	return int(c.Seconds * float64(c.SampleRate))
}

// Frames is the number of STFT frames in one window.
func (c Config) Frames() int {
	return c.stft().NumFrames(c.Samples())
}

// Shape is the [freq, time, channel] shape of one spectrogram.
func (c Config) Shape() [3]int {
	return [3]int{c.Mels, c.Frames(), 1}
}

func (c Config) stft() STFTConfig {
	return STFTConfig{FFTSize: c.FFTSize, HopSize: c.HopSize, Center: true}
}

// Spectrogram is a log-mel spectrogram stored row-major as [mel][frame].
type Spectrogram struct {
	Mels   int
	Frames int
	Data   []float32
}

// Shape returns [freq, time, channel].
func (s *Spectrogram) Shape() [3]int {
	return [3]int{s.Mels, s.Frames, 1}
}

// BatchShape returns [batch, freq, time, channel] for a single-item batch.
func (s *Spectrogram) BatchShape() [4]int {
	return [4]int{1, s.Mels, s.Frames, 1}
}

// At returns the value of mel band m at frame t.
func (s *Spectrogram) At(m, t int) float32 {
	return s.Data[m*s.Frames+t]
}

// Windowed is a spectrogram of one policy window.
type Windowed struct {
	Window
	Spectrogram *Spectrogram
}

// Extractor computes spectrograms for audio files. It is safe for concurrent
// use.
type Extractor struct {
	cfg        Config
	filterbank *mat.Dense
}

// NewExtractor builds the mel filterbank for cfg.
func NewExtractor(cfg Config) *Extractor {
	fmax := cfg.FMax
	if fmax == 0 {
		fmax = float64(cfg.SampleRate) / 2
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyMidpoint
	}
	return &Extractor{
		cfg:        cfg,
		filterbank: MelFilterbank(cfg.SampleRate, cfg.FFTSize, cfg.Mels, cfg.FMin, fmax),
	}
}

// Config returns the extractor geometry.
func (e *Extractor) Config() Config {
	return e.cfg
}

// Extract returns the spectrogram of the primary window of path.
func (e *Extractor) Extract(ctx context.Context, path string) (*Spectrogram, error) {
	windows, err := e.windows(ctx, path)
	if err != nil {
		return nil, err
	}
	return e.extractWindow(ctx, path, windows[0])
}

// ExtractWindows returns one spectrogram per policy window of path.
func (e *Extractor) ExtractWindows(ctx context.Context, path string) ([]Windowed, error) {
	windows, err := e.windows(ctx, path)
	if err != nil {
		return nil, err
	}

	out := make([]Windowed, 0, len(windows))
	for _, w := range windows {
		spec, err := e.extractWindow(ctx, path, w)
		if err != nil {
			return nil, err
		}
		out = append(out, Windowed{Window: w, Spectrogram: spec})
	}
	return out, nil
}

func (e *Extractor) windows(ctx context.Context, path string) ([]Window, error) {
	dur, err := audio.Duration(ctx, path)
	if err != nil {
		return nil, err
	}
	windows := e.cfg.Policy.Windows(dur, e.cfg.Seconds)
	if len(windows) == 0 {
		return nil, errs.Decode("extract", path, fmt.Errorf("clip is %.1fs, need at least %.0fs", dur, e.cfg.Seconds))
	}
	return windows, nil
}

func (e *Extractor) extractWindow(ctx context.Context, path string, w Window) (*Spectrogram, error) {
	clip, err := audio.LoadWindow(ctx, path, w.Start, e.cfg.Seconds)
	if err != nil {
		return nil, err
	}
	spec, err := e.FromClip(clip)
	if err != nil {
		return nil, errs.Decode("extract", path, err)
	}
	return spec, nil
}

// FromClip resamples clip, pads or trims it to one window and returns its
// spectrogram.
func (e *Extractor) FromClip(clip *audio.Clip) (*Spectrogram, error) {
	clip, err := clip.Resample(e.cfg.SampleRate)
	if err != nil {
		return nil, err
	}
	clip.Fit(e.cfg.Samples())

	power := PowerSTFT(clip.Samples, e.cfg.stft())
	mel := MelPower(power, e.filterbank)

	mels, frames := mel.Dims()
	return &Spectrogram{
		Mels:   mels,
		Frames: frames,
		Data:   PowerToDB(mel.RawMatrix().Data, e.cfg.AMin, e.cfg.TopDB),
	}, nil
}
