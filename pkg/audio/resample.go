package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resample converts the clip to rate. A clip already at rate is returned
// unchanged.
func (c *Clip) Resample(rate int) (*Clip, error) {
	if c.SampleRate == rate {
		return c, nil
	}
	if c.SampleRate <= 0 || rate <= 0 {
		return nil, fmt.Errorf("invalid sample rates %d -> %d", c.SampleRate, rate)
	}

	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(c.SampleRate),
		OutputRate: float64(rate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}

	input := make([]float64, len(c.Samples))
	for i, s := range c.Samples {
		input[i] = float64(s)
	}
	output, err := r.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resample %d -> %d: %w", c.SampleRate, rate, err)
	}
	if f, ok := r.(interface{ Flush() ([]float64, error) }); ok {
		tail, err := f.Flush()
		if err != nil {
			return nil, fmt.Errorf("resample flush: %w", err)
		}
		output = append(output, tail...)
	}

	samples := make([]float32, len(output))
	for i, s := range output {
		samples[i] = float32(s)
	}
	return &Clip{Samples: samples, SampleRate: rate}, nil
}

// Fit pads with silence or truncates the clip to exactly n samples.
func (c *Clip) Fit(n int) {
	switch {
	case len(c.Samples) > n:
		c.Samples = c.Samples[:n]
	case len(c.Samples) < n:
		c.Samples = append(c.Samples, make([]float32, n-len(c.Samples))...)
	}
}
