package features

import (
	"github.com/mjibson/go-dsp/window"
	"gonum.org/v1/gonum/dsp/fourier"
)

// STFTConfig describes parameters for STFT computation.
type STFTConfig struct {
	FFTSize int  // FFT size and analysis window length
	HopSize int  // Hop between frames in samples
	Center  bool // Zero-pad FFTSize/2 on both sides so frame t is centred on t*HopSize
}

// NumFrames returns the number of frames STFT produces for n samples.
func (c STFTConfig) NumFrames(n int) int {
	if c.Center {
		n += 2 * (c.FFTSize / 2)
	}
	if n < c.FFTSize {
		return 0
	}
	return 1 + (n-c.FFTSize)/c.HopSize
}

// PowerSTFT computes the short-time power spectrum |X|^2.
// Returns [frames][bins] with FFTSize/2+1 bins per frame.
func PowerSTFT(samples []float32, cfg STFTConfig) [][]float64 {
	pad := 0
	if cfg.Center {
		pad = cfg.FFTSize / 2
	}
	padded := make([]float64, len(samples)+2*pad)
	for i, s := range samples {
		padded[pad+i] = float64(s)
	}

	numFrames := cfg.NumFrames(len(samples))
	if numFrames <= 0 {
		return nil
	}
	numBins := cfg.FFTSize/2 + 1

	win := periodicHann(cfg.FFTSize)
	fft := fourier.NewFFT(cfg.FFTSize)
	frame := make([]float64, cfg.FFTSize)
	coeffs := make([]complex128, numBins)

	result := make([][]float64, numFrames)
	for i := range numFrames {
		start := i * cfg.HopSize
		for j := range frame {
			frame[j] = padded[start+j] * win[j]
		}

		coeffs = fft.Coefficients(coeffs, frame)

		result[i] = make([]float64, numBins)
		for j, c := range coeffs {
			re, im := real(c), imag(c)
			result[i][j] = re*re + im*im
		}
	}

	return result
}

// periodicHann returns the DFT-even Hann window of length n.
func periodicHann(n int) []float64 {
	return window.Hann(n + 1)[:n]
}
