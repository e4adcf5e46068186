package features

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Slaney mel scale: linear below 1 kHz, logarithmic above.
const (
	melFSP       = 200.0 / 3
	melMinLogHz  = 1000.0
	melMinLogMel = melMinLogHz / melFSP
)

var melLogStep = math.Log(6.4) / 27

// HzToMel converts a frequency to the Slaney mel scale.
func HzToMel(hz float64) float64 {
	if hz >= melMinLogHz {
		return melMinLogMel + math.Log(hz/melMinLogHz)/melLogStep
	}
	return hz / melFSP
}

// MelToHz converts a Slaney mel value back to Hz.
func MelToHz(mel float64) float64 {
	if mel >= melMinLogMel {
		return melMinLogHz * math.Exp(melLogStep*(mel-melMinLogMel))
	}
	return mel * melFSP
}

// MelFilterbank returns an nMels x (nFFT/2+1) matrix of triangular filters
// between fmin and fmax, area-normalised so each filter has roughly constant
// energy per Hz.
func MelFilterbank(sampleRate, nFFT, nMels int, fmin, fmax float64) *mat.Dense {
	numBins := nFFT/2 + 1
	fftFreqs := make([]float64, numBins)
	floats.Span(fftFreqs, 0, float64(sampleRate)/2)

	// nMels+2 band edges evenly spaced in mel.
	melPts := make([]float64, nMels+2)
	floats.Span(melPts, HzToMel(fmin), HzToMel(fmax))
	hzPts := make([]float64, len(melPts))
	for i, m := range melPts {
		hzPts[i] = MelToHz(m)
	}

	weights := mat.NewDense(nMels, numBins, nil)
	for i := range nMels {
		lo, mid, hi := hzPts[i], hzPts[i+1], hzPts[i+2]
		enorm := 2 / (hi - lo)
		for k, f := range fftFreqs {
			lower := (f - lo) / (mid - lo)
			upper := (hi - f) / (hi - mid)
			w := math.Max(0, math.Min(lower, upper))
			if w > 0 {
				weights.Set(i, k, w*enorm)
			}
		}
	}
	return weights
}

// MelPower projects a [frames][bins] power spectrum through the filterbank,
// returning an nMels x frames matrix.
func MelPower(power [][]float64, filterbank *mat.Dense) *mat.Dense {
	nMels, numBins := filterbank.Dims()
	frames := len(power)

	spec := mat.NewDense(numBins, frames, nil)
	for t, frame := range power {
		for k, v := range frame {
			spec.Set(k, t, v)
		}
	}

	out := mat.NewDense(nMels, frames, nil)
	out.Mul(filterbank, spec)
	return out
}

// PowerToDB converts power values to decibels relative to their maximum,
// clipping everything more than topDB below the peak.
func PowerToDB(power []float64, amin, topDB float64) []float32 {
	ref := math.Max(amin, floats.Max(power))
	refDB := 10 * math.Log10(ref)

	out := make([]float32, len(power))
	for i, p := range power {
		db := 10*math.Log10(math.Max(amin, p)) - refDB
		if db < -topDB {
			db = -topDB
		}
		out[i] = float32(db)
	}
	return out
}
