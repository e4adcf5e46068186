// Package audiotest writes synthetic WAV fixtures for tests.
package audiotest

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteTone writes a 16-bit mono WAV of a sine at freq Hz lasting seconds.
func WriteTone(t testing.TB, path string, seconds float64, sampleRate int, freq float64) string {
	t.Helper()

	n := int(seconds * float64(sampleRate))
	data := make([]int, n)
	for i := range data {
		v := 0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate))
		data[i] = int(v * 32767)
	}
	return WritePCM(t, path, data, sampleRate, 1)
}

// WriteSteps writes a 16-bit mono WAV of consecutive sines, one per freq,
// each lasting step seconds.
func WriteSteps(t testing.TB, path string, sampleRate int, step float64, freqs ...float64) string {
	t.Helper()

	n := int(step * float64(sampleRate))
	data := make([]int, 0, n*len(freqs))
	for _, freq := range freqs {
		for i := range n {
			v := 0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate))
			data = append(data, int(v*32767))
		}
	}
	return WritePCM(t, path, data, sampleRate, 1)
}

// WritePCM writes interleaved 16-bit samples as a WAV file.
func WritePCM(t testing.TB, path string, data []int, sampleRate, channels int) string {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder %s: %v", path, err)
	}
	return path
}
