package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nzoschke/genrelab/pkg/audio/audiotest"
	"github.com/nzoschke/genrelab/pkg/errs"
)

func TestWAVDurationAndWindow(t *testing.T) {
	ctx := context.Background()
	path := audiotest.WriteTone(t, filepath.Join(t.TempDir(), "tone.wav"), 4, 8000, 440)

	dur, err := Duration(ctx, path)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, dur, 0.01)

	clip, err := LoadWindow(ctx, path, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 8000, clip.SampleRate)
	assert.Len(t, clip.Samples, 16000)
	assert.InDelta(t, 2.0, clip.Duration(), 1e-9)

	for _, s := range clip.Samples {
		require.LessOrEqual(t, s, float32(1))
		require.GreaterOrEqual(t, s, float32(-1))
	}

	// Window past the end is truncated.
	clip, err = LoadWindow(ctx, path, 3, 5)
	require.NoError(t, err)
	assert.Len(t, clip.Samples, 8000)
}

func TestWAVStereoDownmix(t *testing.T) {
	// Left +16384, right -16384 mixes to silence.
	data := make([]int, 2*1000)
	for i := 0; i < len(data); i += 2 {
		data[i] = 16384
		data[i+1] = -16384
	}
	path := audiotest.WritePCM(t, filepath.Join(t.TempDir(), "stereo.wav"), data, 8000, 2)

	clip, err := Load(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, clip.Samples, 1000)
	for _, s := range clip.Samples {
		assert.InDelta(t, 0, s, 1e-6)
	}
}

// writeRawWAV writes a canonical 44 byte header followed by data.
func writeRawWAV(t *testing.T, path string, format, channels, sampleRate, bits int, data []byte) string {
	t.Helper()
	var b bytes.Buffer
	le := func(v any) { require.NoError(t, binary.Write(&b, binary.LittleEndian, v)) }

	b.WriteString("RIFF")
	le(uint32(36 + len(data)))
	b.WriteString("WAVEfmt ")
	le(uint32(16))
	le(uint16(format))
	le(uint16(channels))
	le(uint32(sampleRate))
	le(uint32(sampleRate * channels * bits / 8))
	le(uint16(channels * bits / 8))
	le(uint16(bits))
	b.WriteString("data")
	le(uint32(len(data)))
	b.Write(data)

	require.NoError(t, os.WriteFile(path, b.Bytes(), 0644))
	return path
}

func TestWAV8Bit(t *testing.T) {
	// One second at 1000 Hz: silence, then full scale from the second
	// half onwards.
	data := make([]byte, 1000)
	for i := range data {
		data[i] = 128
		if i >= 500 {
			data[i] = byte(i % 2 * 255)
		}
	}
	path := writeRawWAV(t, filepath.Join(t.TempDir(), "u8.wav"), 1, 1, 1000, 8, data)

	clip, err := LoadWindow(context.Background(), path, 0.5, 0.25)
	require.NoError(t, err)
	require.Len(t, clip.Samples, 250, "only the window is decoded")
	assert.InDelta(t, -1, clip.Samples[0], 1e-6)
	assert.InDelta(t, 127.0/128, clip.Samples[1], 1e-6)

	clip, err = LoadWindow(context.Background(), path, 0, 0.1)
	require.NoError(t, err)
	for _, s := range clip.Samples {
		assert.Equal(t, float32(0), s, "128 is silence")
	}
}

func TestWAVFloat(t *testing.T) {
	var data bytes.Buffer
	for i := range 800 {
		v := float32(0.25)
		if i%2 == 1 {
			v = -0.75
		}
		require.NoError(t, binary.Write(&data, binary.LittleEndian, math.Float32bits(v)))
	}
	path := writeRawWAV(t, filepath.Join(t.TempDir(), "f32.wav"), 3, 2, 400, 32, data.Bytes())

	clip, err := Load(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, clip.Samples, 400)
	assert.InDelta(t, -0.25, clip.Samples[0], 1e-6)
}

func TestErrors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	_, err := Duration(ctx, filepath.Join(dir, "missing.wav"))
	assert.ErrorIs(t, err, errs.ErrNotFound)

	bad := filepath.Join(dir, "bad.wav")
	require.NoError(t, os.WriteFile(bad, []byte("not a wav file at all"), 0644))
	_, err = LoadWindow(ctx, bad, 0, 1)
	assert.ErrorIs(t, err, errs.ErrDecode)

	txt := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("x"), 0644))
	_, err = Duration(ctx, txt)
	assert.ErrorIs(t, err, errs.ErrDecode)

	good := audiotest.WriteTone(t, filepath.Join(dir, "ok.wav"), 1, 8000, 220)
	_, err = LoadWindow(ctx, good, -1, 1)
	assert.ErrorIs(t, err, errs.ErrDecode)
}

func TestResampleAndFit(t *testing.T) {
	clip := &Clip{Samples: make([]float32, 44100), SampleRate: 44100}
	for i := range clip.Samples {
		clip.Samples[i] = 0.25
	}

	out, err := clip.Resample(22050)
	require.NoError(t, err)
	assert.Equal(t, 22050, out.SampleRate)
	assert.InDelta(t, 22050, len(out.Samples), 2205, "roughly one second of output")

	out.Fit(22050)
	assert.Len(t, out.Samples, 22050)

	same, err := out.Resample(22050)
	require.NoError(t, err)
	assert.Same(t, out, same)

	short := &Clip{Samples: []float32{1, 2}, SampleRate: 10}
	short.Fit(4)
	assert.Equal(t, []float32{1, 2, 0, 0}, short.Samples)
}

func TestIsSupported(t *testing.T) {
	for _, ext := range []string{".mp3", ".WAV", ".au", ".flac"} {
		assert.True(t, IsSupported(ext), ext)
	}
	assert.False(t, IsSupported(".npy"))
	assert.False(t, IsSupported(".txt"))
}

func TestMP3Fixture(t *testing.T) {
	var testFile string
	_ = filepath.Walk("../../music", func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && filepath.Ext(path) == ".mp3" && testFile == "" {
			testFile = path
		}
		return nil
	})
	if testFile == "" {
		t.Skip("No MP3 files found in music directory")
	}

	ctx := context.Background()
	dur, err := Duration(ctx, testFile)
	require.NoError(t, err)
	t.Logf("%s: %.2fs", testFile, dur)

	clip, err := LoadWindow(ctx, testFile, dur/2, 1)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, clip.Duration(), 0.01)
}
