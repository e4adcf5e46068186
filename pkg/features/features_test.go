package features

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/nzoschke/genrelab/pkg/audio"
	"github.com/nzoschke/genrelab/pkg/audio/audiotest"
	"github.com/nzoschke/genrelab/pkg/errs"
)

func TestDefaultShape(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 661500, cfg.Samples())
	assert.Equal(t, 1292, cfg.Frames())
	assert.Equal(t, [3]int{128, 1292, 1}, cfg.Shape())
}

func TestPolicyWindows(t *testing.T) {
	tests := []struct {
		policy Policy
		dur    float64
		starts []float64
	}{
		{PolicyMidpoint, 20, nil},
		{PolicyMidpoint, 30, []float64{0}},
		{PolicyMidpoint, 65, []float64{0}},
		{PolicyMidpoint, 66, []float64{33}},
		{PolicyMidpoint, 211.7, []float64{105}},
		{PolicyAugment, 29.9, nil},
		{PolicyAugment, 130, []float64{0}},
		{PolicyAugment, 200, []float64{100, 70, 40, 130}},
	}
	for _, tt := range tests {
		windows := tt.policy.Windows(tt.dur, 30)
		var starts []float64
		for _, w := range windows {
			starts = append(starts, w.Start)
		}
		assert.Equal(t, tt.starts, starts, "%s %.1fs", tt.policy, tt.dur)
	}

	windows := PolicyAugment.Windows(200, 30)
	assert.Equal(t, "", windows[0].Name, "primary window first")
	assert.Equal(t, "30bef", windows[1].Name)

	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyMidpoint, p)
	_, err = ParsePolicy("random")
	assert.Error(t, err)
}

func TestMelScale(t *testing.T) {
	for _, hz := range []float64{0, 200, 999, 1000, 4000, 11025} {
		assert.InDelta(t, hz, MelToHz(HzToMel(hz)), 1e-6)
	}
	assert.InDelta(t, 15, HzToMel(1000), 1e-9)

	fb := MelFilterbank(22050, 2048, 128, 0, 11025)
	r, c := fb.Dims()
	assert.Equal(t, 128, r)
	assert.Equal(t, 1025, c)

	for i := range r {
		row := fb.RawRowView(i)
		assert.GreaterOrEqual(t, floats.Min(row), 0.0)
		assert.Greater(t, floats.Sum(row), 0.0, "filter %d is empty", i)
	}
}

func TestPowerSTFT(t *testing.T) {
	sr, nfft := 22050, 2048
	bin := 100
	freq := float64(bin) * float64(sr) / float64(nfft)

	samples := make([]float32, sr)
	for i := range samples {
		samples[i] = float32(math.Sin(2 * math.Pi * freq * float64(i) / float64(sr)))
	}

	cfg := STFTConfig{FFTSize: nfft, HopSize: 512, Center: true}
	power := PowerSTFT(samples, cfg)
	require.Len(t, power, 1+sr/512)
	require.Len(t, power[0], nfft/2+1)

	mid := power[len(power)/2]
	assert.Equal(t, bin, floats.MaxIdx(mid))

	uncentred := STFTConfig{FFTSize: 1024, HopSize: 441}
	assert.Len(t, PowerSTFT(make([]float32, 44100), uncentred), 1+(44100-1024)/441)
	assert.Nil(t, PowerSTFT(make([]float32, 10), uncentred))
}

func TestPowerToDB(t *testing.T) {
	db := PowerToDB([]float64{1, 0.1, 1e-12, 0}, 1e-10, 80)
	assert.InDelta(t, 0, db[0], 1e-6)
	assert.InDelta(t, -10, db[1], 1e-5)
	assert.InDelta(t, -80, db[2], 1e-5)
	assert.InDelta(t, -80, db[3], 1e-5)

	silent := PowerToDB([]float64{0, 0}, 1e-10, 80)
	assert.Equal(t, []float32{0, 0}, silent)
}

func TestExtract(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	ex := NewExtractor(DefaultConfig())

	for _, sr := range []int{22050, 16000} {
		path := audiotest.WriteTone(t, filepath.Join(dir, "tone.wav"), 31, sr, 440)

		spec, err := ex.Extract(ctx, path)
		require.NoError(t, err, "sample rate %d", sr)
		assert.Equal(t, [3]int{128, 1292, 1}, spec.Shape())
		assert.Equal(t, [4]int{1, 128, 1292, 1}, spec.BatchShape())
		require.Len(t, spec.Data, 128*1292)

		lo, hi := float32(0), float32(-100)
		for _, v := range spec.Data {
			lo = min(lo, v)
			hi = max(hi, v)
		}
		assert.InDelta(t, 0, hi, 1e-4, "peak is the reference")
		assert.GreaterOrEqual(t, lo, float32(-80))
	}
}

func TestExtractShortClip(t *testing.T) {
	path := audiotest.WriteTone(t, filepath.Join(t.TempDir(), "short.wav"), 10, 8000, 440)

	_, err := NewExtractor(DefaultConfig()).Extract(context.Background(), path)
	assert.ErrorIs(t, err, errs.ErrDecode)
}

func TestExtractWindowsAugment(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = PolicyAugment
	path := audiotest.WriteTone(t, filepath.Join(t.TempDir(), "long.wav"), 140, 8000, 330)

	windows, err := NewExtractor(cfg).ExtractWindows(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, windows, 4)
	for _, w := range windows {
		assert.Equal(t, [3]int{128, 1292, 1}, w.Spectrogram.Shape())
	}
	assert.InDelta(t, 70, windows[0].Start, 1e-9)
}

func TestFromClipResamples(t *testing.T) {
	ex := NewExtractor(DefaultConfig())
	clip := &audio.Clip{Samples: make([]float32, 44100*5), SampleRate: 44100}

	spec, err := ex.FromClip(clip)
	require.NoError(t, err)
	assert.Equal(t, 1292, spec.Frames, "short clips are padded to a full window")
}

func TestCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	spec := &Spectrogram{Mels: 2, Frames: 3, Data: []float32{0, -1, -2, -3, -4, -80}}

	path := CachePath(filepath.Join(dir, "song.wav"), Window{Name: "30bef", Start: 40})
	assert.Equal(t, filepath.Join(dir, "song_30bef.mel"), path)
	assert.True(t, IsCacheFile(path))

	require.NoError(t, WriteCache(path, &Cache{Source: "song.wav", Checksum: 42, Window: Window{Name: "30bef", Start: 40}, Spectrogram: spec}))

	got, err := ReadCache(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got.Checksum)
	assert.Equal(t, spec, got.Spectrogram)
	assert.Equal(t, float32(-4), got.Spectrogram.At(1, 1))

	_, err = ReadCache(filepath.Join(dir, "missing.mel"))
	assert.ErrorIs(t, err, errs.ErrNotFound)

	bad := filepath.Join(dir, "bad.mel")
	require.NoError(t, os.WriteFile(bad, []byte{0xc1}, 0644))
	_, err = ReadCache(bad)
	assert.ErrorIs(t, err, errs.ErrDecode)
}

func TestPreprocess(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	audiotest.WriteTone(t, filepath.Join(root, "rock", "a.wav"), 31, 8000, 220)
	audiotest.WriteTone(t, filepath.Join(root, "jazz", "b.wav"), 31, 8000, 440)
	audiotest.WriteTone(t, filepath.Join(root, "jazz", "short.wav"), 5, 8000, 440)
	require.NoError(t, os.WriteFile(filepath.Join(root, "jazz", "notes.txt"), []byte("x"), 0644))

	ex := NewExtractor(DefaultConfig())
	stats, err := ex.Preprocess(ctx, root, PreprocessOptions{Workers: 2})
	require.NoError(t, err)
	assert.Equal(t, Stats{Processed: 2, Failed: 1}, stats)
	assert.FileExists(t, filepath.Join(root, "rock", "a.mel"))
	assert.NoFileExists(t, filepath.Join(root, "jazz", "short.mel"))

	stats, err = ex.Preprocess(ctx, root, PreprocessOptions{Workers: 2})
	require.NoError(t, err)
	assert.Equal(t, Stats{Skipped: 2, Failed: 1}, stats)

	stats, err = ex.Preprocess(ctx, root, PreprocessOptions{Workers: 1, Force: true})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Processed)

	_, err = ex.Preprocess(ctx, filepath.Join(root, "nope"), PreprocessOptions{})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestPreprocessPolicySwitch(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	song := audiotest.WriteTone(t, filepath.Join(root, "rock", "a.wav"), 140, 8000, 220)
	secondary := CachePath(song, Window{Name: "30bef"})

	midpoint := NewExtractor(DefaultConfig())
	augmentCfg := DefaultConfig()
	augmentCfg.Policy = PolicyAugment
	augment := NewExtractor(augmentCfg)

	stats, err := midpoint.Preprocess(ctx, root, PreprocessOptions{Workers: 1})
	require.NoError(t, err)
	assert.Equal(t, Stats{Processed: 1}, stats)
	assert.NoFileExists(t, secondary)

	stats, err = augment.Preprocess(ctx, root, PreprocessOptions{Workers: 1})
	require.NoError(t, err)
	assert.Equal(t, Stats{Processed: 1}, stats, "caches of another policy are stale")
	for _, name := range []string{"30bef", "60bef", "30aft"} {
		assert.FileExists(t, CachePath(song, Window{Name: name}))
	}
	c, err := ReadCache(CachePath(song, Window{}))
	require.NoError(t, err)
	assert.Equal(t, PolicyAugment, c.Policy)

	stats, err = augment.Preprocess(ctx, root, PreprocessOptions{Workers: 1})
	require.NoError(t, err)
	assert.Equal(t, Stats{Skipped: 1}, stats)

	require.NoError(t, os.Remove(secondary))
	stats, err = augment.Preprocess(ctx, root, PreprocessOptions{Workers: 1})
	require.NoError(t, err)
	assert.Equal(t, Stats{Processed: 1}, stats, "a missing window is rewritten")
	assert.FileExists(t, secondary)

	stats, err = midpoint.Preprocess(ctx, root, PreprocessOptions{Workers: 1})
	require.NoError(t, err)
	assert.Equal(t, Stats{Processed: 1}, stats)
	for _, name := range []string{"30bef", "60bef", "30aft"} {
		assert.NoFileExists(t, CachePath(song, Window{Name: name}), "stale augment window removed")
	}
}

func TestPrimaryWindowMatchesCache(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	// 100 s: augment analyses 0-30 s, midpoint 50-80 s.
	song := audiotest.WriteSteps(t, filepath.Join(root, "jazz", "b.wav"), 8000, 50, 220, 880)

	for _, policy := range []Policy{PolicyMidpoint, PolicyAugment} {
		cfg := DefaultConfig()
		cfg.Policy = policy
		ex := NewExtractor(cfg)

		_, err := ex.Preprocess(ctx, root, PreprocessOptions{Workers: 1})
		require.NoError(t, err)
		c, err := ReadCache(CachePath(song, Window{}))
		require.NoError(t, err)

		spec, err := ex.Extract(ctx, song)
		require.NoError(t, err)
		assert.Equal(t, c.Spectrogram, spec, "%s: inference window equals the training cache", policy)
		assert.Equal(t, policy.Windows(100, 30)[0], c.Window)
	}

	assert.NotEqual(t, PolicyMidpoint.Windows(100, 30)[0].Start, PolicyAugment.Windows(100, 30)[0].Start)
}
