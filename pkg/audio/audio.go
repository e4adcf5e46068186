// Package audio decodes audio files into mono float32 clips.
// MP3 and WAV are decoded in process; other containers go through ffmpeg.
package audio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nzoschke/genrelab/pkg/errs"
)

// Clip is a decoded mono waveform.
type Clip struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the clip length in seconds.
func (c *Clip) Duration() float64 {
	if c.SampleRate == 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate)
}

// decoder is implemented once per container family.
type decoder interface {
	duration(ctx context.Context, path string) (float64, error)
	window(ctx context.Context, path string, start, length float64) (*Clip, error)
}

func decoderFor(path string) (decoder, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".mp3":
		return mp3Decoder{}, nil
	case ".wav":
		return wavDecoder{}, nil
	case ".au", ".flac", ".ogg", ".m4a", ".aac", ".aiff":
		return ffmpegDecoder{}, nil
	default:
		return nil, errs.Decode("open", path, fmt.Errorf("unsupported audio format: %s", ext))
	}
}

// IsSupported reports whether ext (with leading dot) can be decoded.
func IsSupported(ext string) bool {
	switch strings.ToLower(ext) {
	case ".mp3", ".wav", ".au", ".flac", ".ogg", ".m4a", ".aac", ".aiff":
		return true
	default:
		return false
	}
}

// Duration returns the length of the file in seconds without decoding the
// whole stream.
func Duration(ctx context.Context, path string) (float64, error) {
	d, err := open(path)
	if err != nil {
		return 0, err
	}
	return d.duration(ctx, path)
}

// LoadWindow decodes length seconds starting at start seconds and returns
// them as a mono clip at the file's native sample rate. The clip is shorter
// than requested when the file ends first.
func LoadWindow(ctx context.Context, path string, start, length float64) (*Clip, error) {
	d, err := open(path)
	if err != nil {
		return nil, err
	}
	if start < 0 || length <= 0 {
		return nil, errs.Decode("window", path, fmt.Errorf("invalid window start=%v length=%v", start, length))
	}
	return d.window(ctx, path, start, length)
}

// Load decodes the whole file.
func Load(ctx context.Context, path string) (*Clip, error) {
	dur, err := Duration(ctx, path)
	if err != nil {
		return nil, err
	}
	return LoadWindow(ctx, path, 0, dur+1)
}

func open(path string) (decoder, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errs.FromFS("open", path, err)
	}
	return decoderFor(path)
}

// downmix averages interleaved channels into mono.
func downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	mono := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += interleaved[i*channels+c]
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}
