package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/nzoschke/genrelab/pkg/errs"
)

// ffmpegRate is the rate ffmpeg resamples to; it matches the feature rate so
// no second resampling pass is needed.
const ffmpegRate = 22050

// ffmpegDecoder shells out to ffprobe and ffmpeg for containers without a
// native Go decoder.
type ffmpegDecoder struct{}

func (ffmpegDecoder) duration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, errs.Decode("ffprobe", path, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String())))
	}

	s := strings.ReplaceAll(strings.TrimSpace(out.String()), ",", ".")
	if s == "" || s == "N/A" {
		return 0, errs.Decode("ffprobe", path, errors.New("no duration"))
	}
	dur, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errs.Decode("ffprobe", path, err)
	}
	return dur, nil
}

func (ffmpegDecoder) window(ctx context.Context, path string, start, length float64) (*Clip, error) {
	args := []string{
		"-hide_banner", "-v", "error",
		"-ss", strconv.FormatFloat(start, 'f', 3, 64),
		"-t", strconv.FormatFloat(length, 'f', 3, 64),
		"-i", path,
		"-ac", "1",
		"-ar", strconv.Itoa(ffmpegRate),
		"-f", "f32le",
		"pipe:1",
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, errs.Decode("ffmpeg", path, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String())))
	}

	raw := out.Bytes()
	if len(raw) == 0 || len(raw)%4 != 0 {
		return nil, errs.Decode("ffmpeg", path, fmt.Errorf("unexpected byte length %d", len(raw)))
	}
	samples := make([]float32, len(raw)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return &Clip{Samples: samples, SampleRate: ffmpegRate}, nil
}
