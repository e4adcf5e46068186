package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/go-audio/wav"

	"github.com/nzoschke/genrelab/pkg/errs"
)

// WAVE_FORMAT_IEEE_FLOAT
const wavFormatFloat = 3

type wavDecoder struct{}

func (wavDecoder) duration(_ context.Context, path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errs.FromFS("open", path, err)
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return 0, errs.Decode("wav header", path, errors.New("invalid wav file"))
	}
	dur, err := d.Duration()
	if err != nil {
		return 0, errs.Decode("wav duration", path, err)
	}
	return dur.Seconds(), nil
}

// window reads only the frames of the window from the data chunk.
func (wavDecoder) window(ctx context.Context, path string, start, length float64) (*Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.FromFS("open", path, err)
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return nil, errs.Decode("wav header", path, errors.New("invalid wav file"))
	}
	if err := d.FwdToPCM(); err != nil {
		return nil, errs.Decode("wav data", path, err)
	}
	// The data chunk header has been consumed; the file offset is the first
	// PCM byte.
	dataStart, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, errs.IO("seek", path, err)
	}

	channels := max(int(d.NumChans), 1)
	sampleBytes := int(d.BitDepth) / 8
	if sampleBytes < 1 || sampleBytes > 4 {
		return nil, errs.Decode("wav data", path, fmt.Errorf("unsupported bit depth %d", d.BitDepth))
	}
	frameBytes := channels * sampleBytes
	sr := int(d.SampleRate)

	frames := int(d.PCMLen()) / frameBytes
	first := min(int(start*float64(sr)), frames)
	last := min(first+int(length*float64(sr)), frames)
	if last <= first {
		return nil, errs.Decode("wav decode", path, errors.New("window past end of file"))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw := make([]byte, (last-first)*frameBytes)
	n, err := f.ReadAt(raw, dataStart+int64(first*frameBytes))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, errs.Decode("wav decode", path, err)
	}
	raw = raw[:n-n%frameBytes]
	if len(raw) == 0 {
		return nil, errs.Decode("wav decode", path, errors.New("no samples in window"))
	}

	interleaved, err := decodePCM(raw, sampleBytes, d.WavAudioFormat == wavFormatFloat)
	if err != nil {
		return nil, errs.Decode("wav decode", path, err)
	}
	return &Clip{Samples: downmix(interleaved, channels), SampleRate: sr}, nil
}

// decodePCM converts little endian samples to [-1, 1]. 8-bit PCM is
// unsigned with a midpoint of 128; wider PCM is signed.
func decodePCM(raw []byte, sampleBytes int, float bool) ([]float32, error) {
	out := make([]float32, len(raw)/sampleBytes)
	switch {
	case float && sampleBytes == 4:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case float:
		return nil, fmt.Errorf("unsupported float width %d", sampleBytes*8)
	case sampleBytes == 1:
		for i, b := range raw {
			out[i] = (float32(b) - 128) / 128
		}
	case sampleBytes == 2:
		for i := range out {
			out[i] = float32(int16(binary.LittleEndian.Uint16(raw[i*2:]))) / (1 << 15)
		}
	case sampleBytes == 3:
		for i := range out {
			b := raw[i*3:]
			v := int32(uint32(b[0])<<8|uint32(b[1])<<16|uint32(b[2])<<24) >> 8
			out[i] = float32(v) / (1 << 23)
		}
	case sampleBytes == 4:
		for i := range out {
			out[i] = float32(int32(binary.LittleEndian.Uint32(raw[i*4:]))) / (1 << 31)
		}
	}
	return out, nil
}
