package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hajimehoshi/go-mp3"

	"github.com/nzoschke/genrelab/pkg/errs"
)

// go-mp3 emits 16-bit little endian stereo: 4 bytes per frame.
const mp3FrameBytes = 4

// Additional samples that go-mp3 produces on top of the LAME encoder delay.
const goMP3DecoderDelay = 924

// Default encoder delay if we can't read it from the LAME header
const defaultEncoderDelay = 576

type mp3Decoder struct{}

func (mp3Decoder) duration(_ context.Context, path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errs.FromFS("open", path, err)
	}
	defer f.Close()

	d, err := mp3.NewDecoder(f)
	if err != nil {
		return 0, errs.Decode("mp3 header", path, err)
	}

	// Length scans frame headers only.
	frames := d.Length()/mp3FrameBytes - int64(readMP3Delay(f))
	if frames < 0 {
		frames = 0
	}
	return float64(frames) / float64(d.SampleRate()), nil
}

func (mp3Decoder) window(ctx context.Context, path string, start, length float64) (*Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.FromFS("open", path, err)
	}
	defer f.Close()

	delay := readMP3Delay(f)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, errs.IO("seek", path, err)
	}

	d, err := mp3.NewDecoder(f)
	if err != nil {
		return nil, errs.Decode("mp3 header", path, err)
	}
	sr := d.SampleRate()

	first := int64(delay) + int64(start*float64(sr))
	if _, err := d.Seek(first*mp3FrameBytes, io.SeekStart); err != nil {
		return nil, errs.Decode("mp3 seek", path, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pcm := make([]byte, int(length*float64(sr))*mp3FrameBytes)
	n, err := io.ReadFull(d, pcm)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, errs.Decode("mp3 decode", path, err)
	}
	pcm = pcm[:n-n%mp3FrameBytes]
	if len(pcm) == 0 {
		return nil, errs.Decode("mp3 decode", path, fmt.Errorf("no samples at %.1fs", start))
	}

	samples := make([]float32, len(pcm)/mp3FrameBytes)
	for i := range samples {
		off := i * mp3FrameBytes
		left := int16(binary.LittleEndian.Uint16(pcm[off:]))
		right := int16(binary.LittleEndian.Uint16(pcm[off+2:]))
		samples[i] = (float32(left) + float32(right)) / 2 / 32768
	}

	return &Clip{Samples: samples, SampleRate: sr}, nil
}

// readMP3Delay returns the LAME encoder delay plus the go-mp3 decoder delay.
func readMP3Delay(r io.ReaderAt) int {
	return readLAMEEncoderDelay(r) + goMP3DecoderDelay
}

// readLAMEEncoderDelay reads the encoder delay from the LAME/Xing header if
// present.
func readLAMEEncoderDelay(r io.ReaderAt) int {
	buf := make([]byte, 4096)
	n, err := r.ReadAt(buf, 0)
	if (err != nil && !errors.Is(err, io.EOF)) || n < 200 {
		return defaultEncoderDelay
	}
	buf = buf[:n]

	lameIdx := bytes.Index(buf, []byte("LAME"))
	if lameIdx == -1 {
		return defaultEncoderDelay
	}

	// 21 bytes past "LAME": 12 bits encoder delay, 12 bits padding.
	delayOffset := lameIdx + 21
	if delayOffset+3 > len(buf) {
		return defaultEncoderDelay
	}
	b := buf[delayOffset : delayOffset+3]
	delay := (int(b[0]) << 4) | (int(b[1]) >> 4)

	if delay > 4096 {
		return defaultEncoderDelay
	}
	return delay
}
