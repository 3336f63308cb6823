package decode

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os/exec"
	"strings"

	"github.com/gopxl/beep/v2"
)

// FFmpegDecoder shells out to ffmpeg for everything the in-process decoders
// cannot read. ffmpeg also resamples, so it always returns the requested rate.
type FFmpegDecoder struct {
	ffmpegPath string
}

// NewFFmpegDecoder resolves the ffmpeg binary. An empty path searches PATH.
func NewFFmpegDecoder(path string) (*FFmpegDecoder, error) {
	if path == "" {
		path = "ffmpeg"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	return &FFmpegDecoder{ffmpegPath: resolved}, nil
}

// Decode converts the whole file to 16-bit stereo PCM at sampleRate.
// The segment length comes from the bytes ffmpeg produced, not from container metadata.
func (d *FFmpegDecoder) Decode(ctx context.Context, path string, sampleRate int) (beep.StreamCloser, beep.Format, error) {
	args := []string{
		"-nostdin",
		"-v", "error",
		"-i", path,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ac", "2",
		"-ar", fmt.Sprintf("%d", sampleRate),
		"-",
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.ffmpegPath, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, beep.Format{}, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, beep.Format{}, fmt.Errorf("ffmpeg failed: %w: %s", err, msg)
		}
		return nil, beep.Format{}, fmt.Errorf("ffmpeg failed: %w", err)
	}

	format := beep.Format{
		SampleRate:  beep.SampleRate(sampleRate),
		NumChannels: 2,
		Precision:   2,
	}
	return &frameStream{frames: s16leFrames(stdout.Bytes())}, format, nil
}

// s16leFrames converts interleaved little-endian 16-bit stereo to frames.
// A trailing partial frame is dropped.
func s16leFrames(data []byte) [][2]float32 {
	const frameBytes = 4
	frames := make([][2]float32, len(data)/frameBytes)
	for i := range frames {
		off := i * frameBytes
		left := int16(binary.LittleEndian.Uint16(data[off:]))
		right := int16(binary.LittleEndian.Uint16(data[off+2:]))
		frames[i] = [2]float32{float32(left) / 32768.0, float32(right) / 32768.0}
	}
	return frames
}
