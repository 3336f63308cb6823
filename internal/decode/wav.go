package decode

import (
	"context"
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/gopxl/beep/v2"
)

const wavFormatPCM = 1

// WAVDecoder decodes integer PCM wave files in-process.
type WAVDecoder struct{}

// Decode reads the whole file. The native sample rate is reported unchanged.
func (WAVDecoder) Decode(ctx context.Context, path string, _ int) (beep.StreamCloser, beep.Format, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, beep.Format{}, err
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return nil, beep.Format{}, fmt.Errorf("%w: not a valid wav file", ErrUnsupportedFormat)
	}
	if dec.WavAudioFormat != wavFormatPCM {
		return nil, beep.Format{}, fmt.Errorf("%w: wav audio format %d", ErrUnsupportedFormat, dec.WavAudioFormat)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, beep.Format{}, fmt.Errorf("failed to read pcm data: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, beep.Format{}, err
	}

	frames, err := intBufferFrames(buf, int(dec.BitDepth))
	if err != nil {
		return nil, beep.Format{}, err
	}

	format := beep.Format{
		SampleRate:  beep.SampleRate(dec.SampleRate),
		NumChannels: 2,
		Precision:   int(dec.BitDepth) / 8,
	}
	return &frameStream{frames: frames}, format, nil
}

// intBufferFrames converts interleaved integer samples to stereo frames.
// Mono is duplicated to both sides; channels beyond two are dropped.
func intBufferFrames(buf *audio.IntBuffer, bitDepth int) ([][2]float32, error) {
	if buf == nil || buf.Format == nil || buf.Format.NumChannels < 1 {
		return nil, fmt.Errorf("%w: wav has no channel layout", ErrUnsupportedFormat)
	}
	if bitDepth < 8 || bitDepth > 32 {
		return nil, fmt.Errorf("%w: %d-bit wav", ErrUnsupportedFormat, bitDepth)
	}

	channels := buf.Format.NumChannels
	scale := float32(int64(1) << (bitDepth - 1))
	// 8-bit wave data is unsigned.
	var bias int
	if bitDepth == 8 {
		bias = 128
	}

	frames := make([][2]float32, len(buf.Data)/channels)
	for i := range frames {
		base := i * channels
		left := float32(buf.Data[base]-bias) / scale
		right := left
		if channels > 1 {
			right = float32(buf.Data[base+1]-bias) / scale
		}
		frames[i] = [2]float32{left, right}
	}
	return frames, nil
}
