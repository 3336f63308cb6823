// Package decode turns audio files into in-memory segments at the output sample rate.
package decode

import (
	"context"
	"errors"
	"fmt"

	"github.com/gopxl/beep/v2"

	"github.com/austinkregel/local-media/loopd/internal/program"
)

var (
	// ErrUnsupportedFormat is returned when no decoder handles a file.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	// ErrEmptySegment is returned when a file decodes to zero frames.
	ErrEmptySegment = errors.New("decoded segment is empty")
)

// LoadError reports a segment that could not be decoded.
type LoadError struct {
	Kind program.Kind
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s segment %q: %v", e.Kind, e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Decoder opens an audio file as a stream of stereo frames.
// sampleRate is the rate the caller wants; decoders that can produce it
// directly do so, the rest report their native rate and get resampled.
type Decoder interface {
	Decode(ctx context.Context, path string, sampleRate int) (beep.StreamCloser, beep.Format, error)
}

// frameStream replays already-decoded frames through the beep Streamer interface.
type frameStream struct {
	frames [][2]float32
	pos    int
}

func (s *frameStream) Stream(samples [][2]float64) (int, bool) {
	if s.pos >= len(s.frames) {
		return 0, false
	}
	n := 0
	for n < len(samples) && s.pos < len(s.frames) {
		f := s.frames[s.pos]
		samples[n][0] = float64(f[0])
		samples[n][1] = float64(f[1])
		n++
		s.pos++
	}
	return n, true
}

func (s *frameStream) Err() error   { return nil }
func (s *frameStream) Close() error { return nil }

const drainChunk = 4096

// drain reads a streamer to the end.
func drain(ctx context.Context, s beep.Streamer) ([][2]float32, error) {
	buf := make([][2]float64, drainChunk)
	var out [][2]float32
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, ok := s.Stream(buf)
		for i := 0; i < n; i++ {
			out = append(out, [2]float32{float32(buf[i][0]), float32(buf[i][1])})
		}
		if !ok {
			break
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
