package decode

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/austinkregel/local-media/loopd/internal/program"
)

const resampleQuality = 4

// Loader decodes program specs into programs at a fixed output sample rate.
type Loader struct {
	sampleRate int
	decoders   map[string]Decoder
	fallback   Decoder
	log        zerolog.Logger
}

// NewLoader creates a loader. ffmpeg is optional; without it only wav and
// mp3 files can be loaded.
func NewLoader(sampleRate int, ffmpegPath string, logger zerolog.Logger) *Loader {
	l := &Loader{
		sampleRate: sampleRate,
		decoders: map[string]Decoder{
			".wav":  WAVDecoder{},
			".wave": WAVDecoder{},
			".mp3":  MP3Decoder{},
		},
		log: logger.With().Str("component", "decode").Logger(),
	}

	ff, err := NewFFmpegDecoder(ffmpegPath)
	if err != nil {
		l.log.Warn().Err(err).Msg("ffmpeg unavailable, only wav and mp3 segments can be loaded")
	} else {
		l.fallback = ff
	}
	return l
}

// SampleRate returns the rate every loaded segment is converted to.
func (l *Loader) SampleRate() int {
	return l.sampleRate
}

// Load decodes intro and loop concurrently, then the exit. Intro and loop
// failures abort the load; an exit failure only disables the exit.
func (l *Loader) Load(ctx context.Context, spec program.Spec) (*program.Program, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	prog := &program.Program{
		Title:        spec.DisplayTitle(),
		AutoLoop:     spec.WantsAutoLoop(),
		StrictTiming: spec.StrictTiming,
	}

	g, gctx := errgroup.WithContext(ctx)
	if spec.Intro != "" {
		g.Go(func() error {
			seg, err := l.LoadSegment(gctx, program.KindIntro, spec.Intro)
			if err != nil {
				return err
			}
			prog.Intro = seg
			return nil
		})
	}
	g.Go(func() error {
		seg, err := l.LoadSegment(gctx, program.KindLoop, spec.Loop)
		if err != nil {
			return err
		}
		prog.Loop = seg
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if spec.WantsExit() {
		seg, err := l.LoadSegment(ctx, program.KindExit, spec.Exit)
		switch {
		case err == nil:
			prog.Exit = seg
			prog.HasExit = true
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			l.log.Warn().Err(err).Str("path", spec.Exit).Msg("exit segment unavailable, stop will end at the loop boundary")
		}
	}

	if err := prog.Validate(); err != nil {
		return nil, err
	}
	return prog, nil
}

// LoadSegment decodes one file. Every failure is returned as a *LoadError.
func (l *Loader) LoadSegment(ctx context.Context, kind program.Kind, path string) (*program.Segment, error) {
	started := time.Now()
	fail := func(err error) (*program.Segment, error) {
		return nil, &LoadError{Kind: kind, Path: path, Err: err}
	}

	if _, err := os.Stat(path); err != nil {
		return fail(err)
	}

	stream, format, err := l.open(ctx, path)
	if err != nil {
		return fail(err)
	}
	defer stream.Close()

	var s beep.Streamer = stream
	if format.SampleRate <= 0 {
		return fail(errors.New("decoder reported no sample rate"))
	}
	if int(format.SampleRate) != l.sampleRate {
		l.log.Debug().
			Str("path", path).
			Int("from", int(format.SampleRate)).
			Int("to", l.sampleRate).
			Msg("resampling segment")
		s = beep.Resample(resampleQuality, format.SampleRate, beep.SampleRate(l.sampleRate), s)
	}

	frames, err := drain(ctx, s)
	if err != nil {
		return fail(err)
	}
	if len(frames) == 0 {
		return fail(ErrEmptySegment)
	}

	seg := &program.Segment{
		Kind:       kind,
		Source:     path,
		SampleRate: l.sampleRate,
		Samples:    frames,
	}
	l.log.Info().
		Str("kind", string(kind)).
		Str("path", path).
		Int("frames", seg.Frames()).
		Float64("seconds", seg.Duration()).
		Dur("took", time.Since(started)).
		Msg("segment loaded")
	return seg, nil
}

// open picks the in-process decoder for the extension and falls back to
// ffmpeg when there is none or it fails.
func (l *Loader) open(ctx context.Context, path string) (beep.StreamCloser, beep.Format, error) {
	ext := strings.ToLower(filepath.Ext(path))
	dec, ok := l.decoders[ext]
	if !ok {
		if l.fallback == nil {
			return nil, beep.Format{}, ErrUnsupportedFormat
		}
		return l.fallback.Decode(ctx, path, l.sampleRate)
	}

	stream, format, err := dec.Decode(ctx, path, l.sampleRate)
	if err == nil || l.fallback == nil || ctx.Err() != nil {
		return stream, format, err
	}
	l.log.Debug().Err(err).Str("path", path).Msg("in-process decode failed, retrying with ffmpeg")
	stream, format, ffErr := l.fallback.Decode(ctx, path, l.sampleRate)
	if ffErr != nil {
		return nil, beep.Format{}, errors.Join(err, ffErr)
	}
	return stream, format, nil
}
