// Package player is the transport facade over the scheduler, the output
// mixer and the segment loader.
package player

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/austinkregel/local-media/loopd/internal/audio"
	"github.com/austinkregel/local-media/loopd/internal/events"
	"github.com/austinkregel/local-media/loopd/internal/media"
	"github.com/austinkregel/local-media/loopd/internal/metrics"
	"github.com/austinkregel/local-media/loopd/internal/program"
	"github.com/austinkregel/local-media/loopd/internal/scheduler"
)

// Loader turns a program spec into decoded segments.
type Loader interface {
	Load(ctx context.Context, spec program.Spec) (*program.Program, error)
}

// Output is the mixer the player drives.
type Output interface {
	scheduler.Sink
	SetVolume(v float64)
	Volume() float64
	Bands() []uint8
	Level() float64
	SetAudioCallback(cb audio.AudioDataCallback)
	Close() error
}

// Status represents the current playback status
type Status struct {
	State         string  `json:"state"`
	Playing       bool    `json:"playing"`
	SessionID     string  `json:"sessionId,omitempty"`
	Title         string  `json:"title,omitempty"`
	Position      float64 `json:"position"`     // seconds into the loop body
	LoopDuration  float64 `json:"loopDuration"` // seconds
	Iteration     int     `json:"iteration"`
	StopRequested bool    `json:"stopRequested"`
	Volume        float64 `json:"volume"` // 0.0 - 1.0
}

// Options configures a Player.
type Options struct {
	Scheduler scheduler.Options
	// Timer defaults to a wall-clock timer.
	Timer scheduler.Timer
	// Session defaults to a no-op media session.
	Session media.Session
}

// Player handles playback of intro/loop/exit programs.
type Player struct {
	sched   *scheduler.Scheduler
	output  Output
	loader  Loader
	session media.Session
	bus     *events.Bus
	sub     events.Subscriber
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	cancelLoad context.CancelFunc
	loadSeq    uint64
	closed     bool

	watchDone chan struct{}
}

// New creates a player. The player owns output and closes it on Close.
func New(output Output, loader Loader, opts Options) *Player {
	if opts.Timer == nil {
		opts.Timer = scheduler.NewWallTimer()
	}
	if opts.Session == nil {
		opts.Session = media.NewNoOpSession()
	}
	if opts.Scheduler.Bus == nil {
		opts.Scheduler.Bus = events.NewBus()
	}

	p := &Player{
		output:    output,
		loader:    loader,
		session:   opts.Session,
		bus:       opts.Scheduler.Bus,
		log:       opts.Scheduler.Logger.With().Str("component", "player").Logger(),
		metrics:   opts.Scheduler.Metrics,
		watchDone: make(chan struct{}),
	}
	p.sub = p.bus.Subscribe()
	p.sched = scheduler.New(output, opts.Timer, opts.Scheduler)
	p.session.SetCommandHandler(p)

	go p.watch()
	return p
}

// Events returns the bus that carries every session transition.
func (p *Player) Events() *events.Bus {
	return p.bus
}

// Start loads spec and begins playing it. It does nothing while a session
// is already playing.
func (p *Player) Start(ctx context.Context, spec program.Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if p.sched.Snapshot().State.Playing() {
		p.log.Debug().Str("loop", spec.Loop).Msg("start ignored, already playing")
		return nil
	}
	return p.load(ctx, spec, "start", p.sched.Start)
}

// Replace loads spec and swaps it in. The current session keeps playing
// while the new segments decode, and also when decoding fails.
func (p *Player) Replace(ctx context.Context, spec program.Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	return p.load(ctx, spec, "replace", p.sched.Replace)
}

func (p *Player) load(ctx context.Context, spec program.Spec, reason string,
	commit func(ticket uint64, prog *program.Program) error) error {
	ticket, err := p.sched.Reserve()
	if err != nil {
		return err
	}

	loadCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		return scheduler.ErrClosed
	}
	if p.cancelLoad != nil {
		p.cancelLoad()
	}
	p.loadSeq++
	seq := p.loadSeq
	p.cancelLoad = cancel
	p.mu.Unlock()

	defer func() {
		cancel()
		p.mu.Lock()
		if p.loadSeq == seq {
			p.cancelLoad = nil
		}
		p.mu.Unlock()
	}()

	started := time.Now()
	prog, err := p.loader.Load(loadCtx, spec)
	p.metrics.Load(time.Since(started), err)
	if err != nil {
		if loadCtx.Err() != nil && ctx.Err() == nil {
			p.log.Debug().Str("loop", spec.Loop).Msg("load cancelled")
			return scheduler.ErrSuperseded
		}
		p.log.Error().Err(err).Str("reason", reason).Msg("failed to load program")
		return err
	}

	if err := commit(ticket, prog); err != nil {
		if errors.Is(err, scheduler.ErrSuperseded) {
			p.log.Debug().Str("loop", spec.Loop).Msg("load finished after it was superseded")
		}
		return err
	}
	return nil
}

func (p *Player) abortLoad() {
	p.mu.Lock()
	if p.cancelLoad != nil {
		p.cancelLoad()
		p.cancelLoad = nil
	}
	p.mu.Unlock()
}

// Stop ends the session at the next loop boundary, through the exit if
// there is one. A load in flight is abandoned.
func (p *Player) Stop() error {
	p.abortLoad()
	return p.sched.Stop()
}

// StopNow silences the output immediately. A load in flight is abandoned.
func (p *Player) StopNow() error {
	p.abortLoad()
	return p.sched.StopNow()
}

// SeekTo restarts the loop body at seconds modulo the loop length.
func (p *Player) SeekTo(seconds float64) error {
	return p.sched.SeekTo(seconds)
}

// SetVolume sets the master gain.
func (p *Player) SetVolume(volume float64) error {
	if math.IsNaN(volume) || volume < 0 || volume > 1 {
		return fmt.Errorf("%w: volume must be between 0.0 and 1.0", program.ErrInvalidArgument)
	}
	p.output.SetVolume(volume)
	return nil
}

// Status returns the current playback status
func (p *Player) Status() Status {
	snap := p.sched.Snapshot()
	return Status{
		State:         snap.State.String(),
		Playing:       snap.State.Playing(),
		SessionID:     snap.SessionID,
		Title:         snap.Title,
		Position:      snap.Position,
		LoopDuration:  snap.LoopDuration,
		Iteration:     snap.Iteration,
		StopRequested: snap.StopRequested,
		Volume:        p.output.Volume(),
	}
}

// CurrentPosition returns the seconds elapsed in the current loop instance.
func (p *Player) CurrentPosition() float64 {
	return p.sched.Snapshot().Position
}

// LoopDuration returns the loop body length, or 0 with nothing loaded.
func (p *Player) LoopDuration() float64 {
	return p.sched.Snapshot().LoopDuration
}

// CurrentLoopBuffer returns the loaded loop body, or nil.
func (p *Player) CurrentLoopBuffer() *program.Segment {
	return p.sched.Snapshot().Loop
}

// AudioBands returns current frequency bands for visualization.
func (p *Player) AudioBands() []uint8 {
	return p.output.Bands()
}

// Level returns the RMS level of the most recent output.
func (p *Player) Level() float64 {
	return p.output.Level()
}

// SetAudioCallback registers a callback for real-time audio data push
func (p *Player) SetAudioCallback(cb audio.AudioDataCallback) {
	p.output.SetAudioCallback(cb)
}

// OnCommand implements media.CommandHandler.
func (p *Player) OnCommand(cmd media.Command, data interface{}) error {
	if cmd != media.CmdSeek {
		p.log.Debug().Str("command", cmd.String()).Msg("media command")
	}

	switch cmd {
	case media.CmdStop:
		return p.Stop()

	case media.CmdPause, media.CmdPlayPause:
		if p.sched.Snapshot().State.Playing() {
			return p.Stop()
		}
		return nil

	case media.CmdSeek:
		if pos, ok := data.(time.Duration); ok {
			return p.SeekTo(pos.Seconds())
		}
		return nil

	case media.CmdSetLoopStatus:
		if status, ok := data.(media.LoopStatus); ok && status == media.LoopNone {
			return p.Stop()
		}
		return nil
	}

	// Play has nothing to resume: a program is always started with a spec.
	return nil
}

// watch mirrors transitions into the media session.
func (p *Player) watch() {
	defer close(p.watchDone)
	var session string
	for t := range p.sub {
		if t.SessionID != session {
			session = t.SessionID
			snap := p.sched.Snapshot()
			meta := media.Metadata{
				Title:    t.Title,
				Duration: time.Duration(t.LoopDuration * float64(time.Second)),
			}
			if snap.Loop != nil && snap.SessionID == session {
				meta.Album = filepath.Base(snap.Loop.Source)
			}
			if err := p.session.UpdateMetadata(meta); err != nil {
				p.log.Warn().Err(err).Msg("failed to update media metadata")
			}
		}

		state := media.StateStopped
		if t.Playing {
			state = media.StatePlaying
		}
		position := time.Duration(t.Position * float64(time.Second))
		if err := p.session.UpdatePlaybackState(state, position); err != nil {
			p.log.Warn().Err(err).Msg("failed to update media playback state")
		}

		loop := media.LoopNone
		if t.Playing && !t.StopRequested && t.State != scheduler.StatePlayingExit.String() {
			loop = media.LoopTrack
		}
		if err := p.session.UpdateLoopStatus(loop); err != nil {
			p.log.Warn().Err(err).Msg("failed to update media loop status")
		}
	}
}

// Close stops playback and releases the scheduler, media session and output.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.abortLoad()
	var errs []error
	if err := p.sched.StopNow(); err != nil && !errors.Is(err, scheduler.ErrClosed) {
		errs = append(errs, err)
	}
	p.sched.Close()

	p.bus.Unsubscribe(p.sub)
	<-p.watchDone

	if err := p.session.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close media session: %w", err))
	}
	if err := p.output.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close output: %w", err))
	}
	return errors.Join(errs...)
}
