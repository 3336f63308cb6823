// Package scheduler places intro, loop and exit instances on the output clock
// so that consecutive instances meet without gap or overlap.
//
// All session state is owned by a single goroutine. Public methods and the
// asynchronous timer and completion callbacks are closures queued into its
// mailbox; callbacks carry the generation they were created in and are
// discarded once the generation has moved on.
package scheduler

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/austinkregel/local-media/loopd/internal/audio"
	"github.com/austinkregel/local-media/loopd/internal/events"
	"github.com/austinkregel/local-media/loopd/internal/metrics"
	"github.com/austinkregel/local-media/loopd/internal/program"
)

const (
	DefaultLeadTime     = 150 * time.Millisecond
	DefaultSeekLeadTime = 50 * time.Millisecond
	DefaultFadeIn       = 20 * time.Millisecond
)

var (
	// ErrNoProgram is returned by SeekTo when nothing has been loaded.
	ErrNoProgram = errors.New("no program loaded")
	// ErrSuperseded is returned when a load finished after a stop, a
	// hard stop or a newer load had been requested.
	ErrSuperseded = errors.New("load superseded")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("scheduler closed")
)

// Sink is the sample-accurate output the scheduler places instances on.
type Sink interface {
	// Now returns the output clock in seconds.
	Now() float64
	// Start commits seg to the output clock and reports what was committed.
	Start(seg *program.Segment, opts audio.StartOptions) audio.Voice
	// Cancel withdraws an instance the output has not reached yet. It
	// reports false once any of it is audible.
	Cancel(id audio.VoiceID) bool
	// StopAll silences every instance without completion callbacks.
	StopAll()
}

// Options configures a Scheduler. Zero durations select the defaults.
type Options struct {
	LeadTime     time.Duration
	SeekLeadTime time.Duration
	FadeIn       time.Duration
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
	Bus          *events.Bus
}

// Snapshot is a consistent copy of the session state.
type Snapshot struct {
	SessionID     string
	Generation    uint64
	State         State
	Title         string
	Now           float64
	LoopStart     float64
	NextBoundary  float64
	Iteration     int
	StopRequested bool
	LoopDuration  float64
	Position      float64
	Loop          *program.Segment
}

type instance struct {
	gen    uint64
	kind   program.Kind
	voice  audio.VoiceID
	start  float64
	origin float64 // start minus the in-segment offset
	end    float64
}

type session struct {
	id            string
	prog          *program.Program
	state         State
	loopStart     float64
	boundary      float64
	iteration     int
	stopRequested bool
	draining      bool
	last          *instance
	prev          *instance // committed just before last
}

// Scheduler is the gapless intro/loop/exit state machine.
type Scheduler struct {
	sink    Sink
	timer   Timer
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}

	// Owned by the run goroutine.
	gen    uint64
	ticket uint64
	sess   *session
}

// New creates a scheduler and starts its goroutine.
func New(sink Sink, timer Timer, opts Options) *Scheduler {
	if opts.LeadTime <= 0 {
		opts.LeadTime = DefaultLeadTime
	}
	if opts.SeekLeadTime <= 0 {
		opts.SeekLeadTime = DefaultSeekLeadTime
	}
	if opts.FadeIn < 0 {
		opts.FadeIn = 0
	} else if opts.FadeIn == 0 {
		opts.FadeIn = DefaultFadeIn
	}

	s := &Scheduler{
		sink:    sink,
		timer:   timer,
		opts:    opts,
		log:     opts.Logger.With().Str("component", "scheduler").Logger(),
		metrics: opts.Metrics,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Scheduler) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.mu.Unlock()
			<-s.wake
			s.mu.Lock()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
	}
}

// post queues fn without blocking. It is safe to call from the audio thread.
func (s *Scheduler) post(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// call runs fn on the scheduler goroutine and waits for it.
func (s *Scheduler) call(fn func()) error {
	finished := make(chan struct{})
	if !s.post(func() {
		fn()
		close(finished)
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Close stops the scheduler goroutine. Pending operations fail with ErrClosed.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.timer.Cancel()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	<-s.done
}

// Reserve hands out a load ticket. A later Reserve, Stop or StopNow
// invalidates it, so a load that finishes afterwards is rejected.
func (s *Scheduler) Reserve() (uint64, error) {
	var ticket uint64
	err := s.call(func() {
		s.ticket++
		ticket = s.ticket
	})
	return ticket, err
}

// Start begins a new session with prog, retiring any current one.
func (s *Scheduler) Start(ticket uint64, prog *program.Program) error {
	return s.begin(ticket, prog, "start")
}

// Replace swaps in prog as a fresh session. The previous session keeps
// playing until this call commits.
func (s *Scheduler) Replace(ticket uint64, prog *program.Program) error {
	return s.begin(ticket, prog, "replace")
}

func (s *Scheduler) begin(ticket uint64, prog *program.Program, reason string) error {
	if err := prog.Validate(); err != nil {
		return err
	}
	var err error
	if cerr := s.call(func() { err = s.handleBegin(ticket, prog, reason) }); cerr != nil {
		return cerr
	}
	return err
}

// Stop requests a graceful stop at the next already-committed boundary and
// cancels any load in flight. A loop instance queued by the lookahead but not
// yet audible is withdrawn, so the handover happens where it would have started.
func (s *Scheduler) Stop() error {
	return s.call(s.handleStop)
}

// StopNow silences everything immediately and cancels any load in flight.
func (s *Scheduler) StopNow() error {
	return s.call(s.handleStopNow)
}

// SeekTo restarts the loop body at t modulo the loop length, right now.
func (s *Scheduler) SeekTo(t float64) error {
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return fmt.Errorf("%w: seek target %v is not finite", program.ErrInvalidArgument, t)
	}
	var err error
	if cerr := s.call(func() { err = s.handleSeek(t) }); cerr != nil {
		return cerr
	}
	return err
}

// Snapshot returns the current session state. After Close it returns the zero Snapshot.
func (s *Scheduler) Snapshot() Snapshot {
	var snap Snapshot
	_ = s.call(func() { snap = s.snapshot() })
	return snap
}

func (s *Scheduler) handleBegin(ticket uint64, prog *program.Program, reason string) error {
	if ticket != s.ticket {
		return ErrSuperseded
	}
	if reason == "start" && s.sess != nil && s.sess.state.Playing() {
		s.log.Debug().Str("session", s.sess.id).Msg("start ignored, already playing")
		return nil
	}

	var previous string
	if s.sess != nil && s.sess.state.Playing() {
		previous = s.sess.id
	}
	s.retire()
	s.sess = &session{id: uuid.NewString(), prog: prog}
	s.metrics.SessionStarted(reason)
	s.log.Info().
		Str("session", s.sess.id).
		Str("replaces", previous).
		Str("reason", reason).
		Str("title", prog.Title).
		Float64("intro", prog.IntroDuration()).
		Float64("loop", prog.LoopDuration()).
		Bool("exit", prog.ExitEnabled()).
		Msg("session started")

	now := s.sink.Now()
	if prog.Intro == nil {
		s.commitLoop(now, 0, s.opts.LeadTime)
		return nil
	}

	inst := s.commit(program.KindIntro, prog.Intro, now, 0, false)
	s.sess.loopStart = inst.end
	s.sess.boundary = inst.end
	s.setState(StatePlayingIntro)
	s.armLookahead(inst.end, s.opts.LeadTime)
	return nil
}

func (s *Scheduler) handleStop() {
	s.ticket++
	sess := s.sess
	if sess == nil || !sess.state.Playing() || sess.stopRequested {
		return
	}
	sess.stopRequested = true
	s.log.Info().Str("session", sess.id).Float64("boundary", sess.boundary).Msg("stop requested")
	if s.withdrawQueuedLoop() {
		return
	}
	if sess.state == StatePlayingLoop {
		s.setState(StateStopping)
		return
	}
	s.publish(sess.state)
}

// withdrawQueuedLoop cancels a loop instance the lookahead queued but the
// output has not reached, and hands over at its start instead.
func (s *Scheduler) withdrawQueuedLoop() bool {
	sess := s.sess
	last, prev := sess.last, sess.prev
	if last == nil || prev == nil || last.kind != program.KindLoop ||
		last.gen != s.gen || prev.gen != s.gen {
		return false
	}
	if last.start <= s.sink.Now() || !s.sink.Cancel(last.voice) {
		return false
	}

	s.timer.Cancel()
	boundary := last.start
	sess.last, sess.prev = prev, nil
	sess.iteration--
	sess.boundary = boundary
	if prev.kind == program.KindLoop {
		sess.loopStart = prev.origin
	}
	s.log.Debug().Str("session", sess.id).Float64("boundary", boundary).Msg("withdrew queued loop instance")

	if sess.prog.ExitEnabled() {
		s.commitExit(boundary)
	} else {
		s.drain(boundary)
	}
	return true
}

func (s *Scheduler) handleStopNow() {
	s.ticket++
	s.retire()
	sess := s.sess
	if sess == nil {
		return
	}
	sess.stopRequested = false
	sess.draining = false
	if sess.state != StateStopped {
		s.log.Info().Str("session", sess.id).Msg("stopped immediately")
		s.setState(StateStopped)
	}
}

func (s *Scheduler) handleSeek(t float64) error {
	sess := s.sess
	if sess == nil || sess.prog == nil {
		return ErrNoProgram
	}
	d := sess.prog.LoopDuration()
	offset := math.Mod(t, d)
	if offset < 0 {
		offset += d
	}
	if offset >= d {
		offset = 0
	}

	s.retire()
	sess.stopRequested = false
	sess.draining = false
	s.log.Info().Str("session", sess.id).Float64("target", t).Float64("offset", offset).Msg("seek")
	s.commitLoop(s.sink.Now(), offset, s.opts.SeekLeadTime)
	return nil
}

// retire invalidates every pending callback and silences the output.
func (s *Scheduler) retire() {
	s.gen++
	s.timer.Cancel()
	s.sink.StopAll()
}

func (s *Scheduler) commit(kind program.Kind, seg *program.Segment, at, offset float64, align bool) *instance {
	inst := &instance{gen: s.gen, kind: kind}
	v := s.sink.Start(seg, audio.StartOptions{
		At:     at,
		Offset: offset,
		FadeIn: s.opts.FadeIn,
		Align:  align,
		OnDone: func() {
			s.post(func() { s.handleDone(inst) })
		},
	})
	inst.voice = v.ID
	inst.start = v.At
	inst.origin = v.At - v.Offset
	inst.end = inst.origin + seg.Duration()
	s.sess.prev, s.sess.last = s.sess.last, inst

	if v.At > at {
		s.log.Debug().
			Str("kind", string(kind)).
			Float64("requested", at).
			Float64("committed", v.At).
			Msg("instance started late")
	}
	return inst
}

// commitLoop starts a loop instance and arms the lookahead for its end.
// The next boundary is derived from the committed start, never from the timer.
func (s *Scheduler) commitLoop(at, offset float64, lead time.Duration) {
	sess := s.sess
	inst := s.commit(program.KindLoop, sess.prog.Loop, at, offset, sess.prog.StrictTiming)
	sess.loopStart = inst.origin
	sess.boundary = inst.end
	sess.iteration++
	s.metrics.LoopCommitted()

	if !sess.prog.AutoLoop {
		sess.stopRequested = true
	}
	if sess.stopRequested {
		s.setState(StateStopping)
	} else {
		s.setState(StatePlayingLoop)
	}
	s.armLookahead(inst.end, lead)
}

func (s *Scheduler) commitExit(at float64) {
	sess := s.sess
	inst := s.commit(program.KindExit, sess.prog.Exit, at, 0, false)
	sess.boundary = inst.end
	s.setState(StatePlayingExit)
}

func (s *Scheduler) armLookahead(boundary float64, lead time.Duration) {
	gen := s.gen
	delay := seconds(boundary-s.sink.Now()) - lead
	if delay < 0 {
		delay = 0
	}
	s.timer.Arm(delay, func() {
		s.post(func() { s.handleLookahead(gen, boundary) })
	})
}

func (s *Scheduler) handleLookahead(gen uint64, boundary float64) {
	sess := s.sess
	if gen != s.gen || sess == nil || sess.draining || sess.boundary != boundary {
		s.stale("lookahead", gen)
		return
	}
	switch sess.state {
	case StatePlayingIntro, StatePlayingLoop, StateStopping:
	default:
		s.stale("lookahead", gen)
		return
	}

	margin := boundary - s.sink.Now()
	s.metrics.Lookahead(margin)
	if margin < 0 {
		s.log.Warn().
			Str("session", sess.id).
			Float64("late_by", -margin).
			Bool("strict", sess.prog.StrictTiming).
			Msg("lookahead fired after the boundary")
	}

	switch {
	case sess.stopRequested && sess.prog.ExitEnabled():
		s.commitExit(boundary)
	case sess.stopRequested:
		s.drain(boundary)
	default:
		s.commitLoop(boundary, 0, s.opts.LeadTime)
	}
}

// drain lets the last instance run out. The session stops at the boundary
// or on that instance's completion, whichever is delivered first.
func (s *Scheduler) drain(boundary float64) {
	sess := s.sess
	sess.draining = true
	if sess.state != StateStopping {
		s.setState(StateStopping)
	}

	gen := s.gen
	delay := seconds(boundary - s.sink.Now())
	if delay < 0 {
		delay = 0
	}
	s.timer.Arm(delay, func() {
		s.post(func() { s.handleDrained(gen, boundary) })
	})
}

func (s *Scheduler) handleDrained(gen uint64, boundary float64) {
	sess := s.sess
	if gen != s.gen || sess == nil || !sess.draining || sess.boundary != boundary {
		s.stale("drain", gen)
		return
	}
	s.finish("boundary reached")
}

func (s *Scheduler) handleDone(inst *instance) {
	sess := s.sess
	if inst.gen != s.gen || sess == nil {
		s.stale("completion", inst.gen)
		return
	}
	if inst != sess.last {
		s.log.Debug().Str("kind", string(inst.kind)).Float64("end", inst.end).Msg("instance finished")
		return
	}

	switch {
	case sess.state == StatePlayingExit:
		s.finish("exit finished")
	case sess.stopRequested && !sess.prog.ExitEnabled() &&
		(sess.state == StateStopping || sess.state == StatePlayingIntro):
		s.finish("last instance finished")
	}
}

func (s *Scheduler) finish(reason string) {
	sess := s.sess
	s.timer.Cancel()
	sess.draining = false
	sess.stopRequested = false
	s.log.Info().Str("session", sess.id).Str("reason", reason).Int("iterations", sess.iteration).Msg("session finished")
	s.setState(StateStopped)
}

func (s *Scheduler) setState(st State) {
	sess := s.sess
	prev := sess.state
	sess.state = st
	s.metrics.Transition(st.String(), int(st))

	ev := s.log.Info()
	if prev == st {
		ev = s.log.Debug()
	}
	ev.Str("session", sess.id).
		Str("from", prev.String()).
		Str("to", st.String()).
		Int("iteration", sess.iteration).
		Float64("boundary", sess.boundary).
		Msg("transition")
	s.publish(prev)
}

func (s *Scheduler) publish(prev State) {
	if s.opts.Bus == nil {
		return
	}
	snap := s.snapshot()
	s.opts.Bus.Publish(events.Transition{
		SessionID:     snap.SessionID,
		Generation:    snap.Generation,
		State:         snap.State.String(),
		Previous:      prev.String(),
		Title:         snap.Title,
		Playing:       snap.State.Playing(),
		StopRequested: snap.StopRequested,
		Iteration:     snap.Iteration,
		LoopDuration:  snap.LoopDuration,
		Position:      snap.Position,
		At:            time.Now(),
	})
}

func (s *Scheduler) stale(kind string, gen uint64) {
	s.metrics.Stale(kind)
	s.log.Debug().
		Str("kind", kind).
		Uint64("event_generation", gen).
		Uint64("generation", s.gen).
		Msg("discarding stale event")
}

func (s *Scheduler) snapshot() Snapshot {
	now := s.sink.Now()
	snap := Snapshot{Generation: s.gen, State: StateIdle, Now: now}
	sess := s.sess
	if sess == nil {
		return snap
	}
	snap.SessionID = sess.id
	snap.State = sess.state
	snap.Title = sess.prog.Title
	snap.LoopStart = sess.loopStart
	snap.NextBoundary = sess.boundary
	snap.Iteration = sess.iteration
	snap.StopRequested = sess.stopRequested
	snap.LoopDuration = sess.prog.LoopDuration()
	snap.Loop = sess.prog.Loop
	snap.Position = s.position(now)
	return snap
}

// position is the time since the current loop instance started. While the
// next instance is already committed, loopStart lies in the future and the
// position wraps back into the instance that is still audible.
func (s *Scheduler) position(now float64) float64 {
	sess := s.sess
	if sess.iteration == 0 {
		return 0
	}
	switch sess.state {
	case StatePlayingLoop, StateStopping, StatePlayingExit:
	default:
		return 0
	}
	d := sess.prog.LoopDuration()
	p := now - sess.loopStart
	if p < 0 {
		p += d
	}
	return math.Max(0, math.Min(d, p))
}

func seconds(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}
