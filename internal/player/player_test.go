package player

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/austinkregel/local-media/loopd/internal/audio"
	"github.com/austinkregel/local-media/loopd/internal/decode"
	"github.com/austinkregel/local-media/loopd/internal/media"
	"github.com/austinkregel/local-media/loopd/internal/program"
	"github.com/austinkregel/local-media/loopd/internal/scheduler"
)

type fakeOutput struct {
	mu      sync.Mutex
	now     float64
	started int
	stopped int
	volume  float64
	closed  bool
}

func (f *fakeOutput) Now() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeOutput) Start(seg *program.Segment, opts audio.StartOptions) audio.Voice {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return audio.Voice{ID: audio.VoiceID(f.started), At: math.Max(opts.At, f.now), Offset: opts.Offset}
}

func (f *fakeOutput) Cancel(id audio.VoiceID) bool { return false }

func (f *fakeOutput) StopAll() {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
}

func (f *fakeOutput) SetVolume(v float64) {
	f.mu.Lock()
	f.volume = v
	f.mu.Unlock()
}

func (f *fakeOutput) Volume() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volume
}

func (f *fakeOutput) Bands() []uint8 { return make([]uint8, 128) }

func (f *fakeOutput) Level() float64 { return 0.5 }

func (f *fakeOutput) SetAudioCallback(cb audio.AudioDataCallback) {}

func (f *fakeOutput) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// fakeLoader builds programs from the spec. Paths listed in block wait for
// their context; paths in fail return a LoadError.
type fakeLoader struct {
	mu      sync.Mutex
	calls   int
	block   map[string]chan struct{}
	fail    map[string]bool
	entered chan string
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		block:   map[string]chan struct{}{},
		fail:    map[string]bool{},
		entered: make(chan string, 8),
	}
}

func (l *fakeLoader) Load(ctx context.Context, spec program.Spec) (*program.Program, error) {
	l.mu.Lock()
	l.calls++
	release := l.block[spec.Loop]
	fail := l.fail[spec.Loop]
	l.mu.Unlock()

	l.entered <- spec.Loop
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, &decode.LoadError{Kind: program.KindLoop, Path: spec.Loop, Err: errors.New("corrupt")}
	}
	return &program.Program{
		Title:    spec.DisplayTitle(),
		Loop:     &program.Segment{Kind: program.KindLoop, Source: spec.Loop, SampleRate: 1000, Samples: make([][2]float32, 5000)},
		AutoLoop: spec.WantsAutoLoop(),
	}, nil
}

type idleTimer struct{}

func (idleTimer) Arm(time.Duration, func()) {}

func (idleTimer) Cancel() {}

type fakeSession struct {
	mu       sync.Mutex
	metadata []media.Metadata
	loop     media.LoopStatus
	states   []media.PlaybackState
	handler  media.CommandHandler
	closed   bool
}

func (s *fakeSession) UpdateMetadata(m media.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata = append(s.metadata, m)
	return nil
}

func (s *fakeSession) UpdatePlaybackState(state media.PlaybackState, position time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
	return nil
}

func (s *fakeSession) UpdateLoopStatus(status media.LoopStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loop = status
	return nil
}

func (s *fakeSession) SetCommandHandler(h media.CommandHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func newTestPlayer(t *testing.T) (*Player, *fakeOutput, *fakeLoader, *fakeSession) {
	t.Helper()
	out := &fakeOutput{volume: 1}
	loader := newFakeLoader()
	session := &fakeSession{}
	p := New(out, loader, Options{
		Scheduler: scheduler.Options{Logger: zerolog.Nop()},
		Timer:     idleTimer{},
		Session:   session,
	})
	t.Cleanup(func() { p.Close() })
	return p, out, loader, session
}

func spec(loop string) program.Spec {
	return program.Spec{Loop: loop}
}

func TestStartPlaysProgram(t *testing.T) {
	p, _, _, _ := newTestPlayer(t)

	if err := p.Start(context.Background(), spec("/music/boss.wav")); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	st := p.Status()
	if st.State != "playing_loop" || !st.Playing {
		t.Errorf("expected playing_loop, got %+v", st)
	}
	if st.Title != "boss" {
		t.Errorf("expected title boss, got %q", st.Title)
	}
	if p.LoopDuration() != 5 {
		t.Errorf("expected loop duration 5, got %v", p.LoopDuration())
	}
	if buf := p.CurrentLoopBuffer(); buf == nil || buf.Source != "/music/boss.wav" {
		t.Errorf("expected loop buffer for boss.wav, got %+v", buf)
	}
}

func TestStartWhilePlayingIsNoop(t *testing.T) {
	p, _, loader, _ := newTestPlayer(t)
	ctx := context.Background()

	if err := p.Start(ctx, spec("a.wav")); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	first := p.Status().SessionID
	if err := p.Start(ctx, spec("b.wav")); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	if loader.calls != 1 {
		t.Errorf("expected one load, got %d", loader.calls)
	}
	if got := p.Status().SessionID; got != first {
		t.Errorf("expected session %s to continue, got %s", first, got)
	}
}

func TestStartRejectsMissingLoop(t *testing.T) {
	p, _, loader, _ := newTestPlayer(t)
	err := p.Start(context.Background(), program.Spec{Intro: "intro.wav"})
	if !errors.Is(err, program.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if loader.calls != 0 {
		t.Errorf("expected no load, got %d", loader.calls)
	}
}

func TestLoadFailure(t *testing.T) {
	p, _, loader, _ := newTestPlayer(t)
	loader.fail["bad.wav"] = true

	err := p.Start(context.Background(), spec("bad.wav"))
	var loadErr *decode.LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected LoadError, got %v", err)
	}
	if st := p.Status(); st.State != "idle" {
		t.Errorf("expected idle after failed start, got %s", st.State)
	}
}

func TestReplaceFailureKeepsSession(t *testing.T) {
	p, _, loader, _ := newTestPlayer(t)
	loader.fail["bad.wav"] = true
	ctx := context.Background()

	if err := p.Start(ctx, spec("good.wav")); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	before := p.Status()
	if err := p.Replace(ctx, spec("bad.wav")); err == nil {
		t.Fatal("expected replace to fail")
	}
	after := p.Status()
	if after.SessionID != before.SessionID || after.State != "playing_loop" {
		t.Errorf("expected old session to keep playing, got %+v", after)
	}
}

func TestReplaceStartsNewSession(t *testing.T) {
	p, _, _, _ := newTestPlayer(t)
	ctx := context.Background()

	if err := p.Start(ctx, spec("a.wav")); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	before := p.Status().SessionID
	if err := p.Replace(ctx, spec("b.wav")); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	st := p.Status()
	if st.SessionID == before || st.Title != "b" {
		t.Errorf("expected a new session for b, got %+v", st)
	}
}

func TestTeardownDuringLoadSupersedesIt(t *testing.T) {
	tests := []struct {
		name     string
		teardown func(p *Player) error
	}{
		{"stop now", (*Player).StopNow},
		{"stop", (*Player).Stop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _, loader, _ := newTestPlayer(t)
			loader.block["slow.wav"] = make(chan struct{})

			errc := make(chan error, 1)
			go func() { errc <- p.Start(context.Background(), spec("slow.wav")) }()
			<-loader.entered

			if err := tt.teardown(p); err != nil {
				t.Fatalf("teardown failed: %v", err)
			}
			if err := <-errc; !errors.Is(err, scheduler.ErrSuperseded) {
				t.Fatalf("expected ErrSuperseded, got %v", err)
			}
			if st := p.Status(); st.Playing {
				t.Errorf("expected nothing playing, got %+v", st)
			}
		})
	}
}

func TestNewerLoadSupersedesOlder(t *testing.T) {
	p, _, loader, _ := newTestPlayer(t)
	loader.block["slow.wav"] = make(chan struct{})

	errc := make(chan error, 1)
	go func() { errc <- p.Replace(context.Background(), spec("slow.wav")) }()
	<-loader.entered

	if err := p.Replace(context.Background(), spec("fast.wav")); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if err := <-errc; !errors.Is(err, scheduler.ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	if got := p.Status().Title; got != "fast" {
		t.Errorf("expected fast to be playing, got %q", got)
	}
}

func TestCallerCancellationIsNotSuperseded(t *testing.T) {
	p, _, loader, _ := newTestPlayer(t)
	loader.block["slow.wav"] = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Start(ctx, spec("slow.wav")) }()
	<-loader.entered
	cancel()

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestSetVolume(t *testing.T) {
	p, out, _, _ := newTestPlayer(t)
	tests := []struct {
		name    string
		volume  float64
		wantErr bool
	}{
		{"zero", 0, false},
		{"half", 0.5, false},
		{"full", 1, false},
		{"negative", -0.1, true},
		{"above one", 1.5, true},
		{"nan", math.NaN(), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out.SetVolume(0.25)
			err := p.SetVolume(tt.volume)
			if tt.wantErr {
				if !errors.Is(err, program.ErrInvalidArgument) {
					t.Errorf("expected ErrInvalidArgument, got %v", err)
				}
				if out.Volume() != 0.25 {
					t.Errorf("expected volume unchanged, got %v", out.Volume())
				}
				return
			}
			if err != nil {
				t.Fatalf("SetVolume failed: %v", err)
			}
			if out.Volume() != tt.volume {
				t.Errorf("expected %v, got %v", tt.volume, out.Volume())
			}
		})
	}
}

func TestQueriesWithoutProgram(t *testing.T) {
	p, _, _, _ := newTestPlayer(t)
	if p.LoopDuration() != 0 || p.CurrentPosition() != 0 || p.CurrentLoopBuffer() != nil {
		t.Error("expected zero values with nothing loaded")
	}
	if err := p.SeekTo(1); !errors.Is(err, scheduler.ErrNoProgram) {
		t.Errorf("expected ErrNoProgram, got %v", err)
	}
	if len(p.AudioBands()) != 128 || p.Level() != 0.5 {
		t.Error("expected bands and level from the output")
	}
}

func TestMediaCommands(t *testing.T) {
	p, _, _, session := newTestPlayer(t)
	if session.handler == nil {
		t.Fatal("expected player to register as command handler")
	}
	if err := p.Start(context.Background(), spec("a.wav")); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := session.handler.OnCommand(media.CmdSeek, 2*time.Second); err != nil {
		t.Fatalf("seek command failed: %v", err)
	}
	if pos := p.CurrentPosition(); math.Abs(pos-2) > 1e-9 {
		t.Errorf("expected position 2, got %v", pos)
	}

	if err := session.handler.OnCommand(media.CmdPlay, nil); err != nil {
		t.Fatalf("play command failed: %v", err)
	}
	if p.Status().StopRequested {
		t.Fatal("play must not request a stop")
	}

	if err := session.handler.OnCommand(media.CmdStop, nil); err != nil {
		t.Fatalf("stop command failed: %v", err)
	}
	if st := p.Status(); !st.StopRequested || st.State != "stopping" {
		t.Errorf("expected graceful stop, got %+v", st)
	}
}

func TestMediaSessionFollowsTransitions(t *testing.T) {
	p, _, _, session := newTestPlayer(t)
	if err := p.Start(context.Background(), spec("/music/theme.wav")); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		session.mu.Lock()
		n, loop := len(session.metadata), session.loop
		var meta media.Metadata
		if n > 0 {
			meta = session.metadata[n-1]
		}
		session.mu.Unlock()

		if n > 0 && loop == media.LoopTrack {
			if meta.Title != "theme" || meta.Duration != 5*time.Second || meta.Album != "theme.wav" {
				t.Errorf("unexpected metadata %+v", meta)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("media session not updated: %d metadata, loop %q", n, loop)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCloseReleasesResources(t *testing.T) {
	p, out, _, session := newTestPlayer(t)
	if err := p.Start(context.Background(), spec("a.wav")); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !out.closed || !session.closed {
		t.Error("expected output and session closed")
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if err := p.Start(context.Background(), spec("b.wav")); err == nil {
		t.Error("expected Start after Close to fail")
	}
}
