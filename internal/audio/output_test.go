package audio

import (
	"encoding/binary"
	"io"
	"math"
	"testing"
	"time"

	"github.com/austinkregel/local-media/loopd/internal/program"
)

const testRate = 1000

func constSegment(frames int, value float32) *program.Segment {
	s := &program.Segment{Kind: program.KindLoop, SampleRate: testRate, Samples: make([][2]float32, frames)}
	for i := range s.Samples {
		s.Samples[i] = [2]float32{value, value}
	}
	return s
}

// pcm16 converts a sample at runtime the same way Mixer.Read does
// (truncation toward zero); constant conversions of non-integers don't compile.
func pcm16(v float32) int16 { return int16(v * 32767) }

func rampSegment(frames int) *program.Segment {
	s := &program.Segment{Kind: program.KindLoop, SampleRate: testRate, Samples: make([][2]float32, frames)}
	for i := range s.Samples {
		v := float32(i) / float32(frames)
		s.Samples[i] = [2]float32{v, v}
	}
	return s
}

// readFrames pulls n frames in small chunks and returns the left channel.
func readFrames(t *testing.T, m *Mixer, n int) []int16 {
	t.Helper()
	const chunk = 64
	out := make([]int16, 0, n)
	for len(out) < n {
		want := chunk
		if n-len(out) < want {
			want = n - len(out)
		}
		buf := make([]byte, want*bytesPerFrame)
		got, err := m.Read(buf)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		for i := 0; i < got; i += bytesPerFrame {
			out = append(out, int16(binary.LittleEndian.Uint16(buf[i:])))
		}
	}
	return out
}

func TestMixerAdjacentInstancesHaveNoGap(t *testing.T) {
	m := NewMixer(testRate)
	a := m.Start(constSegment(100, 0.5), StartOptions{At: 0})
	b := m.Start(constSegment(50, 0.25), StartOptions{At: a.At + 0.1})

	if b.At != 0.1 {
		t.Fatalf("expected second instance at 0.1, got %v", b.At)
	}

	out := readFrames(t, m, 200)
	for i, v := range out {
		var want int16
		switch {
		case i < 100:
			want = pcm16(0.5)
		case i < 150:
			want = pcm16(0.25)
		}
		if v != want {
			t.Fatalf("frame %d: expected %d, got %d", i, want, v)
		}
	}
	if got := m.Now(); got != 0.2 {
		t.Errorf("expected clock 0.2 after 200 frames, got %v", got)
	}
}

func TestMixerPastStartIsNotDropped(t *testing.T) {
	m := NewMixer(testRate)
	readFrames(t, m, 50)

	v := m.Start(constSegment(10, 0.5), StartOptions{At: 0})
	if v.At != 0.05 {
		t.Errorf("expected start moved to the clock (0.05), got %v", v.At)
	}
	if v.Offset != 0 {
		t.Errorf("expected offset 0 without alignment, got %v", v.Offset)
	}

	out := readFrames(t, m, 10)
	if out[0] == 0 {
		t.Error("expected late instance to play immediately")
	}
}

func TestMixerAlignSkipsElapsedAudio(t *testing.T) {
	m := NewMixer(testRate)
	readFrames(t, m, 50)

	seg := rampSegment(200)
	v := m.Start(seg, StartOptions{At: 0, Offset: 0.01, Align: true})
	if v.At != 0.05 || v.Offset != 0.06 {
		t.Fatalf("expected At=0.05 Offset=0.06, got At=%v Offset=%v", v.At, v.Offset)
	}

	out := readFrames(t, m, 1)
	want := int16(seg.Samples[60][0] * 32767)
	if out[0] != want {
		t.Errorf("expected first rendered frame to be sample 60 (%d), got %d", want, out[0])
	}
}

func TestMixerFadeIn(t *testing.T) {
	m := NewMixer(testRate)
	m.Start(constSegment(40, 1.0), StartOptions{At: 0, FadeIn: 10 * time.Millisecond})

	out := readFrames(t, m, 20)
	for i := 0; i < 10; i++ {
		want := int16(float32(i) / 10 * 32767)
		if out[i] != want {
			t.Errorf("frame %d: expected ramp value %d, got %d", i, want, out[i])
		}
	}
	for i := 10; i < 20; i++ {
		if out[i] != 32767 {
			t.Errorf("frame %d: expected full gain, got %d", i, out[i])
		}
	}
}

func TestMixerFadeInStartsAtInstanceStart(t *testing.T) {
	m := NewMixer(testRate)
	m.Start(constSegment(40, 1.0), StartOptions{At: 0.03, Offset: 0.01, FadeIn: 10 * time.Millisecond})

	out := readFrames(t, m, 40)
	if out[29] != 0 {
		t.Errorf("expected silence before start, got %d", out[29])
	}
	if out[30] != 0 {
		t.Errorf("expected fade to start from zero gain, got %d", out[30])
	}
	if out[35] != pcm16(0.5) {
		t.Errorf("expected half gain five frames in, got %d", out[35])
	}
}

func TestMixerCompletion(t *testing.T) {
	m := NewMixer(testRate)

	var finished, stopped int
	m.Start(constSegment(30, 0.1), StartOptions{At: 0, OnDone: func() { finished++ }})
	m.Start(constSegment(30, 0.1), StartOptions{At: 1, OnDone: func() { stopped++ }})

	readFrames(t, m, 29)
	if finished != 0 {
		t.Fatal("completion fired before the last frame")
	}
	readFrames(t, m, 1)
	if finished != 1 {
		t.Fatalf("expected completion after the last frame, got %d calls", finished)
	}

	m.StopAll()
	readFrames(t, m, 2000)
	if stopped != 0 {
		t.Error("expected no completion for a stopped instance")
	}
	if finished != 1 {
		t.Errorf("expected exactly one completion, got %d", finished)
	}
	if m.Active() != 0 {
		t.Errorf("expected no active instances, got %d", m.Active())
	}
}

func TestMixerVolume(t *testing.T) {
	m := NewMixer(testRate)

	m.SetVolume(-0.5)
	if m.Volume() != 0 {
		t.Errorf("Expected volume 0 for negative input, got %f", m.Volume())
	}
	m.SetVolume(1.5)
	if m.Volume() != 1 {
		t.Errorf("Expected volume 1 for >1 input, got %f", m.Volume())
	}

	m.SetVolume(0.5)
	m.Start(constSegment(10, 1.0), StartOptions{At: 0})
	out := readFrames(t, m, 1)
	if out[0] != pcm16(0.5) {
		t.Errorf("expected half volume sample, got %d", out[0])
	}
}

func TestMixerAnalyzerFollowsVolume(t *testing.T) {
	m := NewMixer(testRate)
	m.SetVolume(0.5)
	m.Start(constSegment(200, 0.8), StartOptions{At: 0})
	readFrames(t, m, 64)

	if got := m.Level(); math.Abs(got-0.4) > 1e-3 {
		t.Errorf("expected level of the attenuated output (0.4), got %v", got)
	}
}

func TestMixerCancel(t *testing.T) {
	m := NewMixer(testRate)

	var cancelledDone int
	a := m.Start(constSegment(100, 0.5), StartOptions{At: 0})
	b := m.Start(constSegment(100, 0.25), StartOptions{At: 0.1, OnDone: func() { cancelledDone++ }})

	readFrames(t, m, 50)
	if m.Cancel(a.ID) {
		t.Error("expected an audible voice to refuse cancellation")
	}
	if !m.Cancel(b.ID) {
		t.Fatal("expected a queued voice to be cancelled")
	}
	if m.Cancel(b.ID) {
		t.Error("expected a second cancel to report false")
	}

	out := readFrames(t, m, 150)
	for i := 50; i < len(out); i++ {
		if out[i] != 0 {
			t.Fatalf("frame %d: expected silence after the cancelled voice, got %d", 50+i, out[i])
		}
	}
	if cancelledDone != 0 {
		t.Error("expected no completion for a cancelled voice")
	}

	c := m.Start(constSegment(100, 0.25), StartOptions{At: m.Now()})
	readFrames(t, m, 1)
	if m.Cancel(c.ID) {
		t.Error("expected a started voice to refuse cancellation")
	}
}

func TestEncodeFramesClips(t *testing.T) {
	dst := make([]byte, 2*bytesPerFrame)
	encodeFrames(dst, [][2]float32{{1.7, -3}, {0, 0}})

	if got := int16(binary.LittleEndian.Uint16(dst[0:])); got != 32767 {
		t.Errorf("expected positive clip to 32767, got %d", got)
	}
	if got := int16(binary.LittleEndian.Uint16(dst[2:])); got != -32767 {
		t.Errorf("expected negative clip to -32767, got %d", got)
	}
}

func TestMixerClosed(t *testing.T) {
	m := NewMixer(testRate)
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := m.Read(make([]byte, 16)); err != io.EOF {
		t.Errorf("expected io.EOF after Close, got %v", err)
	}
}
