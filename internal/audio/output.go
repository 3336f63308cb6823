// Package audio mixes scheduled segment instances onto a sample-accurate output clock.
package audio

import (
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/hajimehoshi/oto/v2"

	"github.com/austinkregel/local-media/loopd/internal/program"
)

const (
	defaultChannels = 2
	defaultBitDepth = 2 // 16-bit = 2 bytes
	bytesPerFrame   = defaultChannels * defaultBitDepth
)

// VoiceID identifies one started instance.
type VoiceID uint64

// StartOptions describes when and how an instance begins.
type StartOptions struct {
	// At is the output-clock time in seconds. A time in the past starts
	// the instance with the next rendered frame.
	At float64
	// Offset is the in-segment position in seconds to start from.
	Offset float64
	// FadeIn is the length of the linear 0 to 1 gain ramp.
	FadeIn time.Duration
	// Align skips the audio that should already have played when At is in the past.
	Align bool
	// OnDone runs after the last frame was rendered. It is not called for
	// instances removed by StopAll.
	OnDone func()
}

// Voice is what the mixer actually committed for a Start call.
type Voice struct {
	ID VoiceID
	// At is the committed start time on the output clock.
	At float64
	// Offset is the committed in-segment offset in seconds.
	Offset float64
}

type voice struct {
	id         VoiceID
	seg        *program.Segment
	startFrame int64
	pos        int
	played     int
	fadeFrames int
	onDone     func()
}

func (v *voice) gain() float32 {
	if v.played >= v.fadeFrames {
		return 1
	}
	return float32(v.played) / float32(v.fadeFrames)
}

// Mixer renders active voices into 16-bit stereo PCM. Its output clock is the
// number of frames handed to the device divided by the sample rate.
type Mixer struct {
	mu         sync.Mutex
	sampleRate int
	clock      int64
	nextID     VoiceID
	voices     []*voice
	volume     float64 // 0.0 - 1.0
	closed     bool
	scratch    [][2]float32
	analyzer   *Analyzer

	context *oto.Context
	player  oto.Player // oto.Player is an interface, not a pointer
}

// NewMixer creates a mixer that is not attached to an audio device.
func NewMixer(sampleRate int) *Mixer {
	return &Mixer{
		sampleRate: sampleRate,
		volume:     1.0,
		analyzer:   NewAnalyzer(sampleRate),
	}
}

// NewOtoOutput creates a mixer and starts pulling it through an oto player.
func NewOtoOutput(sampleRate int, bufferSize time.Duration) (*Mixer, error) {
	ctx, ready, err := oto.NewContext(sampleRate, defaultChannels, defaultBitDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to create oto context: %w", err)
	}

	// Wait for context to be ready
	<-ready

	m := NewMixer(sampleRate)
	m.context = ctx
	m.player = ctx.NewPlayer(m)
	if bs, ok := m.player.(interface{ SetBufferSize(int) }); ok && bufferSize > 0 {
		frames := int(bufferSize.Seconds() * float64(sampleRate))
		bs.SetBufferSize(frames * bytesPerFrame)
	}
	m.player.Play()
	return m, nil
}

// SampleRate returns the output sample rate.
func (m *Mixer) SampleRate() int {
	return m.sampleRate
}

// Now returns the output clock in seconds.
func (m *Mixer) Now() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return float64(m.clock) / float64(m.sampleRate)
}

// Start schedules seg on the output clock. Instances are never dropped.
func (m *Mixer) Start(seg *program.Segment, opts StartOptions) Voice {
	m.mu.Lock()
	defer m.mu.Unlock()

	rate := float64(m.sampleRate)
	start := int64(math.Round(opts.At * rate))
	offset := int(math.Round(opts.Offset * rate))
	if start < m.clock {
		if opts.Align {
			offset += int(m.clock - start)
		}
		start = m.clock
	}
	if offset < 0 {
		offset = 0
	}
	if offset > seg.Frames() {
		offset = seg.Frames()
	}

	m.nextID++
	v := &voice{
		id:         m.nextID,
		seg:        seg,
		startFrame: start,
		pos:        offset,
		fadeFrames: int(opts.FadeIn.Seconds() * rate),
		onDone:     opts.OnDone,
	}
	m.voices = append(m.voices, v)

	return Voice{
		ID:     v.id,
		At:     float64(start) / rate,
		Offset: float64(offset) / rate,
	}
}

// Cancel removes a voice that has not rendered a frame yet. It reports false
// once any of the voice is audible or the voice already finished.
func (m *Mixer) Cancel(id VoiceID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, v := range m.voices {
		if v.id != id {
			continue
		}
		if v.played > 0 || v.startFrame < m.clock {
			return false
		}
		copy(m.voices[i:], m.voices[i+1:])
		m.voices[len(m.voices)-1] = nil
		m.voices = m.voices[:len(m.voices)-1]
		return true
	}
	return false
}

// StopAll silences every instance immediately without completion callbacks.
func (m *Mixer) StopAll() {
	m.mu.Lock()
	m.voices = nil
	analyzer := m.analyzer
	m.mu.Unlock()

	if analyzer != nil {
		analyzer.Reset()
	}
}

// Active returns the number of instances that have not finished.
func (m *Mixer) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.voices)
}

// Read implements io.Reader for the oto player. It always fills whole
// frames, rendering silence when nothing is scheduled so the clock keeps moving.
func (m *Mixer) Read(p []byte) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, io.EOF
	}

	frames := len(p) / bytesPerFrame
	if frames == 0 {
		m.mu.Unlock()
		return 0, nil
	}
	if cap(m.scratch) < frames {
		m.scratch = make([][2]float32, frames)
	}
	mix := m.scratch[:frames]
	done := m.renderLocked(mix)
	applyVolume(mix, m.volume)
	encodeFrames(p, mix)
	analyzer := m.analyzer
	m.mu.Unlock()

	// Analysis and completion callbacks run outside the lock.
	if analyzer != nil {
		analyzer.ProcessFrames(mix)
	}
	for _, fn := range done {
		fn()
	}
	return frames * bytesPerFrame, nil
}

// renderLocked mixes the next len(out) frames and advances the clock.
// It returns the callbacks of instances that finished in this block.
func (m *Mixer) renderLocked(out [][2]float32) []func() {
	for i := range out {
		out[i] = [2]float32{}
	}

	base := m.clock
	n := int64(len(out))
	var done []func()

	kept := m.voices[:0]
	for _, v := range m.voices {
		if v.startFrame >= base+n {
			kept = append(kept, v)
			continue
		}
		i := int64(0)
		if v.startFrame > base {
			i = v.startFrame - base
		}
		samples := v.seg.Samples
		for ; i < n && v.pos < len(samples); i++ {
			g := v.gain()
			s := samples[v.pos]
			out[i][0] += s[0] * g
			out[i][1] += s[1] * g
			v.pos++
			v.played++
		}
		if v.pos >= len(samples) {
			if v.onDone != nil {
				done = append(done, v.onDone)
			}
			continue
		}
		kept = append(kept, v)
	}
	for i := len(kept); i < len(m.voices); i++ {
		m.voices[i] = nil
	}
	m.voices = kept
	m.clock += n
	return done
}

// applyVolume scales frames in place so the analyzer sees what is played.
func applyVolume(frames [][2]float32, volume float64) {
	if volume == 1 {
		return
	}
	vol := float32(volume)
	for i := range frames {
		frames[i][0] *= vol
		frames[i][1] *= vol
	}
}

// encodeFrames writes frames as clipped 16-bit little-endian PCM.
func encodeFrames(dst []byte, frames [][2]float32) {
	for i, f := range frames {
		for ch := 0; ch < defaultChannels; ch++ {
			s := f[ch]
			if s > 1 {
				s = 1
			} else if s < -1 {
				s = -1
			}
			v := int16(s * 32767)
			off := i*bytesPerFrame + ch*defaultBitDepth
			dst[off] = byte(v)
			dst[off+1] = byte(v >> 8)
		}
	}
}

// SetVolume sets the master volume (0.0 - 1.0)
func (m *Mixer) SetVolume(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	m.volume = v
}

// Volume returns the master volume
func (m *Mixer) Volume() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volume
}

// Bands returns the current frequency bands for visualization
func (m *Mixer) Bands() []uint8 {
	if m.analyzer != nil {
		return m.analyzer.Bands()
	}
	return make([]uint8, numBands)
}

// Level returns the RMS level of the most recent block (0.0 - 1.0)
func (m *Mixer) Level() float64 {
	if m.analyzer != nil {
		return m.analyzer.Level()
	}
	return 0
}

// SetAudioCallback registers a callback for real-time band push
func (m *Mixer) SetAudioCallback(cb AudioDataCallback) {
	if m.analyzer != nil {
		m.analyzer.SetCallback(cb)
	}
}

// Close stops the device and makes Read return io.EOF.
func (m *Mixer) Close() error {
	m.mu.Lock()
	m.closed = true
	m.voices = nil
	player := m.player
	m.mu.Unlock()

	if player != nil {
		return player.Close()
	}
	return nil
}

// Ensure Mixer implements io.Reader
var _ io.Reader = (*Mixer)(nil)
