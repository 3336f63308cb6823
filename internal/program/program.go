// Package program holds the decoded segments that make up an intro/loop/exit program.
package program

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrInvalidArgument is returned for requests that are rejected before any state changes.
var ErrInvalidArgument = errors.New("invalid argument")

// Kind identifies the role a segment plays in a program.
type Kind string

const (
	KindIntro Kind = "intro"
	KindLoop  Kind = "loop"
	KindExit  Kind = "exit"
)

// Segment is one decoded clip. Samples are interleaved stereo frames in [-1, 1].
// A Segment is never modified once it has been handed to a scheduler.
type Segment struct {
	Kind       Kind
	Source     string
	SampleRate int
	Samples    [][2]float32
}

// Frames returns the exact decoded length in frames.
func (s *Segment) Frames() int {
	if s == nil {
		return 0
	}
	return len(s.Samples)
}

// Duration returns the exact length in seconds, derived from the frame count.
func (s *Segment) Duration() float64 {
	if s == nil || s.SampleRate <= 0 {
		return 0
	}
	return float64(len(s.Samples)) / float64(s.SampleRate)
}

// Program is the set of segments played by one session.
type Program struct {
	Title string

	Intro *Segment
	Loop  *Segment
	Exit  *Segment

	// HasExit is forced false when Exit is nil.
	HasExit bool

	// AutoLoop false plays the loop body once before stopping.
	AutoLoop bool

	// StrictTiming keeps the original timeline when a boundary is reached late,
	// skipping the audio that should already have played.
	StrictTiming bool
}

// Validate checks the program invariants and normalises HasExit.
func (p *Program) Validate() error {
	if p == nil || p.Loop == nil {
		return fmt.Errorf("%w: program has no loop segment", ErrInvalidArgument)
	}
	if p.Loop.Frames() == 0 || p.Loop.SampleRate <= 0 {
		return fmt.Errorf("%w: loop segment is empty", ErrInvalidArgument)
	}
	for _, seg := range []*Segment{p.Intro, p.Exit} {
		if seg == nil {
			continue
		}
		if seg.Frames() == 0 {
			return fmt.Errorf("%w: %s segment is empty", ErrInvalidArgument, seg.Kind)
		}
		if seg.SampleRate != p.Loop.SampleRate {
			return fmt.Errorf("%w: %s segment is %d Hz, loop is %d Hz",
				ErrInvalidArgument, seg.Kind, seg.SampleRate, p.Loop.SampleRate)
		}
	}
	if p.Exit == nil {
		p.HasExit = false
	}
	return nil
}

// ExitEnabled reports whether a stop should hand over to the exit segment.
func (p *Program) ExitEnabled() bool {
	return p != nil && p.HasExit && p.Exit != nil
}

// IntroDuration returns the intro length in seconds, or 0 without an intro.
func (p *Program) IntroDuration() float64 {
	if p == nil {
		return 0
	}
	return p.Intro.Duration()
}

// LoopDuration returns the loop body length in seconds.
func (p *Program) LoopDuration() float64 {
	if p == nil {
		return 0
	}
	return p.Loop.Duration()
}

// Spec is the request form of a program: file paths plus playback flags.
// HasExit and AutoLoop default to true when omitted.
type Spec struct {
	Title        string `json:"title,omitempty" yaml:"title,omitempty"`
	Intro        string `json:"intro,omitempty" yaml:"intro,omitempty"`
	Loop         string `json:"loop" yaml:"loop"`
	Exit         string `json:"exit,omitempty" yaml:"exit,omitempty"`
	HasExit      *bool  `json:"hasExit,omitempty" yaml:"hasExit,omitempty"`
	AutoLoop     *bool  `json:"autoLoop,omitempty" yaml:"autoLoop,omitempty"`
	StrictTiming bool   `json:"strictTiming,omitempty" yaml:"strictTiming,omitempty"`
}

// Validate rejects specs without a loop segment.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Loop) == "" {
		return fmt.Errorf("%w: loop segment is required", ErrInvalidArgument)
	}
	return nil
}

// WantsExit reports whether the exit segment should be loaded at all.
func (s Spec) WantsExit() bool {
	return s.Exit != "" && (s.HasExit == nil || *s.HasExit)
}

// WantsAutoLoop reports whether the loop body repeats until stopped.
func (s Spec) WantsAutoLoop() bool {
	return s.AutoLoop == nil || *s.AutoLoop
}

// DisplayTitle returns the title, falling back to the loop file name.
func (s Spec) DisplayTitle() string {
	if t := strings.TrimSpace(s.Title); t != "" {
		return t
	}
	base := filepath.Base(s.Loop)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
