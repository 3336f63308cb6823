// Package media publishes the playback session to the OS media controls.
package media

import (
	"time"
)

// PlaybackState is the coarse state shown by media controls.
type PlaybackState int

const (
	StateStopped PlaybackState = iota
	StatePlaying
)

// Metadata describes the program being played.
type Metadata struct {
	Title string
	// Album carries the loop segment source so controls can show it.
	Album string
	// Duration is the loop body length.
	Duration time.Duration
}

// LoopStatus mirrors the MPRIS LoopStatus property.
type LoopStatus string

const (
	LoopNone  LoopStatus = "None"
	LoopTrack LoopStatus = "Track"
)

// Session is the interface for OS media session integration
type Session interface {
	UpdateMetadata(metadata Metadata) error
	UpdatePlaybackState(state PlaybackState, position time.Duration) error
	UpdateLoopStatus(status LoopStatus) error
	SetCommandHandler(handler CommandHandler)
	Close() error
}

// Command represents a media command from the OS
type Command int

const (
	CmdPlay Command = iota
	CmdPause
	CmdPlayPause
	CmdStop
	CmdSeek
	CmdSetLoopStatus
)

// String returns the command name
func (c Command) String() string {
	switch c {
	case CmdPlay:
		return "Play"
	case CmdPause:
		return "Pause"
	case CmdPlayPause:
		return "PlayPause"
	case CmdStop:
		return "Stop"
	case CmdSeek:
		return "Seek"
	case CmdSetLoopStatus:
		return "SetLoopStatus"
	default:
		return "Unknown"
	}
}

// CommandHandler handles media commands from the OS
type CommandHandler interface {
	OnCommand(cmd Command, data interface{}) error
}

// CommandHandlerFunc is a function adapter for CommandHandler
type CommandHandlerFunc func(cmd Command, data interface{}) error

func (f CommandHandlerFunc) OnCommand(cmd Command, data interface{}) error {
	return f(cmd, data)
}

// NoOpSession is used when no media session is available.
type NoOpSession struct{}

// NewNoOpSession creates a new no-op session
func NewNoOpSession() *NoOpSession {
	return &NoOpSession{}
}

func (s *NoOpSession) UpdateMetadata(metadata Metadata) error {
	return nil
}

func (s *NoOpSession) UpdatePlaybackState(state PlaybackState, position time.Duration) error {
	return nil
}

func (s *NoOpSession) UpdateLoopStatus(status LoopStatus) error {
	return nil
}

func (s *NoOpSession) SetCommandHandler(handler CommandHandler) {
}

func (s *NoOpSession) Close() error {
	return nil
}
