//go:build linux

package media

import (
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	mprisInterface       = "org.mpris.MediaPlayer2"
	mprisPlayerInterface = "org.mpris.MediaPlayer2.Player"
	mprisBusName         = "org.mpris.MediaPlayer2.loopd"
	mprisObjectPath      = "/org/mpris/MediaPlayer2"
	mprisIdentity        = "loopd"
)

// MPRISSession implements MPRIS media session for Linux
type MPRISSession struct {
	conn *dbus.Conn

	mu         sync.Mutex
	handler    CommandHandler
	metadata   Metadata
	track      int
	state      PlaybackState
	position   time.Duration
	loopStatus LoopStatus
}

// NewSession creates a new MPRIS media session
func NewSession() (Session, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	reply, err := conn.RequestName(mprisBusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, fmt.Errorf("bus name %s already taken", mprisBusName)
	}

	session := newMPRISSession(conn)
	if err := session.exportInterfaces(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to export interfaces: %w", err)
	}
	return session, nil
}

func newMPRISSession(conn *dbus.Conn) *MPRISSession {
	return &MPRISSession{
		conn:       conn,
		state:      StateStopped,
		loopStatus: LoopNone,
	}
}

func (s *MPRISSession) exportInterfaces() error {
	for _, iface := range []string{mprisInterface, mprisPlayerInterface, "org.freedesktop.DBus.Properties"} {
		if err := s.conn.Export(s, dbus.ObjectPath(mprisObjectPath), iface); err != nil {
			return err
		}
	}
	return nil
}

// UpdateMetadata publishes a new program. Each call gets a fresh track id.
func (s *MPRISSession) UpdateMetadata(metadata Metadata) error {
	s.mu.Lock()
	s.metadata = metadata
	s.track++
	props := map[string]dbus.Variant{
		"Metadata": dbus.MakeVariant(s.metadataMapLocked()),
	}
	s.mu.Unlock()

	return s.emitPropertiesChanged(mprisPlayerInterface, props)
}

// UpdatePlaybackState updates the playback state
func (s *MPRISSession) UpdatePlaybackState(state PlaybackState, position time.Duration) error {
	s.mu.Lock()
	oldState := s.state
	oldPosition := s.position
	s.state = state
	s.position = position
	props := map[string]dbus.Variant{
		"PlaybackStatus": dbus.MakeVariant(s.playbackStatusLocked()),
	}
	s.mu.Unlock()

	// Clients extrapolate position from Rate; tell them when the timeline jumps.
	if state == StatePlaying && (oldState != state || position < oldPosition) {
		if err := s.emitSeeked(position); err != nil {
			return err
		}
	}
	return s.emitPropertiesChanged(mprisPlayerInterface, props)
}

func (s *MPRISSession) emitSeeked(position time.Duration) error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Emit(
		dbus.ObjectPath(mprisObjectPath),
		mprisPlayerInterface+".Seeked",
		position.Microseconds(),
	)
}

// UpdateLoopStatus updates the loop/repeat mode
func (s *MPRISSession) UpdateLoopStatus(status LoopStatus) error {
	s.mu.Lock()
	if s.loopStatus == status {
		s.mu.Unlock()
		return nil
	}
	s.loopStatus = status
	s.mu.Unlock()

	return s.emitPropertiesChanged(mprisPlayerInterface, map[string]dbus.Variant{
		"LoopStatus": dbus.MakeVariant(string(status)),
	})
}

// SetCommandHandler sets the handler for media commands
func (s *MPRISSession) SetCommandHandler(handler CommandHandler) {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
}

// Close releases resources
func (s *MPRISSession) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *MPRISSession) dispatch(cmd Command, data interface{}) {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler != nil {
		handler.OnCommand(cmd, data)
	}
}

// org.mpris.MediaPlayer2 methods

func (s *MPRISSession) Raise() *dbus.Error {
	return nil
}

func (s *MPRISSession) Quit() *dbus.Error {
	return nil
}

// org.mpris.MediaPlayer2.Player methods

func (s *MPRISSession) Play() *dbus.Error {
	s.dispatch(CmdPlay, nil)
	return nil
}

func (s *MPRISSession) Pause() *dbus.Error {
	s.dispatch(CmdPause, nil)
	return nil
}

func (s *MPRISSession) PlayPause() *dbus.Error {
	s.dispatch(CmdPlayPause, nil)
	return nil
}

func (s *MPRISSession) Stop() *dbus.Error {
	s.dispatch(CmdStop, nil)
	return nil
}

func (s *MPRISSession) Next() *dbus.Error {
	return nil
}

func (s *MPRISSession) Previous() *dbus.Error {
	return nil
}

func (s *MPRISSession) Seek(offset int64) *dbus.Error {
	s.mu.Lock()
	newPos := s.position + time.Duration(offset)*time.Microsecond
	s.mu.Unlock()
	if newPos < 0 {
		newPos = 0
	}
	s.dispatch(CmdSeek, newPos)
	return nil
}

func (s *MPRISSession) SetPosition(trackId dbus.ObjectPath, position int64) *dbus.Error {
	s.mu.Lock()
	current := s.trackIDLocked()
	s.mu.Unlock()
	// Stale track ids are ignored as required by MPRIS.
	if trackId != current || position < 0 {
		return nil
	}
	s.dispatch(CmdSeek, time.Duration(position)*time.Microsecond)
	return nil
}

// org.freedesktop.DBus.Properties methods

func (s *MPRISSession) Get(iface, prop string) (dbus.Variant, *dbus.Error) {
	var props map[string]dbus.Variant
	switch iface {
	case mprisInterface:
		props = mediaPlayer2Properties()
	case mprisPlayerInterface:
		props = s.playerProperties()
	default:
		return dbus.Variant{}, dbus.MakeFailedError(fmt.Errorf("unknown interface: %s", iface))
	}
	if v, ok := props[prop]; ok {
		return v, nil
	}
	return dbus.Variant{}, dbus.MakeFailedError(fmt.Errorf("unknown property: %s", prop))
}

func (s *MPRISSession) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	switch iface {
	case mprisInterface:
		return mediaPlayer2Properties(), nil
	case mprisPlayerInterface:
		return s.playerProperties(), nil
	}
	return nil, dbus.MakeFailedError(fmt.Errorf("unknown interface: %s", iface))
}

func (s *MPRISSession) Set(iface, prop string, value dbus.Variant) *dbus.Error {
	if iface != mprisPlayerInterface || prop != "LoopStatus" {
		return nil
	}
	status, ok := value.Value().(string)
	if !ok {
		return dbus.MakeFailedError(fmt.Errorf("invalid type for LoopStatus"))
	}
	s.dispatch(CmdSetLoopStatus, LoopStatus(status))
	return nil
}

func mediaPlayer2Properties() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"CanQuit":             dbus.MakeVariant(false),
		"CanRaise":            dbus.MakeVariant(false),
		"HasTrackList":        dbus.MakeVariant(false),
		"Identity":            dbus.MakeVariant(mprisIdentity),
		"DesktopEntry":        dbus.MakeVariant(mprisIdentity),
		"SupportedUriSchemes": dbus.MakeVariant([]string{"file"}),
		"SupportedMimeTypes":  dbus.MakeVariant([]string{"audio/wav", "audio/mpeg", "audio/flac", "audio/ogg"}),
	}
}

func (s *MPRISSession) playerProperties() map[string]dbus.Variant {
	s.mu.Lock()
	defer s.mu.Unlock()
	playing := s.state == StatePlaying
	return map[string]dbus.Variant{
		"PlaybackStatus": dbus.MakeVariant(s.playbackStatusLocked()),
		"LoopStatus":     dbus.MakeVariant(string(s.loopStatus)),
		"Metadata":       dbus.MakeVariant(s.metadataMapLocked()),
		"Position":       dbus.MakeVariant(s.position.Microseconds()),
		"Rate":           dbus.MakeVariant(1.0),
		"MinimumRate":    dbus.MakeVariant(1.0),
		"MaximumRate":    dbus.MakeVariant(1.0),
		"Volume":         dbus.MakeVariant(1.0),
		"CanGoNext":      dbus.MakeVariant(false),
		"CanGoPrevious":  dbus.MakeVariant(false),
		"CanPlay":        dbus.MakeVariant(false),
		"CanPause":       dbus.MakeVariant(playing),
		"CanSeek":        dbus.MakeVariant(s.track > 0),
		"CanControl":     dbus.MakeVariant(true),
	}
}

func (s *MPRISSession) playbackStatusLocked() string {
	switch s.state {
	case StatePlaying:
		return "Playing"
	default:
		return "Stopped"
	}
}

func (s *MPRISSession) trackIDLocked() dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("/org/loopd/program/%d", s.track))
}

func (s *MPRISSession) metadataMapLocked() map[string]dbus.Variant {
	m := map[string]dbus.Variant{
		"mpris:trackid": dbus.MakeVariant(s.trackIDLocked()),
	}
	if s.metadata.Title != "" {
		m["xesam:title"] = dbus.MakeVariant(s.metadata.Title)
	}
	if s.metadata.Album != "" {
		m["xesam:album"] = dbus.MakeVariant(s.metadata.Album)
	}
	if s.metadata.Duration > 0 {
		m["mpris:length"] = dbus.MakeVariant(s.metadata.Duration.Microseconds())
	}
	return m
}

func (s *MPRISSession) emitPropertiesChanged(iface string, props map[string]dbus.Variant) error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Emit(
		dbus.ObjectPath(mprisObjectPath),
		"org.freedesktop.DBus.Properties.PropertiesChanged",
		iface,
		props,
		[]string{},
	)
}
