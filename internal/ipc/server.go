package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/austinkregel/local-media/loopd/internal/audio"
	"github.com/austinkregel/local-media/loopd/internal/config"
	"github.com/austinkregel/local-media/loopd/internal/decode"
	"github.com/austinkregel/local-media/loopd/internal/events"
	"github.com/austinkregel/local-media/loopd/internal/player"
	"github.com/austinkregel/local-media/loopd/internal/program"
	"github.com/austinkregel/local-media/loopd/internal/scheduler"
)

// Player is the transport the server exposes to clients.
type Player interface {
	Start(ctx context.Context, spec program.Spec) error
	Replace(ctx context.Context, spec program.Spec) error
	Stop() error
	StopNow() error
	SeekTo(seconds float64) error
	SetVolume(volume float64) error
	Status() player.Status
	AudioBands() []uint8
	Level() float64
	SetAudioCallback(cb audio.AudioDataCallback)
	Events() *events.Bus
}

// Server handles IPC communication with clients
type Server struct {
	socketPath string
	configMgr  *config.Manager
	player     Player
	log        zerolog.Logger
	listener   net.Listener

	mu      sync.Mutex
	clients map[net.Conn]struct{}

	// Push subscriptions
	subsMu     sync.RWMutex
	audioSubs  map[net.Conn]bool
	statusSubs map[net.Conn]bool

	// Analyzer frames waiting to be pushed; full means the frame is dropped.
	audioFrames chan []uint8
}

// NewServer creates a new IPC server. configMgr may be nil.
func NewServer(socketPath string, configMgr *config.Manager, p Player, logger zerolog.Logger) *Server {
	s := &Server{
		socketPath: socketPath,
		configMgr:  configMgr,
		player:     p,
		log:        logger.With().Str("component", "ipc").Logger(),
		clients:    make(map[net.Conn]struct{}),
		audioSubs:  make(map[net.Conn]bool),
		statusSubs: make(map[net.Conn]bool),

		audioFrames: make(chan []uint8, 4),
	}

	p.SetAudioCallback(s.queueAudioData)
	return s
}

// Start listens on the socket and serves clients until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}
	s.listener = listener

	// Set socket permissions (user-only)
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}
	s.log.Info().Str("socket", s.socketPath).Msg("listening")

	sub := s.player.Events().Subscribe()
	go s.pushTransitions(sub)
	go s.pushAudioData(ctx)
	go s.acceptLoop(ctx)

	<-ctx.Done()

	s.player.Events().Unsubscribe(sub)
	s.mu.Lock()
	clientCount := len(s.clients)
	for conn := range s.clients {
		conn.Close()
	}
	s.mu.Unlock()

	listener.Close()
	os.RemoveAll(s.socketPath)
	s.log.Info().Int("clients", clientCount).Msg("server stopped")
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Msg("accept failed")
			continue
		}

		s.mu.Lock()
		s.clients[conn] = struct{}{}
		clientCount := len(s.clients)
		s.mu.Unlock()
		s.log.Debug().Int("clients", clientCount).Msg("client connected")

		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.mu.Unlock()
		s.unsubscribeAll(conn)
		s.log.Debug().Int("clients", clientCount).Msg("client disconnected")
	}()

	reader := bufio.NewReader(conn)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				s.log.Warn().Err(err).Msg("read failed")
			}
			return
		}

		req, err := DecodeRequest(line)
		if err != nil {
			s.log.Debug().Err(err).Msg("invalid request format")
			s.sendError(conn, NewErrorResponse(CodeInvalidRequest, "invalid request format"))
			continue
		}

		// Skip logging for polling commands
		polling := req.Cmd == CmdStatus || req.Cmd == CmdGetAudioData
		started := time.Now()
		resp := s.handleRequest(ctx, conn, req)
		if !polling {
			ev := s.log.Info()
			if !resp.Success {
				ev = s.log.Warn().Str("error", resp.Error)
			}
			ev.Str("cmd", string(req.Cmd)).Dur("took", time.Since(started)).Msg("command")
		}

		if err := s.sendResponse(conn, resp); err != nil {
			s.log.Warn().Err(err).Msg("send failed")
			return
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, conn net.Conn, req *Request) *Response {
	switch req.Cmd {
	case CmdStart:
		return s.handleProgram(ctx, req, s.player.Start)
	case CmdReplace:
		return s.handleProgram(ctx, req, s.player.Replace)
	case CmdStop:
		return s.statusAfter(s.player.Stop())
	case CmdStopNow:
		return s.statusAfter(s.player.StopNow())
	case CmdSeek:
		return s.handleSeek(req)
	case CmdVolume:
		return s.handleVolume(req)
	case CmdStatus:
		return s.handleStatus()
	case CmdGetConfig:
		return s.handleGetConfig()
	case CmdGetAudioData:
		return s.handleGetAudioData()
	case CmdSubscribeAudioData:
		return s.subscribe(conn, s.audioSubs, true)
	case CmdUnsubscribeAudioData:
		return s.subscribe(conn, s.audioSubs, false)
	case CmdSubscribeStatus:
		return s.subscribe(conn, s.statusSubs, true)
	case CmdUnsubscribeStatus:
		return s.subscribe(conn, s.statusSubs, false)
	default:
		return NewErrorResponse(CodeUnknownCommand, "unknown command")
	}
}

func (s *Server) handleProgram(ctx context.Context, req *Request,
	run func(context.Context, program.Spec) error) *Response {
	var progReq ProgramRequest
	if len(req.Data) == 0 {
		return NewErrorResponse(CodeInvalidRequest, "program is required")
	}
	if err := json.Unmarshal(req.Data, &progReq); err != nil {
		return NewErrorResponse(CodeInvalidRequest, "invalid program request")
	}
	return s.statusAfter(run(ctx, program.Spec(progReq)))
}

func (s *Server) handleSeek(req *Request) *Response {
	var seekReq SeekRequest
	if err := json.Unmarshal(req.Data, &seekReq); err != nil || seekReq.Position == nil {
		return NewErrorResponse(CodeInvalidRequest, "invalid seek request")
	}
	return s.statusAfter(s.player.SeekTo(*seekReq.Position))
}

func (s *Server) handleVolume(req *Request) *Response {
	var volReq VolumeRequest
	if err := json.Unmarshal(req.Data, &volReq); err != nil || volReq.Level == nil {
		return NewErrorResponse(CodeInvalidRequest, "invalid volume request")
	}
	return s.statusAfter(s.player.SetVolume(*volReq.Level))
}

func (s *Server) statusAfter(err error) *Response {
	if err != nil {
		return errorResponse(err)
	}
	return s.handleStatus()
}

func (s *Server) handleStatus() *Response {
	resp, err := NewSuccessResponse(statusResponse(s.player.Status()))
	if err != nil {
		return NewErrorResponse(CodeInternal, "internal error")
	}
	return resp
}

func (s *Server) handleGetConfig() *Response {
	if s.configMgr == nil {
		return NewErrorResponse(CodeInternal, "no configuration loaded")
	}
	cfg := s.configMgr.Get()
	resp, err := NewSuccessResponse(ConfigResponse{
		ConfigPath:     s.configMgr.GetPath(),
		SampleRate:     cfg.Audio.SampleRate,
		BufferSizeMs:   cfg.Audio.BufferSizeMs,
		DefaultVolume:  cfg.Audio.DefaultVolume,
		LeadTimeMs:     cfg.Scheduler.LeadTimeMs,
		SeekLeadTimeMs: cfg.Scheduler.SeekLeadTimeMs,
		FadeInMs:       cfg.Scheduler.FadeInMs,
	})
	if err != nil {
		return NewErrorResponse(CodeInternal, "internal error")
	}
	return resp
}

func (s *Server) handleGetAudioData() *Response {
	resp, err := NewSuccessResponse(AudioDataResponse{
		Bands:     bandsToInts(s.player.AudioBands()),
		Level:     s.player.Level(),
		Position:  s.player.Status().Position,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return NewErrorResponse(CodeInternal, "internal error")
	}
	return resp
}

func statusResponse(st player.Status) StatusResponse {
	return StatusResponse{
		State:         st.State,
		Playing:       st.Playing,
		SessionID:     st.SessionID,
		Title:         st.Title,
		Position:      st.Position,
		LoopDuration:  st.LoopDuration,
		Iteration:     st.Iteration,
		StopRequested: st.StopRequested,
		Volume:        st.Volume,
	}
}

func errorResponse(err error) *Response {
	var loadErr *decode.LoadError
	switch {
	case errors.As(err, &loadErr):
		return NewErrorResponse(CodeLoadFailed, err.Error())
	case errors.Is(err, program.ErrInvalidArgument):
		return NewErrorResponse(CodeInvalidArgument, err.Error())
	case errors.Is(err, scheduler.ErrNoProgram):
		return NewErrorResponse(CodeNoProgram, err.Error())
	case errors.Is(err, scheduler.ErrSuperseded):
		return NewErrorResponse(CodeSuperseded, err.Error())
	default:
		return NewErrorResponse(CodeInternal, err.Error())
	}
}

func (s *Server) sendResponse(conn net.Conn, resp *Response) error {
	data, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = conn.Write(data)
	return err
}

func (s *Server) sendError(conn net.Conn, resp *Response) {
	s.sendResponse(conn, resp)
}

func (s *Server) subscribe(conn net.Conn, subs map[net.Conn]bool, on bool) *Response {
	s.subsMu.Lock()
	if on {
		subs[conn] = true
	} else {
		delete(subs, conn)
	}
	count := len(subs)
	s.subsMu.Unlock()

	s.log.Debug().Bool("subscribed", on).Int("subscribers", count).Msg("push subscription changed")
	resp, _ := NewSuccessResponse(map[string]bool{"subscribed": on})
	return resp
}

func (s *Server) unsubscribeAll(conn net.Conn) {
	s.subsMu.Lock()
	delete(s.audioSubs, conn)
	delete(s.statusSubs, conn)
	s.subsMu.Unlock()
}

// queueAudioData runs on the audio thread and must not block.
func (s *Server) queueAudioData(bands []uint8) {
	s.subsMu.RLock()
	idle := len(s.audioSubs) == 0
	s.subsMu.RUnlock()
	if idle {
		return
	}

	select {
	case s.audioFrames <- bands:
	default:
	}
}

func (s *Server) pushAudioData(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case bands := <-s.audioFrames:
			msg, err := NewPushMessage(PushAudioData, AudioDataResponse{
				Bands:     bandsToInts(bands),
				Level:     s.player.Level(),
				Position:  s.player.Status().Position,
				Timestamp: time.Now().UnixMilli(),
			})
			if err != nil {
				continue
			}
			s.push(s.audioSubs, append(msg, '\n'))
		}
	}
}

// pushTransitions forwards session transitions to status subscribers.
func (s *Server) pushTransitions(sub events.Subscriber) {
	for t := range sub {
		st := StatusResponse{
			State:         t.State,
			Previous:      t.Previous,
			Playing:       t.Playing,
			SessionID:     t.SessionID,
			Title:         t.Title,
			Position:      t.Position,
			LoopDuration:  t.LoopDuration,
			Iteration:     t.Iteration,
			StopRequested: t.StopRequested,
			Volume:        s.player.Status().Volume,
		}
		msg, err := NewPushMessage(PushStatus, st)
		if err != nil {
			continue
		}
		s.push(s.statusSubs, append(msg, '\n'))
	}
}

func (s *Server) push(subs map[net.Conn]bool, msg []byte) {
	s.subsMu.RLock()
	conns := make([]net.Conn, 0, len(subs))
	for conn := range subs {
		conns = append(conns, conn)
	}
	s.subsMu.RUnlock()

	for _, conn := range conns {
		if _, err := conn.Write(msg); err != nil {
			s.subsMu.Lock()
			delete(subs, conn)
			s.subsMu.Unlock()
		}
	}
}
