// Package ipc handles inter-process communication between the daemon and clients.
package ipc

import (
	"encoding/json"
	"fmt"
)

// CommandType represents the type of command
type CommandType string

const (
	CmdStart     CommandType = "start"
	CmdReplace   CommandType = "replace"
	CmdStop      CommandType = "stop"
	CmdStopNow   CommandType = "stopNow"
	CmdSeek      CommandType = "seek"
	CmdVolume    CommandType = "volume"
	CmdStatus    CommandType = "status"
	CmdGetConfig CommandType = "getConfig"

	// Audio visualization
	CmdGetAudioData         CommandType = "getAudioData"
	CmdSubscribeAudioData   CommandType = "subscribeAudioData"
	CmdUnsubscribeAudioData CommandType = "unsubscribeAudioData"

	// Session transitions
	CmdSubscribeStatus   CommandType = "subscribeStatus"
	CmdUnsubscribeStatus CommandType = "unsubscribeStatus"
)

// Push message types
const (
	PushAudioData = "audioData"
	PushStatus    = "status"
)

// Error codes carried in Response.Code
const (
	CodeInvalidRequest  = "invalid_request"
	CodeInvalidArgument = "invalid_argument"
	CodeLoadFailed      = "load_failed"
	CodeNoProgram       = "no_program"
	CodeSuperseded      = "superseded"
	CodeUnknownCommand  = "unknown_command"
	CodeInternal        = "internal"
)

// PushMessage represents a server-initiated message (no request needed)
type PushMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Request represents a client request
type Request struct {
	Cmd  CommandType     `json:"cmd"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Response represents a server response
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ProgramRequest is the data for start and replace commands.
type ProgramRequest struct {
	Title        string `json:"title,omitempty"`
	Intro        string `json:"intro,omitempty"`
	Loop         string `json:"loop"`
	Exit         string `json:"exit,omitempty"`
	HasExit      *bool  `json:"hasExit,omitempty"`
	AutoLoop     *bool  `json:"autoLoop,omitempty"`
	StrictTiming bool   `json:"strictTiming,omitempty"`
}

// SeekRequest is the data for a seek command
type SeekRequest struct {
	Position *float64 `json:"position"` // seconds into the loop body
}

// VolumeRequest is the data for a volume command
type VolumeRequest struct {
	Level *float64 `json:"level"` // 0.0 - 1.0
}

// StatusResponse is the response to a status command and the payload of
// status pushes.
type StatusResponse struct {
	State         string  `json:"state"`
	Previous      string  `json:"previous,omitempty"`
	Playing       bool    `json:"playing"`
	SessionID     string  `json:"sessionId,omitempty"`
	Title         string  `json:"title,omitempty"`
	Position      float64 `json:"position"`     // seconds
	LoopDuration  float64 `json:"loopDuration"` // seconds
	Iteration     int     `json:"iteration"`
	StopRequested bool    `json:"stopRequested"`
	Volume        float64 `json:"volume"`
}

// ConfigResponse is the response to a getConfig command
type ConfigResponse struct {
	ConfigPath     string  `json:"configPath"`
	SampleRate     int     `json:"sampleRate"`
	BufferSizeMs   int     `json:"bufferSizeMs"`
	DefaultVolume  float64 `json:"defaultVolume"`
	LeadTimeMs     int     `json:"leadTimeMs"`
	SeekLeadTimeMs int     `json:"seekLeadTimeMs"`
	FadeInMs       int     `json:"fadeInMs"`
}

// AudioDataResponse contains real-time frequency data for visualization
type AudioDataResponse struct {
	// Bands contains 128 band magnitudes (0-255), log-spaced from 20Hz to 20kHz.
	// []int because encoding/json base64-encodes []uint8.
	Bands []int `json:"bands"`
	// Level is the RMS level of the analysed window (0-1).
	Level float64 `json:"level"`
	// Position is the loop position in seconds when the data was pushed.
	Position float64 `json:"position"`
	// Timestamp is when the audio data was captured (Unix ms)
	Timestamp int64 `json:"timestamp"`
}

// EncodeRequest encodes a request to JSON
func EncodeRequest(req *Request) ([]byte, error) {
	return json.Marshal(req)
}

// DecodeRequest decodes a request from JSON
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	return &req, nil
}

// EncodeResponse encodes a response to JSON
func EncodeResponse(resp *Response) ([]byte, error) {
	return json.Marshal(resp)
}

// DecodeResponse decodes a response from JSON
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, nil
}

// NewSuccessResponse creates a successful response
func NewSuccessResponse(data interface{}) (*Response, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, err
		}
	}
	return &Response{
		Success: true,
		Data:    rawData,
	}, nil
}

// NewErrorResponse creates an error response
func NewErrorResponse(code, msg string) *Response {
	return &Response{
		Success: false,
		Code:    code,
		Error:   msg,
	}
}

// NewPushMessage creates a push message for streaming data
func NewPushMessage(msgType string, data interface{}) ([]byte, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, err
		}
	}
	msg := PushMessage{
		Type: msgType,
		Data: rawData,
	}
	return json.Marshal(msg)
}

func bandsToInts(bands []uint8) []int {
	out := make([]int, len(bands))
	for i, b := range bands {
		out[i] = int(b)
	}
	return out
}
