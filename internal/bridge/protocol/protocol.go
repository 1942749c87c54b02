// Package protocol defines the line-delimited JSON protocol spoken between
// the host and the voice bridge process over stdio.
//
// Every request is one JSON object terminated by a newline:
//
//	{"id": 7, "command": "sendPcm", "payload": {"pcmData": [...]}}
//
// and is answered by exactly one response carrying the same id:
//
//	{"id": 7, "ok": true, "result": {"accepted": true}, "error": null}
//
// Requests are decoded at the boundary into one of the typed [Command]
// variants; unknown commands and ill-typed payloads are rejected there.
// Responses are written in completion order, not request order.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/MrWong99/ambiance/pkg/audio"
)

// PacketSamples is the only accepted sendPcm length: two 20 ms stereo frames.
const PacketSamples = 2 * audio.FrameSamples // 3840

// Name is a command name on the wire.
type Name string

const (
	NameConnect      Name = "connect"
	NameDisconnect   Name = "disconnect"
	NameSendPCM      Name = "sendPcm"
	NameGetTelemetry Name = "getTelemetry"
	NameShutdown     Name = "shutdown"
)

var (
	// ErrMalformed is returned when a line is not a JSON object.
	ErrMalformed = errors.New("protocol: invalid JSON request")

	// ErrUnknownCommand is returned for a command name outside [Name].
	ErrUnknownCommand = errors.New("protocol: unsupported command")

	// ErrInvalidPayload is returned when a payload has the wrong shape or
	// misses required fields.
	ErrInvalidPayload = errors.New("protocol: invalid payload")
)

// Request is the raw wire form of a request.
type Request struct {
	ID      uint64          `json:"id"`
	Command Name            `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the wire form of a response. Result is null on failure and
// Error is null on success.
type Response struct {
	ID     uint64          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  *string         `json:"error"`
}

// Command is one decoded request. The concrete type is one of
// [Connect], [Disconnect], [SendPCM], [GetTelemetry] or [Shutdown].
type Command interface {
	Name() Name
}

// Connect joins a voice channel.
type Connect struct {
	Token     string `json:"token"`
	GuildID   string `json:"guildId"`
	ChannelID string `json:"channelId"`
}

// Disconnect leaves the voice channel but keeps the process and client.
type Disconnect struct{}

// SendPCM carries one packet of interleaved stereo samples.
type SendPCM struct {
	PCMData []float64 `json:"pcmData"`
}

// GetTelemetry requests a [Telemetry] snapshot.
type GetTelemetry struct{}

// Shutdown tears everything down.
type Shutdown struct{}

func (Connect) Name() Name      { return NameConnect }
func (Disconnect) Name() Name   { return NameDisconnect }
func (SendPCM) Name() Name      { return NameSendPCM }
func (GetTelemetry) Name() Name { return NameGetTelemetry }
func (Shutdown) Name() Name     { return NameShutdown }

// Normalize trims every field and reports the missing ones. It never
// touches the network, so a bad connect fails before any dial.
func (c Connect) Normalize() (Connect, error) {
	c.Token = strings.TrimSpace(c.Token)
	c.GuildID = strings.TrimSpace(c.GuildID)
	c.ChannelID = strings.TrimSpace(c.ChannelID)

	var missing []string
	if c.Token == "" {
		missing = append(missing, "token")
	}
	if c.GuildID == "" {
		missing = append(missing, "guildId")
	}
	if c.ChannelID == "" {
		missing = append(missing, "channelId")
	}
	if len(missing) > 0 {
		return c, fmt.Errorf("%w: connect is missing %s", ErrInvalidPayload, strings.Join(missing, ", "))
	}
	return c, nil
}

// Samples converts the payload to int16, clamping out-of-range values and
// mapping non-finite ones to zero. Fractions are truncated.
func (s SendPCM) Samples() []int16 {
	out := make([]int16, len(s.PCMData))
	for i, v := range s.PCMData {
		switch {
		case math.IsNaN(v) || math.IsInf(v, 0):
			out[i] = 0
		case v >= math.MaxInt16:
			out[i] = math.MaxInt16
		case v <= math.MinInt16:
			out[i] = math.MinInt16
		default:
			out[i] = int16(v)
		}
	}
	return out
}

// Decode parses one request line. On a JSON syntax error the returned id is
// 0; otherwise it is the request's id, so the caller can always answer.
func Decode(line []byte) (uint64, Command, error) {
	var raw struct {
		ID      json.RawMessage `json:"id"`
		Command Name            `json:"command"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	id := decodeID(raw.ID)

	var cmd Command
	switch raw.Command {
	case NameConnect:
		var c Connect
		if err := decodePayload(raw.Payload, &c); err != nil {
			return id, nil, err
		}
		cmd = c
	case NameDisconnect:
		cmd = Disconnect{}
	case NameSendPCM:
		var c SendPCM
		if err := decodePayload(raw.Payload, &c); err != nil {
			return id, nil, err
		}
		cmd = c
	case NameGetTelemetry:
		cmd = GetTelemetry{}
	case NameShutdown:
		cmd = Shutdown{}
	default:
		return id, nil, fmt.Errorf("%w: %q", ErrUnknownCommand, raw.Command)
	}
	return id, cmd, nil
}

// decodeID accepts any non-negative integral JSON number up to 2^53 and
// maps anything else to 0.
func decodeID(raw json.RawMessage) uint64 {
	var f float64
	if len(raw) == 0 || json.Unmarshal(raw, &f) != nil {
		return 0
	}
	if f < 0 || f != math.Trunc(f) || f > 1<<53 {
		return 0
	}
	return uint64(f)
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// Encode builds a request line without the trailing newline.
func Encode(id uint64, cmd Command) ([]byte, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", cmd.Name(), err)
	}
	return json.Marshal(Request{ID: id, Command: cmd.Name(), Payload: payload})
}

// OK builds a success response.
func OK(id uint64, result any) (Response, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return Response{}, fmt.Errorf("protocol: encode result: %w", err)
	}
	return Response{ID: id, OK: true, Result: b}, nil
}

// Fail builds a failure response.
func Fail(id uint64, err error) Response {
	msg := err.Error()
	return Response{ID: id, OK: false, Result: json.RawMessage("null"), Error: &msg}
}

// Results of the individual commands.
type (
	ConnectResult struct {
		Connected bool `json:"connected"`
	}
	SendResult struct {
		Accepted bool `json:"accepted"`
	}
	ShutdownResult struct {
		Shutdown bool `json:"shutdown"`
	}
)

// Telemetry is the read-only snapshot returned by getTelemetry.
type Telemetry struct {
	Connected         bool    `json:"connected"`
	State             string  `json:"state"`
	GuildID           *string `json:"guildId"`
	ChannelID         *string `json:"channelId"`
	ChunksSent        uint64  `json:"chunksSent"`
	ChunksDropped     uint64  `json:"chunksDropped"`
	QueueDepth        int     `json:"queueDepth"`
	QueueCapacity     int     `json:"queueCapacity"`
	Underruns         uint64  `json:"underruns"`
	DroppedFrames     uint64  `json:"droppedFrames"`
	ReconnectAttempts uint64  `json:"reconnectAttempts"`
	LastError         *string `json:"lastError"`
}
