package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeAudioData   MessageType = "audio_data"
	TypeAudioEnd    MessageType = "audio_end"
	TypeStop        MessageType = "stop"
	TypeTextMessage MessageType = "text_message"

	TypeSessionStarted MessageType = "session_started"
	TypeAudioResponse  MessageType = "audio_response"
	TypeTextResponse   MessageType = "text_response"
	TypeTurnComplete   MessageType = "turn_complete"
	TypeError          MessageType = "error"
)

// Error codes carried in ErrorMessage.Code.
const (
	CodeClientProtocol     = "client_protocol_error"
	CodeAudioDecode        = "audio_decode_error"
	CodeIllegalTransition  = "illegal_turn_transition"
	CodeNoAudioCaptured    = "no_audio_captured"
	CodeUpstreamConnection = "upstream_connection_error"
	CodeUpstreamAuth       = "upstream_auth_error"
	CodeTurnAbandoned      = "upstream_turn_abandoned"
	CodeWriteTimeout       = "transport_write_timeout"
	CodeSessionLimit       = "session_limit_reached"
	CodeIdleTimeout        = "idle_timeout"
	CodeInternal           = "internal_error"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	// ErrClientProtocol matches every error returned by ParseClientMessage.
	ErrClientProtocol = errors.New("client protocol error")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// Client -> server.

type AudioData struct {
	Type  MessageType `json:"type"`
	Audio string      `json:"audio"`
}

type AudioEnd struct {
	Type MessageType `json:"type"`
}

type Stop struct {
	Type MessageType `json:"type"`
}

type TextMessage struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

// Server -> client.

type SessionStarted struct {
	Type      MessageType `json:"type"`
	Message   string      `json:"message"`
	SessionID string      `json:"session_id,omitempty"`
}

type AudioResponse struct {
	Type     MessageType `json:"type"`
	Audio    string      `json:"audio"`
	MimeType string      `json:"mime_type"`
}

type TextResponse struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type TurnComplete struct {
	Type MessageType `json:"type"`
}

// ErrorMessage is sent for every surfaced error. Fatal marks errors after
// which the server closes the connection.
type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
	Code    string      `json:"code,omitempty"`
	Fatal   bool        `json:"fatal,omitempty"`
}

func NewError(code, message string, fatal bool) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: message, Code: code, Fatal: fatal}
}

// ClientProtocolError describes a malformed or unexpected client envelope.
type ClientProtocolError struct {
	Type   MessageType
	Reason string
	Err    error
}

func (e *ClientProtocolError) Error() string {
	msg := e.Reason
	if e.Type != "" {
		msg = fmt.Sprintf("%s: %s", e.Type, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ClientProtocolError) Unwrap() error { return e.Err }

func (e *ClientProtocolError) Is(target error) bool { return target == ErrClientProtocol }

// ParseClientMessage decodes one client envelope into AudioData, AudioEnd,
// Stop or TextMessage. Empty audio payloads are accepted here; the codec
// decides whether a chunk is usable.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ClientProtocolError{Reason: "invalid envelope", Err: err}
	}

	switch env.Type {
	case TypeAudioData:
		var msg AudioData
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, &ClientProtocolError{Type: env.Type, Reason: "invalid payload", Err: err}
		}
		return msg, nil
	case TypeAudioEnd:
		return AudioEnd{Type: env.Type}, nil
	case TypeStop:
		return Stop{Type: env.Type}, nil
	case TypeTextMessage:
		var msg TextMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, &ClientProtocolError{Type: env.Type, Reason: "invalid payload", Err: err}
		}
		if msg.Text == "" {
			return nil, &ClientProtocolError{Type: env.Type, Reason: "text is required"}
		}
		return msg, nil
	case "":
		return nil, &ClientProtocolError{Reason: "missing type"}
	default:
		return nil, &ClientProtocolError{Type: env.Type, Reason: "unsupported type", Err: ErrUnsupportedType}
	}
}

// TypeOf returns the MessageType of any envelope value defined in this package.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case AudioData:
		return m.Type, true
	case AudioEnd:
		return m.Type, true
	case Stop:
		return m.Type, true
	case TextMessage:
		return m.Type, true
	case SessionStarted:
		return m.Type, true
	case AudioResponse:
		return m.Type, true
	case TextResponse:
		return m.Type, true
	case TurnComplete:
		return m.Type, true
	case ErrorMessage:
		return m.Type, true
	default:
		return "", false
	}
}
