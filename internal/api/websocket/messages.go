package websocket

import (
	"time"

	"github.com/KevinKickass/OpenBenchCore/internal/types"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Bench status channel
	MessageTypeSnapshot MessageType = "snapshot"
	MessageTypeError    MessageType = "error"
	MessageTypeInfo     MessageType = "info"
	MessageTypeLog      MessageType = "log"

	// System messages
	MessageTypeSystemStatus MessageType = "system_status"

	// Connection handshake
	MessageTypeAuthSuccess MessageType = "auth_success"
	MessageTypeAuthFailed  MessageType = "auth_failed"
	MessageTypeSubscribed  MessageType = "subscribed"
)

// Message represents a WebSocket message. Bench is empty for system-wide
// messages.
type Message struct {
	Type      MessageType `json:"type"`
	Bench     string      `json:"bench,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// NoticeData carries an {error} or {info} message.
type NoticeData struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// NewBenchMessage wraps a controller status message for the stream.
func NewBenchMessage(bench string, msg types.StatusMessage) Message {
	out := Message{Bench: bench, Timestamp: msg.Timestamp}
	switch msg.Type {
	case types.MessageSnapshot:
		out.Type = MessageTypeSnapshot
		out.Data = msg.Snapshot
	case types.MessageError:
		out.Type = MessageTypeError
		out.Data = NoticeData{Code: msg.Code, Message: msg.Error}
	default:
		out.Type = MessageTypeInfo
		out.Data = NoticeData{Message: msg.Info}
	}
	return out
}

// NewLogMessage wraps a line of a bench log stream.
func NewLogMessage(bench string, line types.LogLine) Message {
	return Message{Type: MessageTypeLog, Bench: bench, Timestamp: line.Time, Data: line}
}

func NewSystemStatusMessage(status interface{}) Message {
	return NewMessage(MessageTypeSystemStatus, status)
}
