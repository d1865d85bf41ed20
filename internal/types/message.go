package types

import "time"

type MessageType string

const (
	MessageSnapshot MessageType = "snapshot"
	MessageError    MessageType = "error"
	MessageInfo     MessageType = "info"
)

// StatusMessage is what the controller emits on its status channel: either a
// snapshot or an out-of-band {error} / {info} notice.
type StatusMessage struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Snapshot  *StatusSnapshot `json:"snapshot,omitempty"`
	Error     string          `json:"error,omitempty"`
	Code      string          `json:"code,omitempty"`
	Info      string          `json:"info,omitempty"`
}

func SnapshotMessage(s StatusSnapshot) StatusMessage {
	return StatusMessage{Type: MessageSnapshot, Timestamp: s.Timestamp, Snapshot: &s}
}

func ErrorMessage(err error) StatusMessage {
	return StatusMessage{
		Type:      MessageError,
		Timestamp: time.Now(),
		Error:     err.Error(),
		Code:      ErrorCode(err),
	}
}

func InfoMessage(text string) StatusMessage {
	return StatusMessage{Type: MessageInfo, Timestamp: time.Now(), Info: text}
}

// LogLine is an entry on the optional log channel. EOF marks the end of the
// stream and is sent exactly once.
type LogLine struct {
	Time  time.Time `json:"time"`
	Level string    `json:"level,omitempty"`
	Text  string    `json:"text,omitempty"`
	EOF   bool      `json:"eof,omitempty"`
}
