// Package scpi talks line-oriented ASCII command protocols over a serial
// port: a command is one line, a query is one line answered by one line.
package scpi

import (
	"context"
	"time"
)

// Line is an ASCII command channel to one instrument.
type Line interface {
	Name() string
	Open() error
	Close() error

	// Send writes a command that has no response.
	Send(ctx context.Context, cmd string) error
	// Query writes a command and returns the response line, trimmed.
	Query(ctx context.Context, cmd string) (string, error)
}

// Settings describe the serial framing of a line.
type Settings struct {
	BaudRate   int
	Timeout    time.Duration
	Terminator string
}

func DefaultSettings() Settings {
	return Settings{
		BaudRate:   9600,
		Timeout:    2 * time.Second,
		Terminator: "\n",
	}
}
