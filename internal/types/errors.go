package types

import (
	"errors"
)

// Error taxonomy shared by drivers, dispatcher, executor and controller.
var (
	ErrTransport            = errors.New("transport error")
	ErrEncoding             = errors.New("encoding error")
	ErrUnknownDevice        = errors.New("unknown device")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrProtocolAborted      = errors.New("protocol aborted")

	ErrNotConnected      = errors.New("device not connected")
	ErrInvalidCommand    = errors.New("invalid command")
	ErrProtocolBusy      = errors.New("protocol already running")
	ErrUnknownFamily     = errors.New("unknown device family")
	ErrDeviceLeased      = errors.New("device already leased")
	ErrControllerStopped = errors.New("controller stopped")
)

// ErrorCode maps an error onto a stable code used in {error} messages and
// API responses.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownDevice):
		return "UNKNOWN_DEVICE"
	case errors.Is(err, ErrNotConnected):
		return "NOT_CONNECTED"
	case errors.Is(err, ErrTransport):
		return "TRANSPORT"
	case errors.Is(err, ErrEncoding):
		return "ENCODING"
	case errors.Is(err, ErrUnsupportedOperation):
		return "UNSUPPORTED"
	case errors.Is(err, ErrProtocolAborted):
		return "PROTOCOL_ABORTED"
	case errors.Is(err, ErrProtocolBusy):
		return "PROTOCOL_BUSY"
	case errors.Is(err, ErrInvalidCommand):
		return "INVALID_COMMAND"
	case errors.Is(err, ErrUnknownFamily):
		return "UNKNOWN_FAMILY"
	case errors.Is(err, ErrDeviceLeased):
		return "DEVICE_LEASED"
	case errors.Is(err, ErrControllerStopped):
		return "STOPPED"
	default:
		return "INTERNAL"
	}
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
