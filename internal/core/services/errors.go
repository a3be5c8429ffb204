package services

import (
	"errors"
	"fmt"
	"strings"
)

// Codec errors
var (
	ErrDecode            = errors.New("codec: decode failed")
	ErrMalformedEnvelope = errors.New("codec: malformed envelope")
	ErrKeySlot           = errors.New("codec: key slot does not decrypt")
	ErrDataSlot          = errors.New("codec: data slot does not decrypt")
	ErrMalformedRequest  = errors.New("codec: malformed request")
	ErrUnknownCommand    = errors.New("codec: command type has no mapping")
)

// Registry errors
var (
	ErrRegistryClosed  = errors.New("registry: closed")
	ErrTaskDuplicate   = errors.New("registry: task already registered")
	ErrTaskCanceled    = errors.New("task: cancelled")
	ErrTaskUnknown     = errors.New("task: not found")
	ErrJobStoreStopped = errors.New("jobstore: stopped")
)

// Session errors
var (
	ErrUnauthorized       = errors.New("session: invalid token")
	ErrAgentNotConnected  = errors.New("session: agent not connected")
	ErrAgentDisconnected  = errors.New("session: agent disconnected")
	ErrConnectionClosed   = errors.New("connection: closed")
	ErrConnectionBackedUp = errors.New("connection: send queue full")
)

// DecodeError reports why an inbound UI envelope was rejected. The
// request is answered with a wrong-frame response; the channel stays open.
type DecodeError struct {
	Stage error
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return e.Stage.Error()
	}
	return fmt.Sprintf("%v: %v", e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDecode, e.Stage}
	}
	return []error{ErrDecode, e.Stage, e.Err}
}

func decodeError(stage, err error) error {
	return &DecodeError{Stage: stage, Err: err}
}

// ConfigurationError is returned when the message router is built with
// conflicting processors. It is a programming error and fatal at startup.
type ConfigurationError struct {
	Code       int32
	Processors []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("router: code %d claimed by more than one processor (%s)", e.Code, strings.Join(e.Processors, ", "))
}
