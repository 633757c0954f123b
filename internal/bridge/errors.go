package bridge

import (
	"errors"
	"fmt"
)

// Startup stages reported by StartupError.
const (
	StageSpawn     = "spawn"
	StageReadiness = "readiness"
	StageConnect   = "connect"
)

var ErrAlreadyRunning = errors.New("bridge: already running")

// StartupError means the child never became usable. The bridge has already
// killed it; the proxy should exit with a failure status.
type StartupError struct {
	Stage string
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("startup failed at %s: %v", e.Stage, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// TransportError ends one pump: a peer closed its stream mid-message, a
// write hit a broken pipe, or a frame could not be read. It is never
// retried.
type TransportError struct {
	Direction string
	Op        string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Direction, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// MalformedPayloadError marks a single child message that is not valid
// JSON. The message is dropped and the pump carries on.
type MalformedPayloadError struct {
	Payload []byte
	Err     error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed payload (%d bytes): %v", len(e.Payload), e.Err)
}

func (e *MalformedPayloadError) Unwrap() error {
	return e.Err
}
