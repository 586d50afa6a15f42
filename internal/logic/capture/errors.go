package capture

import (
	"errors"
	"fmt"
)

// Contract violations. These are returned to the caller and never retried.
var (
	ErrAlreadyStarted = errors.New("capture: already started")
	ErrNotStarted     = errors.New("capture: not started")
	ErrNotReady       = errors.New("capture: not ready")
	ErrShutdown       = errors.New("capture: orchestrator is shut down")
)

// Validation failures, rejected before any device call.
var (
	ErrNoBrackets        = errors.New("capture: empty bracket list")
	ErrTooManyBrackets   = errors.New("capture: too many brackets")
	ErrBracketOutOfRange = errors.New("capture: bracket outside device range")
)

// Device and environment failures. They end the capture session.
var (
	ErrNoSuitableDevice  = errors.New("capture: no suitable capture device")
	ErrDeviceBusyTimeout = errors.New("capture: timed out waiting for device open/close lock")
	ErrDisconnected      = errors.New("capture: device disconnected")
	ErrTeardownTimeout   = errors.New("capture: teardown timed out")
)

// BracketError reports which bracket of a burst failed validation.
type BracketError struct {
	Index   int
	Bracket Bracket
	Field   string // "exposure" or "iso"
	Range   string
}

func (e *BracketError) Error() string {
	return fmt.Sprintf("bracket %d (%s): %s outside %s", e.Index, e.Bracket, e.Field, e.Range)
}

func (e *BracketError) Unwrap() error { return ErrBracketOutOfRange }
