package bridge

import (
	"errors"
	"fmt"
)

// Result codes returned by the engine module. These mirror the engine's
// FFI surface and never leave this package; callers see sentinel errors.
const (
	codeOK             = 0
	codeNullPointer    = 1
	codeInvalidInput   = 2
	codeServiceError   = 3
	codeNotInitialized = 4
	codeAlreadyRunning = 5
	codeNotRunning     = 6
	codeBindFailed     = 7
)

var (
	// ErrLoadFatal indicates that no engine module could be compiled and
	// instantiated. The daemon cannot recover from this without new
	// artifacts on disk.
	ErrLoadFatal = errors.New("bridge: engine module load failed")

	// ErrInvalidConfig indicates the engine rejected the supplied
	// configuration or identity payload.
	ErrInvalidConfig = errors.New("bridge: engine rejected input")

	// ErrStartRejected indicates the engine refused to start for a
	// non-bind reason. Retrying without intervention will not help.
	ErrStartRejected = errors.New("bridge: engine start rejected")

	// ErrBindFailed indicates the engine could not bind its listen
	// address. The port may free up shortly, so callers may retry.
	ErrBindFailed = errors.New("bridge: engine listen address unavailable")

	// ErrAlreadyRunning indicates a start request against a live engine.
	ErrAlreadyRunning = errors.New("bridge: engine already running")

	// ErrNotRunning indicates a stop or query against a stopped engine.
	ErrNotRunning = errors.New("bridge: engine not running")

	// ErrNotInitialized indicates an operation before configure.
	ErrNotInitialized = errors.New("bridge: engine not configured")

	// ErrInternal covers engine faults with no more specific mapping.
	ErrInternal = errors.New("bridge: engine internal error")
)

// errorForCode maps an engine result code to a sentinel error, attaching
// the engine's message when one was provided.
func errorForCode(code int, msg string) error {
	var sentinel error
	switch code {
	case codeOK:
		return nil
	case codeNullPointer, codeInvalidInput:
		sentinel = ErrInvalidConfig
	case codeServiceError:
		sentinel = ErrInternal
	case codeNotInitialized:
		sentinel = ErrNotInitialized
	case codeAlreadyRunning:
		sentinel = ErrAlreadyRunning
	case codeNotRunning:
		sentinel = ErrNotRunning
	case codeBindFailed:
		sentinel = ErrBindFailed
	default:
		sentinel = ErrInternal
	}
	if msg == "" {
		return fmt.Errorf("%w (code %d)", sentinel, code)
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}
