package controller

import (
	"errors"

	"github.com/pocketmint-io/pocketmint/internal/conn"
	"github.com/pocketmint-io/pocketmint/internal/mint"
)

var (
	// ErrBusy indicates another lifecycle operation is in flight.
	// Lifecycle operations never queue; callers retry when the current
	// one resolves.
	ErrBusy = errors.New("controller: another lifecycle operation is in progress")

	// ErrNoIdentity indicates no operator account exists yet.
	ErrNoIdentity = errors.New("controller: no operator account, create or import one first")

	// ErrAlreadyRunning indicates a start request against a running mint.
	ErrAlreadyRunning = errors.New("controller: mint already running")
)

// ReasonError attaches a machine-readable reason code to a lifecycle
// failure produced on the controller side.
type ReasonError struct {
	Reason mint.ReasonCode
	Err    error
}

func (e *ReasonError) Error() string { return e.Err.Error() }

func (e *ReasonError) Unwrap() error { return e.Err }

// ReasonOf extracts the reason code from a lifecycle error, whether it
// originated locally or was reported by the daemon.
func ReasonOf(err error) mint.ReasonCode {
	if err == nil {
		return mint.ReasonNone
	}
	var reasonErr *ReasonError
	if errors.As(err, &reasonErr) {
		return reasonErr.Reason
	}
	var engineErr *conn.EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Reason
	}
	if errors.Is(err, conn.ErrBindFailed) {
		return mint.ReasonBindFailed
	}
	return mint.ReasonNone
}
