package felutils

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedFrame  = errors.New("malformed frame")
	ErrMissingArgument = errors.New("missing argument")
	ErrInterrupted     = errors.New("transfer cancelled")
	ErrClosed          = errors.New("session closed")
	ErrInvalidArgument = errors.New("invalid argument")
)

// ErrorKind tells recoverable protocol errors apart.
type ErrorKind int

const (
	// Interrupted is a transport timeout or cancellation before the device started processing.
	Interrupted ErrorKind = iota
	// CommandFailed is a status record with a non-zero state.
	CommandFailed
)

func (k ErrorKind) String() string {
	switch k {
	case Interrupted:
		return "interrupted"
	case CommandFailed:
		return "command failed"
	}
	return "unknown"
}

// ProtocolError is a recoverable failure. Callers may retry the whole operation.
type ProtocolError struct {
	Kind  ErrorKind
	Op    string
	State uint8
	Err   error
}

func (e *ProtocolError) Error() string {
	switch e.Kind {
	case CommandFailed:
		return fmt.Sprintf("%s: command execution failed (status %d)", e.Op, e.State)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Op, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// FatalError aborts the operation. The protocol state of the device is unknown afterwards.
type FatalError struct {
	Op      string
	Address uint32
	Offset  int
	Length  int
	Err     error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s at 0x%08X (offset %d, length %d): %v", e.Op, e.Address, e.Offset, e.Length, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// VerifyTimeoutError is returned when the device never reports a finished verification.
type VerifyTimeoutError struct {
	Tags     Tags
	Attempts int
	Last     VerifyStatusResponse
}

func (e *VerifyTimeoutError) Error() string {
	return fmt.Sprintf("verify status %s: no result after %d attempts (last flags 0x%08X)", e.Tags, e.Attempts, e.Last.Flags)
}

// IsRecoverable reports whether err carries a *ProtocolError and no *FatalError wraps it.
func IsRecoverable(err error) bool {
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return false
	}
	var perr *ProtocolError
	return errors.As(err, &perr)
}

// IsCommandFailed reports whether the device answered with a failed status.
func IsCommandFailed(err error) bool {
	if !IsRecoverable(err) {
		return false
	}
	var perr *ProtocolError
	errors.As(err, &perr)
	return perr.Kind == CommandFailed
}

func isInterrupted(err error) bool {
	var perr *ProtocolError
	return errors.As(err, &perr) && perr.Kind == Interrupted
}
