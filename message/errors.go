package message

import (
	"errors"
	"fmt"
)

var (
	// ErrCanceled marks a request that ended by cancellation, local or
	// remote. It is a terminal outcome, not a fault.
	ErrCanceled = errors.New("rpc: request canceled")

	// ErrTooLarge is returned when an encoded request exceeds the size limit
	// and was never written.
	ErrTooLarge = errors.New("rpc: message too large")

	// ErrClosed is matched by every ClosedError.
	ErrClosed = errors.New("rpc: connection closed")

	// ErrUnknownKind is reported for requests no handler is registered for.
	ErrUnknownKind = errors.New("rpc: unknown request kind")
)

// RemoteError carries the message of an error response produced by the
// peer's handler.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "rpc: remote error: " + e.Message
}

// DroppedError reports that the peer rejected a request before dispatch.
type DroppedError struct {
	Reason DropReason
}

func (e *DroppedError) Error() string {
	return fmt.Sprintf("rpc: request dropped by peer: %s", e.Reason)
}

// ClosedError resolves requests still outstanding when the connection shuts
// down. Cause is nil for a clean shutdown.
type ClosedError struct {
	Cause error
}

func (e *ClosedError) Error() string {
	if e.Cause == nil {
		return ErrClosed.Error()
	}
	return fmt.Sprintf("%s: %v", ErrClosed, e.Cause)
}

func (e *ClosedError) Is(target error) bool {
	return target == ErrClosed
}

func (e *ClosedError) Unwrap() error {
	return e.Cause
}
