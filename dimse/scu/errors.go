package scu

import (
	"fmt"

	"github.com/cyverse-de/dicom-adapter/dimse/pdu"
)

// RejectedError is an A-ASSOCIATE-RJ from the peer.
type RejectedError struct {
	Result byte
	Source byte
	Reason byte
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("association rejected: %s", pdu.RejectReasonString(e.Source, e.Reason))
}

// AbortedError is an A-ABORT from the peer.
type AbortedError struct {
	Source byte
	Reason byte
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("association aborted: source %d reason %d", e.Source, e.Reason)
}

// SocketError wraps connection-level failures.
type SocketError struct {
	Err error
}

func (e *SocketError) Error() string {
	return fmt.Sprintf("association I/O: %v", e.Err)
}

func (e *SocketError) Unwrap() error {
	return e.Err
}

// StatusError is a non-Success DIMSE response status.
type StatusError struct {
	Status uint16
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("C-STORE failed with status 0x%04x", e.Status)
}

// Classify names the failure class for logs: aborted, rejected, socket, or
// other.
func Classify(err error) string {
	switch err.(type) {
	case *AbortedError:
		return "association aborted"
	case *RejectedError:
		return "association rejected"
	case *SocketError:
		return "socket"
	default:
		return "other"
	}
}
