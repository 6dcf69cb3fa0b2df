package coedit

import (
	"errors"
)

var (
	// rejected arguments, no state change
	ErrInvalidArgument = errors.New("Invalid argument.")
	// membership invariant violations, no state change
	ErrIllegalState = errors.New("Illegal state.")

	ErrNotShared     = errors.New("Resource is not shared.")
	ErrSessionClosed = errors.New("Session closed.")

	// bookkeeping errors; fatal to the affected document only
	ErrVectorTime          = errors.New("Vector time mismatch.")
	ErrOperationOutOfRange = errors.New("Operation out of range.")
	ErrOperationMismatch   = errors.New("Operation does not match document.")
	ErrDocumentFailed      = errors.New("Document is waiting for resync.")

	// transport errors; escalate to session teardown
	ErrSequenceGap = errors.New("Sequence gap timeout.")
	ErrSendFailed  = errors.New("Send failed.")
)
