package calibration

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSessionRequestRejected is wrapped by every RejectedError
	ErrSessionRequestRejected = errors.New("session request rejected")

	// ErrProtocolViolation marks an operation issued in a state that does not
	// allow it
	ErrProtocolViolation = errors.New("session protocol violation")
)

// RejectedError carries the authority's rejection messages verbatim
type RejectedError struct {
	Op     string
	Errors []string
}

func (e *RejectedError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("%s rejected", e.Op)
	}
	return fmt.Sprintf("%s rejected: %s", e.Op, strings.Join(e.Errors, "; "))
}

func (e *RejectedError) Unwrap() error {
	return ErrSessionRequestRejected
}

func violation(op, reason string) error {
	return fmt.Errorf("%w: %s %s", ErrProtocolViolation, op, reason)
}
