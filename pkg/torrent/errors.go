package torrent

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrInvalidLayout  = errors.New("invalid piece layout")
	ErrPieceIndex     = errors.New("piece index out of range")
	ErrPieceLength    = errors.New("wrong piece length")
	ErrSessionClosed  = errors.New("session closed")
	ErrInvalidOptions = errors.New("invalid swarm options")
	ErrUnknownPeer    = errors.New("local peer id not in peer list")
)

// ValidationError wraps sentinel errors with custom messages.
type ValidationError struct {
	Type    error  // Sentinel error type
	Field   string // Field that caused the error
	Message string // Custom message
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%v in field '%s': %s", e.Type, e.Field, e.Message)
	}

	return fmt.Sprintf("%v: %s", e.Type, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Type
}

// Helper function to create validation errors.
func newValidationError(errType error, field, message string) *ValidationError {
	return &ValidationError{
		Type:    errType,
		Field:   field,
		Message: message,
	}
}
