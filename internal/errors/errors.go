package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	Is     = errors.Is
	As     = errors.As
	New    = errors.New
	Unwrap = errors.Unwrap
)

type ErrorCategory string

const (
	CategoryNetwork   ErrorCategory = "NETWORK"   // Connection issues
	CategoryHandshake ErrorCategory = "HANDSHAKE" // Bad or missing handshake
	CategoryProtocol  ErrorCategory = "PROTOCOL"  // Peer broke the message rules
	CategoryIO        ErrorCategory = "IO"        // File system issues
	CategoryConfig    ErrorCategory = "CONFIG"    // Invalid configuration
	CategoryContext   ErrorCategory = "CONTEXT"   // Context cancellation
	CategoryUnknown   ErrorCategory = "UNKNOWN"   // Unclassified errors
)

// SwarmError is an error raised while running the swarm. Fatal errors
// stop the whole process; the rest end only the session they occur in.
type SwarmError struct {
	Err       error         // Original error
	Category  ErrorCategory // General category
	Fatal     bool          // Whether the process must stop
	Timestamp time.Time     // When the error occurred
	Op        string        // What was being done
	PeerID    uint32        // Remote peer involved, 0 when none
	Details   map[string]interface{}
}

// Error implements the error interface
func (e *SwarmError) Error() string {
	if e.PeerID != 0 {
		return fmt.Sprintf("[%s] %s (peer %d): %v", e.Category, e.Op, e.PeerID, e.Err)
	}

	return fmt.Sprintf("[%s] %s: %v", e.Category, e.Op, e.Err)
}

// Unwrap provides the underlying cause for error unwrapping (compatible with errors.As)
func (e *SwarmError) Unwrap() error {
	return e.Err
}

// Common sentinel errors
var (
	ErrProtocolViolation = New("protocol violation")
	ErrConnectLowerPeer  = New("cannot connect to lower-numbered peer")
	ErrListen            = New("listener failed")
	ErrInvalidConfig     = New("invalid configuration")
)

func newError(err error, category ErrorCategory, op string, peerID uint32, fatal bool) *SwarmError {
	return &SwarmError{
		Err:       err,
		Category:  category,
		Fatal:     fatal,
		Timestamp: time.Now(),
		Op:        op,
		PeerID:    peerID,
	}
}

// NewNetworkError creates a network-related error
func NewNetworkError(err error, op string, peerID uint32, fatal bool) *SwarmError {
	return newError(err, CategoryNetwork, op, peerID, fatal)
}

// NewHandshakeError creates a handshake error. Handshake failures only
// ever abandon the one connection.
func NewHandshakeError(err error, op string) *SwarmError {
	return newError(err, CategoryHandshake, op, 0, false)
}

// NewProtocolError creates an error for a peer that broke the protocol.
// It wraps ErrProtocolViolation so callers can match on it.
func NewProtocolError(msg string, peerID uint32) *SwarmError {
	return newError(fmt.Errorf("%w: %s", ErrProtocolViolation, msg), CategoryProtocol, "handle packet", peerID, false)
}

// NewIOError creates an I/O related error
func NewIOError(err error, resource string) *SwarmError {
	return newError(err, CategoryIO, resource, 0, true)
}

// NewConfigError creates a configuration error
func NewConfigError(err error, field string) *SwarmError {
	return newError(fmt.Errorf("%w: %w", ErrInvalidConfig, err), CategoryConfig, field, 0, true)
}

// NewContextError creates a context cancellation error
func NewContextError(err error, op string) *SwarmError {
	return newError(err, CategoryContext, op, 0, false)
}

// IsFatal reports whether err must stop the process.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var swarmErr *SwarmError
	if As(err, &swarmErr) {
		return swarmErr.Fatal
	}

	return false
}

// IsNetworkError determines if the error is network-related
func IsNetworkError(err error) bool {
	return hasCategory(err, CategoryNetwork)
}

// IsHandshakeError determines if the error came from the handshake
func IsHandshakeError(err error) bool {
	return hasCategory(err, CategoryHandshake)
}

// IsProtocolError determines if the error is a protocol violation
func IsProtocolError(err error) bool {
	return hasCategory(err, CategoryProtocol)
}

// IsIOError determines if the error is I/O related
func IsIOError(err error) bool {
	return hasCategory(err, CategoryIO)
}

func hasCategory(err error, c ErrorCategory) bool {
	var swarmErr *SwarmError
	return As(err, &swarmErr) && swarmErr.Category == c
}

// WithDetails adds additional context to a SwarmError
func WithDetails(err error, details map[string]interface{}) error {
	var swarmErr *SwarmError
	if !As(err, &swarmErr) {
		return err
	}

	if swarmErr.Details == nil {
		swarmErr.Details = make(map[string]interface{})
	}

	for k, v := range details {
		swarmErr.Details[k] = v
	}

	return swarmErr
}
