package protocol

import (
	"errors"
	"fmt"
)

// Core protocol errors
var (
	ErrInvalidState      = errors.New("invalid state")
	ErrTimeout           = errors.New("operation timed out")
	ErrChannelClosed     = errors.New("channel is closed")
	ErrListenerClosed    = errors.New("listener is closed")
	ErrFrameTooLarge     = errors.New("frame too large")
	ErrInvalidMessage    = errors.New("invalid message")
	ErrDuplicateIdentity = errors.New("duplicate identity")
	ErrDuplicateRole     = errors.New("duplicate role")
	ErrIdentityMismatch  = errors.New("identity mismatch")
	ErrRejected          = errors.New("rejected by peer")

	ErrTransportNotSupported = errors.New("transport not supported")
)

// ChannelError is returned when I/O on a channel fails. The channel is closed by the
// time the error is observed, so every ChannelError also matches ErrChannelClosed.
type ChannelError struct {
	Op      string
	Channel string
	Err     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %s: %v", e.Channel, e.Op, e.Err)
}

func (e *ChannelError) Unwrap() []error {
	return []error{ErrChannelClosed, e.Err}
}

// ErrorCode identifies a failure on the wire, e.g. in a reject message.
type ErrorCode string

const (
	CodeDuplicateIdentity ErrorCode = "duplicate_identity"
	CodeDuplicateRole     ErrorCode = "duplicate_role"
	CodeIdentityMismatch  ErrorCode = "identity_mismatch"
	CodeInvalidState      ErrorCode = "invalid_state"
	CodeInvalidMessage    ErrorCode = "invalid_message"
	CodeTimeout           ErrorCode = "timeout"
	CodeInternal          ErrorCode = "internal"
)

// Error represents a protocol-specific error carrying a wire code.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %v", e.Message, e.Code, e.Cause)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProtocolError creates a new protocol error
func NewProtocolError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

var codeErrors = []struct {
	code ErrorCode
	err  error
}{
	{CodeDuplicateIdentity, ErrDuplicateIdentity},
	{CodeDuplicateRole, ErrDuplicateRole},
	{CodeIdentityMismatch, ErrIdentityMismatch},
	{CodeInvalidState, ErrInvalidState},
	{CodeInvalidMessage, ErrInvalidMessage},
	{CodeTimeout, ErrTimeout},
}

// RejectCode maps an error onto the code sent in a reject message.
func RejectCode(err error) ErrorCode {
	var protocolErr *Error
	if errors.As(err, &protocolErr) {
		return protocolErr.Code
	}
	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			return ce.code
		}
	}
	return CodeInternal
}

// ErrorFromCode rebuilds an error from a reject message so that errors.Is matches
// the same sentinel on both ends.
func ErrorFromCode(code ErrorCode, reason string) *Error {
	cause := ErrRejected
	for _, ce := range codeErrors {
		if ce.code == code {
			cause = ce.err
			break
		}
	}
	return NewProtocolError(code, reason, cause)
}
