package errors

import (
	"fmt"
)

// ErrorCode represents internal error codes for sync operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Recoverable sample-path errors (transient, handled locally)
	ErrCodeSampleRejected  ErrorCode = 1000
	ErrCodeExchangeTimeout ErrorCode = 1001
	ErrCodeBadFrame        ErrorCode = 1002
	ErrCodeHopExceeded     ErrorCode = 1003
	ErrCodeStaleGeneration ErrorCode = 1004
	ErrCodeInvalidArgument ErrorCode = 1005

	// State errors (caller misuse or degraded node)
	ErrCodeNotServer        ErrorCode = 2000
	ErrCodeNotSynchronized  ErrorCode = 2001
	ErrCodeRoleConflict     ErrorCode = 2002
	ErrCodeHoldoverExceeded ErrorCode = 2003
	ErrCodeTransportClosed  ErrorCode = 2004
	ErrCodeInternal         ErrorCode = 2005
)

// SyncError represents a structured error with code and context
type SyncError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// NewSyncError creates a new SyncError
func NewSyncError(code ErrorCode, message string, cause error) *SyncError {
	return &SyncError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *SyncError) WithDetail(key string, value interface{}) *SyncError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func SampleRejected(reason string, delayMicros int64) *SyncError {
	return NewSyncError(ErrCodeSampleRejected, fmt.Sprintf("sample rejected: %s", reason), nil).
		WithDetail("delay_us", delayMicros)
}

func ExchangeTimeout(peerID string, cause error) *SyncError {
	return NewSyncError(ErrCodeExchangeTimeout, fmt.Sprintf("beacon exchange with %s timed out", peerID), cause).
		WithDetail("peer_id", peerID)
}

func BadFrame(reason string) *SyncError {
	return NewSyncError(ErrCodeBadFrame, fmt.Sprintf("malformed frame: %s", reason), nil)
}

func HopExceeded(hop uint8, bound uint8) *SyncError {
	return NewSyncError(ErrCodeHopExceeded, fmt.Sprintf("beacon hop count %d exceeds bound %d", hop, bound), nil).
		WithDetail("hop_count", int(hop)).
		WithDetail("bound", int(bound))
}

func StaleGeneration(got, lastSeen uint32) *SyncError {
	return NewSyncError(ErrCodeStaleGeneration, fmt.Sprintf("generation %d is not newer than %d", got, lastSeen), nil).
		WithDetail("got_seq", got).
		WithDetail("last_seen_seq", lastSeen)
}

func InvalidArgument(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeInvalidArgument, message, cause)
}

func NotServer(role string) *SyncError {
	return NewSyncError(ErrCodeNotServer, fmt.Sprintf("operation requires SERVER role, node is %s", role), nil).
		WithDetail("role", role)
}

func NotSynchronized(state string) *SyncError {
	return NewSyncError(ErrCodeNotSynchronized, fmt.Sprintf("node is not synchronized (state %s)", state), nil).
		WithDetail("state", state)
}

func RoleConflict(localID, peerID string) *SyncError {
	return NewSyncError(ErrCodeRoleConflict, fmt.Sprintf("both %s and %s advertise SERVER", localID, peerID), nil).
		WithDetail("local_id", localID).
		WithDetail("peer_id", peerID)
}

func HoldoverExceeded(sinceMicros int64) *SyncError {
	return NewSyncError(ErrCodeHoldoverExceeded, fmt.Sprintf("holdover exceeded ceiling, last sample %d us ago", sinceMicros), nil).
		WithDetail("since_us", sinceMicros)
}

func TransportClosed(cause error) *SyncError {
	return NewSyncError(ErrCodeTransportClosed, "transport closed", cause)
}

func InternalError(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeInternal, message, cause)
}

// IsSyncError checks if an error is a SyncError
func IsSyncError(err error) bool {
	_, ok := err.(*SyncError)
	return ok
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if se, ok := err.(*SyncError); ok {
		return se.Code
	}
	return ErrCodeInternal
}

// IsTimeout reports whether the error is an exchange timeout. The sync
// task treats these as sample loss, never as a hard failure.
func IsTimeout(err error) bool {
	return GetCode(err) == ErrCodeExchangeTimeout
}
