package completion

import (
	"errors"
	"fmt"

	"github.com/ricochet1k/inlinecomplete/pkg/protocol"
)

var (
	// ErrDisabled is returned by Fetch and Stream while the provider is disabled.
	ErrDisabled = errors.New("completion disabled")

	// ErrDisposed is returned once the provider has been disposed.
	ErrDisposed = errors.New("completion provider disposed")

	// ErrStreamConsumed is returned when a token's stream is claimed or
	// iterated a second time.
	ErrStreamConsumed = errors.New("completion stream already consumed")

	errStreamExpired = errors.New("completion stream expired before it was claimed")
)

// BackendError is a failure reported by the completion backend.
type BackendError struct {
	Type      string
	Title     string
	Traceback string
}

func newBackendError(detail *protocol.ErrorDetail) *BackendError {
	return &BackendError{Type: detail.Type, Title: detail.Title, Traceback: detail.Traceback}
}

func (e *BackendError) Error() string {
	if e.Title != "" {
		return fmt.Sprintf("completion backend error %s: %s", e.Type, e.Title)
	}
	return fmt.Sprintf("completion backend error %s", e.Type)
}

// ProtocolViolationError reports a stream chunk the provider cannot route.
// It means the backend and client disagree about which streams exist.
type ProtocolViolationError struct {
	Reason  string
	Token   string
	ReplyTo int64
}

func (e *ProtocolViolationError) Error() string {
	if e.Token != "" {
		return fmt.Sprintf("protocol violation: %s (token %q, reply_to %d)", e.Reason, e.Token, e.ReplyTo)
	}
	return fmt.Sprintf("protocol violation: %s (reply_to %d)", e.Reason, e.ReplyTo)
}
