package receive

import "errors"

var (
	// Message already persisted; safe to drop without processing.
	ErrDuplicateMessage = errors.New("receive: duplicate message")
	// Message sent by the local user and its type does not sync.
	ErrSelfSend       = errors.New("receive: self-send")
	ErrBlockedSender  = errors.New("receive: sender is blocked")
	ErrInvalidMessage = errors.New("receive: invalid message")
	// Conversation was removed by a newer synced config.
	ErrOutdatedMessage = errors.New("receive: message outdated by config")
	ErrNoThread        = errors.New("receive: no thread for message")
	ErrHiddenSender    = errors.New("receive: sender is hidden")
)

// Error classifies a handling failure. Retryable failures fail the enclosing
// batch so it runs again; the rest are dropped.
type Error struct {
	Err       error
	Retryable bool
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func retryable(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Err: err, Retryable: true}
}

func discard(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Err: err, Retryable: false}
}

// IsRetryable reports whether a failure should be retried. Unclassified
// errors default to retryable, matching how storage errors behave.
func IsRetryable(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Retryable
	}
	switch {
	case errors.Is(err, ErrDuplicateMessage),
		errors.Is(err, ErrSelfSend),
		errors.Is(err, ErrBlockedSender),
		errors.Is(err, ErrInvalidMessage),
		errors.Is(err, ErrOutdatedMessage),
		errors.Is(err, ErrNoThread),
		errors.Is(err, ErrHiddenSender):
		return false
	}
	return true
}
