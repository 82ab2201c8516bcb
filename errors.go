package chatsync

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAuthenticated is returned when no durable identity is signed in.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrNoRealtimeSession is returned when the realtime identity is missing.
	ErrNoRealtimeSession = errors.New("no realtime session")
	// ErrEmptyMessage is returned for a send with neither content nor attachments.
	ErrEmptyMessage = errors.New("message has no content")
	// ErrNoRecipient is returned when the counterpart of a send cannot be determined.
	ErrNoRecipient = errors.New("message has no recipient")
	// ErrUnknownMessage is returned by Retry/Discard for an id that is not pending.
	ErrUnknownMessage = errors.New("unknown optimistic message")
	// ErrNotRetryable is returned by Retry when the message has not failed.
	ErrNotRetryable = errors.New("message is not in failed state")
	// ErrNoActiveRoom is returned when an operation needs a selected room.
	ErrNoActiveRoom = errors.New("no active room")
	// ErrNotConnected is returned by network stores before a connection exists.
	ErrNotConnected = errors.New("not connected")
	// ErrCaseNotFound is returned by case lookups for an unknown case.
	ErrCaseNotFound = errors.New("case not found")
	// ErrUserNotFound is returned by translators for an unknown user.
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidEmail is returned when an email request fails validation.
	ErrInvalidEmail = errors.New("invalid email request")
)

// SendError is returned when a message could not be written to the realtime
// store. The optimistic copy is kept in failed state until retried or
// discarded.
type SendError struct {
	OptimisticID string
	Room         RoomID
	// Content is the text to restore into the composer.
	Content   string
	Retryable bool
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to room %s failed: %v", e.Room, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient send failure.
func IsRetryable(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Retryable
}

// APIError is a non-2xx response from the durable REST API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("api error: HTTP %d: %s", e.StatusCode, e.Message)
}
