package core

import (
	"errors"
	"fmt"
)

// MsgMissingParameters is the client-visible text for a request without prompt or user.
const MsgMissingParameters = "Missing required parameters: prompt or user"

var ErrFirstFragmentTimeout = errors.New("timed out waiting for the first response fragment")

// ValidationError reports a malformed or incomplete request. No upstream call is made.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// AttachmentError reports an attachment that violates the count, size or type rules.
type AttachmentError struct {
	Filename string
	Reason   string
}

func (e *AttachmentError) Error() string {
	if e.Filename == "" {
		return fmt.Sprintf("attachment rejected: %s", e.Reason)
	}
	return fmt.Sprintf("attachment %q rejected: %s", e.Filename, e.Reason)
}

// ThreadResolutionError is logged when a requested thread cannot be used and a new one is created instead.
type ThreadResolutionError struct {
	ThreadID string
	Err      error
}

func (e *ThreadResolutionError) Error() string {
	return fmt.Sprintf("could not resolve thread %s: %v", e.ThreadID, e.Err)
}

func (e *ThreadResolutionError) Unwrap() error { return e.Err }

// ProviderError wraps an upstream failure. Started is true once a fragment reached the client.
type ProviderError struct {
	Provider string
	Started  bool
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// TransportError means the client went away. It is never reported to the client.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("client disconnected: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsClientError reports whether err should be answered with a 4xx status.
func IsClientError(err error) bool {
	var ve *ValidationError
	var ae *AttachmentError
	return errors.As(err, &ve) || errors.As(err, &ae)
}
