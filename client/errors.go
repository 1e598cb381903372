package client

import (
	"errors"
	"fmt"
)

var (
	// ErrFileRead matches every *FileReadError.
	ErrFileRead = errors.New("file read failed")
	// ErrUploadFailed matches a failed search upload.
	ErrUploadFailed = errors.New("upload failed")
	// ErrSplitFailed matches a failed split upload.
	ErrSplitFailed = errors.New("split failed")
	// ErrRequestCancelled is returned when the caller cancels before the response arrives.
	ErrRequestCancelled = errors.New("request cancelled")
	// ErrRequestCancelledByServer is returned when a successful response reports cancellation.
	ErrRequestCancelledByServer = errors.New("request cancelled by server")
	// ErrMissingRequestID is returned by Cancel when no id is given.
	ErrMissingRequestID = errors.New("missing request id")
	// ErrEmptyImage is returned when an operation is called without an encoded image.
	ErrEmptyImage = errors.New("empty image")
	// ErrSessionUsed is returned when a session is asked to run a second operation.
	ErrSessionUsed = errors.New("session already used")
)

// FileReadError is returned when a local image cannot be read or encoded.
type FileReadError struct {
	Path  string
	Cause error
}

func (e *FileReadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("read image: %v", e.Cause)
	}
	return fmt.Sprintf("read image %s: %v", e.Path, e.Cause)
}

func (e *FileReadError) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, ErrFileRead) match.
func (e *FileReadError) Is(target error) bool { return target == ErrFileRead }

// UploadError is returned when the remote call fails at the transport or HTTP level.
// StatusCode is zero when no response was received.
type UploadError struct {
	Op         string // "search" or "split"
	StatusCode int
	Message    string
	Cause      error
}

func (e *UploadError) Error() string {
	msg := e.Op + " failed"
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *UploadError) Unwrap() error { return e.Cause }

// Is matches ErrSplitFailed for split uploads and ErrUploadFailed otherwise.
func (e *UploadError) Is(target error) bool {
	if e.Op == opSplit {
		return target == ErrSplitFailed
	}
	return target == ErrUploadFailed
}

// cancelledError joins ErrRequestCancelled with the context error that caused it.
func cancelledError(cause error) error {
	if cause == nil {
		return ErrRequestCancelled
	}
	return fmt.Errorf("%w: %w", ErrRequestCancelled, cause)
}
