package session

import "errors"

var (
	// ErrDisplayNotFound is returned for handles the session never issued or
	// already removed
	ErrDisplayNotFound = errors.New("display not found")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("session closed")
)
