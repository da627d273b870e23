package repository

import "errors"

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a write collides with an existing row.
	ErrConflict = errors.New("record conflicts with an existing row")
	// ErrStateChanged is returned when a session is no longer in the status a write requires.
	ErrStateChanged = errors.New("session status changed")
)
