package domain

import "errors"

var (
	// ErrNoRunnableSession rejects remote file and terminal operations while no
	// session is running.
	ErrNoRunnableSession = errors.New("no running session")
	// ErrSessionReplaced is returned when the session changed while a request
	// was in flight; the stale response is discarded.
	ErrSessionReplaced = errors.New("session replaced during request")
)
