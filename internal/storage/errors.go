package storage

import "errors"

// ErrNoEvents is returned when the journal holds no events for a session.
var ErrNoEvents = errors.New("no events found")
