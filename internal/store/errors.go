// Package store holds what the SQLite and PostgreSQL stores share.
package store

import "errors"

var (
	// ErrSessionNotRecording is returned when a terminal transition targets a
	// session that already left the recording status.
	ErrSessionNotRecording = errors.New("session is not recording")
	// ErrActionCodeConflict is returned when an action code could not be
	// allocated after repeated encoded-value collisions.
	ErrActionCodeConflict = errors.New("action code allocation conflict")
)

// MaxActionCodeAttempts bounds the insert/read-back loop used for action codes.
const MaxActionCodeAttempts = 5

// DefaultListLimit caps ListSessions when no limit is given.
const DefaultListLimit = 100
