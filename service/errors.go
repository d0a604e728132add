package service

import "errors"

var (
	// ErrAlreadyBroadcasting is the contention error surfaced to a Start
	// caller while another session holds the active slot. Callers must not
	// retry automatically.
	ErrAlreadyBroadcasting = errors.New("someone else is already broadcasting")

	// ErrNotActiveOrUnknown is returned by Stop for sessions that do not
	// exist or have already ended. Repeat Stop calls fail with it cleanly.
	ErrNotActiveOrUnknown = errors.New("session is not active or unknown")

	// ErrUnknownSession is returned by AppendChunk when the session id has
	// never existed (or was deleted by retention).
	ErrUnknownSession = errors.New("unknown session")

	// ErrLostOwnership halts a capture pipeline whose session slot was
	// taken over or released underneath it.
	ErrLostOwnership = errors.New("broadcast slot ownership lost")

	// ErrNotAuthorized is returned when the caller is not an authorized
	// broadcaster.
	ErrNotAuthorized = errors.New("caller is not an authorized broadcaster")
)
