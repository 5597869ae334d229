package room

import "errors"

var (
	// ErrValidation marks a malformed or out-of-window frame.
	ErrValidation = errors.New("validation failed")
	// ErrHandler marks a failure inside a frame handler.
	ErrHandler = errors.New("handler failed")
	// ErrSend marks a failed send to one recipient.
	ErrSend = errors.New("send failed")
	// ErrNoChannel is returned when no open channel exists for a recipient.
	ErrNoChannel = errors.New("no open channel")
	// ErrNoLeader is returned by intents that need a leader connection.
	ErrNoLeader = errors.New("no leader connection")
	// ErrRateLimited is returned by Send when messages come too fast.
	ErrRateLimited = errors.New("sending too fast")
	// ErrEmptyMessage is returned by Send for blank content.
	ErrEmptyMessage = errors.New("empty message")
	// ErrStopped is returned by intents once the node has stopped.
	ErrStopped = errors.New("node stopped")
)
