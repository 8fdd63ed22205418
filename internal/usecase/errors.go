package usecase

import "errors"

var (
	ErrClientNotFound    = errors.New("client not found")
	ErrNoActiveClient    = errors.New("no active client")
	ErrInvalidTransition = errors.New("invalid server state transition")
	ErrBridgeStopped     = errors.New("bridge is not running")
)
