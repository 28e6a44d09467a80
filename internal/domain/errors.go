package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrRemoteUnavailable   = errors.New("remote worker unavailable")
	ErrConflict            = errors.New("transaction conflict")
)
