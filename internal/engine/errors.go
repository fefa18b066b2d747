package engine

import "errors"

var (
	ErrDuplicateName  = errors.New("duplicate name")
	ErrNotFound       = errors.New("not found")
	ErrInvalidRange   = errors.New("invalid range")
	ErrInvalidState   = errors.New("invalid state")
	ErrUnknownCounter = errors.New("unknown counter")
)
