package control

import "errors"

var (
	// ErrOutOfRange is returned when a channel value lies outside [0,255].
	ErrOutOfRange = errors.New("control: value out of range")

	// ErrNoPublisher is returned when a Publisher has no transport.
	ErrNoPublisher = errors.New("control: no publisher configured")
)
