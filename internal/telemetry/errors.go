package telemetry

import "errors"

// Decode errors. Each is wrapped with detail about the offending payload.
var (
	// ErrInvalidPayload is returned when the payload is not a JSON object.
	ErrInvalidPayload = errors.New("telemetry: invalid payload")

	// ErrMissingField is returned when temperature or humidity is absent.
	ErrMissingField = errors.New("telemetry: missing field")

	// ErrInvalidField is returned when a field is present but not a finite number.
	ErrInvalidField = errors.New("telemetry: invalid field")
)
