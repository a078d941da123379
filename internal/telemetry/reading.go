package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Wire field names of the inbound payload.
const (
	FieldTemperature = "temperature"
	FieldHumidity    = "humidity"
)

// SensorReading is one temperature/humidity sample.
//
// Temperature is in degrees Celsius and Humidity in percent relative humidity.
// ObservedAt is the time the panel received the message, not a device clock.
type SensorReading struct {
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	ObservedAt  time.Time `json:"observed_at"`
}

// Decode parses a sensor payload into a SensorReading stamped with receivedAt.
//
// The payload must be a JSON object holding numeric temperature and humidity
// fields. Unknown fields are ignored. Errors wrap ErrInvalidPayload,
// ErrMissingField or ErrInvalidField.
func Decode(payload []byte, receivedAt time.Time) (SensorReading, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return SensorReading{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if fields == nil {
		return SensorReading{}, fmt.Errorf("%w: payload is null", ErrInvalidPayload)
	}

	temperature, err := numberField(fields, FieldTemperature)
	if err != nil {
		return SensorReading{}, err
	}
	humidity, err := numberField(fields, FieldHumidity)
	if err != nil {
		return SensorReading{}, err
	}

	return SensorReading{
		Temperature: temperature,
		Humidity:    humidity,
		ObservedAt:  receivedAt,
	}, nil
}

func numberField(fields map[string]json.RawMessage, name string) (float64, error) {
	raw, ok := fields[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingField, name)
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return 0, fmt.Errorf("%w: %s is null", ErrInvalidField, name)
	}

	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("%w: %s is not a number: %s", ErrInvalidField, name, raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s is not finite", ErrInvalidField, name)
	}
	return v, nil
}
