// Package telemetry holds the sensor reading model, its wire decoder and the
// bounded in-memory history that feeds the live display.
//
// Readings arrive on esp32/sensor/dht as a JSON object:
//
//	{"temperature": 21.5, "humidity": 48.0}
//
// The payload carries no timestamp; the receiver stamps the time of receipt.
// Decode is pure and never panics, so a malformed payload costs one logged
// error and nothing else.
//
// History is a fixed-capacity ring. Append evicts the oldest reading once the
// ring is full and Snapshot returns a copy in arrival order:
//
//	h := telemetry.NewHistory(20)
//	h.Append(reading)
//	for _, r := range h.Snapshot() {
//	    fmt.Println(r.Temperature, r.Humidity)
//	}
package telemetry
