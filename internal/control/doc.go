// Package control turns RGB lighting commands into MQTT publishes.
//
// A command is four integers in [0,255]:
//
//	{"red": 255, "green": 0, "blue": 0, "brightness": 128}
//
// Publishing is at-most-once. A failure (not connected, broker error) is
// returned to the caller and never retried; the next slider change simply
// sends the current values again.
package control
