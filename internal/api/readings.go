package api

import (
	"net/http"

	"github.com/esp32panel/panel-core/internal/telemetry"
)

// ReadingsResponse is the retained history, oldest first.
type ReadingsResponse struct {
	Capacity int                       `json:"capacity"`
	Count    int                       `json:"count"`
	Readings []telemetry.SensorReading `json:"readings"`
	Latest   *telemetry.SensorReading  `json:"latest,omitempty"`
}

func newReadingsResponse(snap []telemetry.SensorReading, capacity int) ReadingsResponse {
	if snap == nil {
		snap = []telemetry.SensorReading{}
	}
	resp := ReadingsResponse{
		Capacity: capacity,
		Count:    len(snap),
		Readings: snap,
	}
	if n := len(snap); n > 0 {
		latest := snap[n-1]
		resp.Latest = &latest
	}
	return resp
}

// handleGetReadings returns the reading history.
func (s *Server) handleGetReadings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newReadingsResponse(s.session.Readings(), s.session.HistoryCapacity()))
}
