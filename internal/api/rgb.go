package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/esp32panel/panel-core/internal/control"
	"github.com/esp32panel/panel-core/internal/infrastructure/mqtt"
	"github.com/esp32panel/panel-core/internal/session"
)

// RGBResponse reports a sent command.
type RGBResponse struct {
	Command control.RGBCommand `json:"command"`
	Saved   bool               `json:"saved"`
}

// handleSendRGB publishes an RGB command and remembers it as the preference.
// Omitted fields take their defaults (channels 0, brightness 100).
func (s *Server) handleSendRGB(w http.ResponseWriter, r *http.Request) {
	cmd := control.DefaultRGB()
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if err := cmd.Validate(); err != nil {
		writeValidationError(w, err.Error())
		return
	}

	if err := s.session.SendCommand(cmd); err != nil {
		switch {
		case errors.Is(err, mqtt.ErrNotConnected):
			writeError(w, http.StatusConflict, ErrCodeNotConnected, "not connected to broker")
		case errors.Is(err, session.ErrSessionClosed):
			writeUnavailable(w, "session is shut down")
		default:
			s.logger.Warn("rgb command failed", "error", err)
			writeError(w, http.StatusBadGateway, ErrCodeConnectionFailed, err.Error())
		}
		return
	}

	resp := RGBResponse{Command: cmd}
	if s.settings != nil {
		if err := s.settings.Save(r.Context(), cmd); err != nil {
			s.logger.Warn("saving rgb preference failed", "error", err)
		} else {
			resp.Saved = true
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetRGBSettings returns the remembered slider positions.
func (s *Server) handleGetRGBSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeJSON(w, http.StatusOK, control.DefaultRGB())
		return
	}

	cmd, err := s.settings.Load(r.Context())
	if err != nil {
		s.logger.Error("loading rgb preference failed", "error", err)
		writeInternalError(w, "failed to load rgb settings")
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}
