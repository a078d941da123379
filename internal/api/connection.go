package api

import (
	"errors"
	"net/http"

	"github.com/esp32panel/panel-core/internal/infrastructure/mqtt"
	"github.com/esp32panel/panel-core/internal/session"
)

// StateResponse describes the broker session.
type StateResponse struct {
	State     mqtt.ConnectionState `json:"state"`
	Connected bool                 `json:"connected"`
	ClientID  string               `json:"client_id"`
	LastError string               `json:"last_error,omitempty"`
}

func (s *Server) stateResponse(state mqtt.ConnectionState) StateResponse {
	resp := StateResponse{
		State:     state,
		Connected: state == mqtt.StateConnected,
		ClientID:  s.session.ClientID(),
	}
	if err := s.session.LastError(); err != nil {
		resp.LastError = err.Error()
	}
	return resp
}

// handleGetState returns the current connection state.
func (s *Server) handleGetState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.stateResponse(s.session.State()))
}

// handleConnect connects to the broker and subscribes to sensor telemetry.
// It is safe to call while connected; the subscription is not duplicated.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	err := s.session.ConnectAndSubscribe(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.stateResponse(s.session.State()))
	case errors.Is(err, session.ErrSessionClosed):
		writeUnavailable(w, "session is shut down")
	default:
		s.logger.Warn("connect request failed", "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeConnectionFailed, err.Error())
	}
}
