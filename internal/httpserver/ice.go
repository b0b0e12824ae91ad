package httpserver

import (
	"net/http"

	"github.com/pion/webrtc/v4"

	"github.com/asistencia/signaling-relay/internal/turnrest"
)

type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET, OPTIONS")
		WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteError(w, http.StatusServiceUnavailable, "ice_config_invalid", err.Error())
		return
	}

	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	if s.turn != nil {
		creds, err := s.turn.GenerateRandom()
		if err != nil {
			s.log.Error("turn rest credential generation failed", "err", err)
			WriteError(w, http.StatusInternalServerError, "internal", "credential generation failed")
			return
		}
		servers = turnrest.Apply(servers, creds)
	}

	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, iceResponse{ICEServers: servers})
}
