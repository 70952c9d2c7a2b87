package wsapi

import (
	"net/http"

	"github.com/CK6170/labctl-go/internal/driver"
	"github.com/CK6170/labctl-go/internal/model"
)

// handleListDevices returns every tracked session's current state.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, http.StatusOK, DevicesResponse{Devices: s.sessions.GetDeviceSummaries()})
}

// handleConnectDevice connects one of the in-memory simulated profiles
// (bus discovery connects real hardware the same way) and subscribes the
// hub to its broadcast bus so the new device's measurement/field/error
// messages reach WebSocket clients.
func (s *Server) handleConnectDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req ConnectDeviceRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.DeviceID == "" {
		s.writeError(w, http.StatusBadRequest, model.NewCodedError("BAD_REQUEST", "deviceId is required"))
		return
	}

	var d driver.Driver
	switch model.DeviceKind(req.Profile) {
	case model.KindElectronicLoad:
		d = driver.NewSimulatedElectronicLoad(req.DeviceID, req.Seed)
	default:
		d = driver.NewSimulatedPowerSupply(req.DeviceID, req.Seed)
	}

	dev, err := s.sessions.Connect(r.Context(), req.DeviceID, d)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	dev.Subscribe(hubClientID, s.relay)

	s.writeJSON(w, http.StatusOK, dev.GetState())
}

func (s *Server) handleDisconnectDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req struct {
		DeviceID string `json:"deviceId"`
	}
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.sessions.Disconnect(req.DeviceID); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req struct {
		DeviceID string `json:"deviceId"`
		SetModeRequest
	}
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.sessions.SetMode(req.DeviceID, req.Mode); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSetOutput(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req struct {
		DeviceID string `json:"deviceId"`
		SetOutputRequest
	}
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.sessions.SetOutput(req.DeviceID, req.Enabled); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSetValue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req struct {
		DeviceID string `json:"deviceId"`
		SetValueRequest
	}
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.sessions.SetValue(req.DeviceID, req.Parameter, req.Value, req.Immediate); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
