package wsapi

import (
	"net/http"

	"github.com/CK6170/labctl-go/internal/model"
)

func (s *Server) handleStartTriggerScript(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req StartTriggerScriptRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	script, ok := s.lib.GetScript(req.ScriptID)
	if !ok {
		s.writeError(w, http.StatusNotFound, model.NewCodedError("SCRIPT_NOT_FOUND", req.ScriptID))
		return
	}
	scriptID, err := s.triggers.Start(script)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusOK, StartTriggerScriptResponse{ScriptID: scriptID})
}

func (s *Server) handleTriggerState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	scriptID := r.URL.Query().Get("scriptId")
	st, ok := s.triggers.GetState(scriptID)
	if !ok {
		s.writeError(w, http.StatusNotFound, model.NewCodedError("TRIGGER_SCRIPT_NOT_RUNNING", scriptID))
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) triggerAction(w http.ResponseWriter, r *http.Request, fn func(scriptID string) error) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req struct {
		ScriptID string `json:"scriptId"`
	}
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := fn(req.ScriptID); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleTriggerPause(w http.ResponseWriter, r *http.Request) {
	s.triggerAction(w, r, s.triggers.Pause)
}

func (s *Server) handleTriggerResume(w http.ResponseWriter, r *http.Request) {
	s.triggerAction(w, r, s.triggers.Resume)
}

func (s *Server) handleTriggerStop(w http.ResponseWriter, r *http.Request) {
	s.triggerAction(w, r, s.triggers.Stop)
}
