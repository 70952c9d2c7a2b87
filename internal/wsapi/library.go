package wsapi

import (
	"net/http"

	"github.com/CK6170/labctl-go/internal/model"
)

func (s *Server) handleLibrarySequences(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, s.lib.ListSequences())
	case http.MethodPost:
		var def model.SequenceDefinition
		if err := s.readJSON(r, &def); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		saved, err := s.lib.SaveSequence(def)
		if err != nil {
			s.writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		s.writeJSON(w, http.StatusOK, saved)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleDeleteLibrarySequence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.lib.DeleteSequence(req.ID); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleLibraryScripts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, s.lib.ListScripts())
	case http.MethodPost:
		var script model.TriggerScript
		if err := s.readJSON(r, &script); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		saved, err := s.lib.SaveScript(script)
		if err != nil {
			s.writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		s.writeJSON(w, http.StatusOK, saved)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleDeleteLibraryScript(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.lib.DeleteScript(req.ID); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleLibraryAliases(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, s.lib.ListAliases())
	case http.MethodPost:
		var req SetAliasRequest
		if err := s.readJSON(r, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.lib.SetAlias(req.DeviceID, req.Alias); err != nil {
			s.writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	default:
		http.NotFound(w, r)
	}
}
