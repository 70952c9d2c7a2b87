package wsapi

import (
	"net/http"

	"github.com/CK6170/labctl-go/internal/model"
)

func (s *Server) handleRunSequence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req RunSequenceRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	runCfg := model.SequenceRunConfig{
		TargetDeviceID: req.TargetDeviceID,
		Parameter:      req.Parameter,
		Repeat:         req.Repeat,
		RepeatCount:    req.RepeatCount,
	}

	var runID string
	var err error
	switch {
	case req.Definition != nil:
		runID, err = s.seqs.Run(*req.Definition, runCfg)
	case req.SequenceID != "":
		runID, err = s.seqs.RunByID(req.SequenceID, runCfg)
	default:
		err = model.NewCodedError("BAD_REQUEST", "sequenceId or definition is required")
	}
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusOK, RunSequenceResponse{RunID: runID})
}

func (s *Server) handleSequenceState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	runID := r.URL.Query().Get("runId")
	st, ok := s.seqs.GetState(runID)
	if !ok {
		s.writeError(w, http.StatusNotFound, model.NewCodedError(model.ErrSequenceNotFound, runID))
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) sequenceAction(w http.ResponseWriter, r *http.Request, fn func(runID string) error) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req struct {
		RunID string `json:"runId"`
	}
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := fn(req.RunID); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSequencePause(w http.ResponseWriter, r *http.Request) {
	s.sequenceAction(w, r, s.seqs.Pause)
}

func (s *Server) handleSequenceResume(w http.ResponseWriter, r *http.Request) {
	s.sequenceAction(w, r, s.seqs.Resume)
}

func (s *Server) handleSequenceAbort(w http.ResponseWriter, r *http.Request) {
	s.sequenceAction(w, r, s.seqs.Abort)
}
