// Package wsapi is the REST + WebSocket surface: a JSON API binding the
// session, sequence, trigger, and library subsystems, and a WebSocket hub
// streaming their broadcast messages to any number of UI clients.
package wsapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/CK6170/labctl-go/internal/bus"
	"github.com/CK6170/labctl-go/internal/library"
	"github.com/CK6170/labctl-go/internal/sequence"
	"github.com/CK6170/labctl-go/internal/session"
	"github.com/CK6170/labctl-go/internal/trigger"
)

const hubClientID = "wsapi-hub"

// Server binds the four core subsystems to an http.Handler. One Server
// per process.
type Server struct {
	mux *http.ServeMux
	log *logrus.Entry

	sessions *session.Manager
	seqs     *sequence.Manager
	triggers *trigger.Manager
	lib      *library.Store

	seqBus  *bus.Bus
	trigBus *bus.Bus

	// wsHub is the outbound fan-out to WebSocket clients: every subsystem
	// bus relays into it, and each connection subscribes with its own
	// bounded queue (drop-oldest on overflow) so one slow client cannot
	// stall the publishers.
	wsHub *bus.Bus
	relay bus.Callback
}

// New wires a Server over the given subsystems. seqBus/trigBus are the
// shared buses sequence.Manager/trigger.Manager's runs were constructed
// with; the Server subscribes its hub to them, and to each device
// session's own bus as devices connect, so every broadcast message kind
// reaches every connected WebSocket client.
func New(sessions *session.Manager, seqs *sequence.Manager, triggers *trigger.Manager, lib *library.Store, seqBus, trigBus *bus.Bus, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		mux:      http.NewServeMux(),
		log:      log,
		sessions: sessions,
		seqs:     seqs,
		triggers: triggers,
		lib:      lib,
		seqBus:   seqBus,
		trigBus:  trigBus,
		wsHub:    bus.New(log),
	}

	s.relay = func(m bus.Message) {
		s.wsHub.Publish(m)
	}
	if seqBus != nil {
		seqBus.Subscribe(hubClientID, s.relay)
	}
	if trigBus != nil {
		trigBus.Subscribe(hubClientID, s.relay)
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)

	s.mux.HandleFunc("/api/devices", s.handleListDevices)
	s.mux.HandleFunc("/api/devices/connect", s.handleConnectDevice)
	s.mux.HandleFunc("/api/devices/disconnect", s.handleDisconnectDevice)
	s.mux.HandleFunc("/api/devices/mode", s.handleSetMode)
	s.mux.HandleFunc("/api/devices/output", s.handleSetOutput)
	s.mux.HandleFunc("/api/devices/value", s.handleSetValue)

	s.mux.HandleFunc("/api/library/sequences", s.handleLibrarySequences)
	s.mux.HandleFunc("/api/library/sequences/delete", s.handleDeleteLibrarySequence)
	s.mux.HandleFunc("/api/library/scripts", s.handleLibraryScripts)
	s.mux.HandleFunc("/api/library/scripts/delete", s.handleDeleteLibraryScript)
	s.mux.HandleFunc("/api/library/aliases", s.handleLibraryAliases)

	s.mux.HandleFunc("/api/sequences/run", s.handleRunSequence)
	s.mux.HandleFunc("/api/sequences/state", s.handleSequenceState)
	s.mux.HandleFunc("/api/sequences/pause", s.handleSequencePause)
	s.mux.HandleFunc("/api/sequences/resume", s.handleSequenceResume)
	s.mux.HandleFunc("/api/sequences/abort", s.handleSequenceAbort)

	s.mux.HandleFunc("/api/triggers/start", s.handleStartTriggerScript)
	s.mux.HandleFunc("/api/triggers/state", s.handleTriggerState)
	s.mux.HandleFunc("/api/triggers/pause", s.handleTriggerPause)
	s.mux.HandleFunc("/api/triggers/resume", s.handleTriggerResume)
	s.mux.HandleFunc("/api/triggers/stop", s.handleTriggerStop)

	s.mux.HandleFunc("/ws", s.handleWS)
}

// Handler returns the root http.Handler for the server, to pass to
// http.Serve.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, apiErrorFor(err))
}

func (s *Server) readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	b, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, http.StatusOK, HealthResponse{OK: true})
}
