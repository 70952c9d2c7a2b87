package trigger

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/CK6170/labctl-go/internal/bus"
	"github.com/CK6170/labctl-go/internal/clock"
	"github.com/CK6170/labctl-go/internal/model"
	"github.com/CK6170/labctl-go/internal/sequence"
	"github.com/CK6170/labctl-go/internal/session"
)

// Manager is the lifecycle owner of Engine runs: one Engine per script
// start, discarded once it reaches state=stopped. Mirrors
// sequence.Manager's shape: one active engine per scriptID, reaped off the
// tracked map once its run goroutine exits.
type Manager struct {
	mu      sync.Mutex
	engines map[string]*Engine // by scriptID

	sessions *session.Manager
	seqs     *sequence.Manager
	cfg      model.TriggerConfig
	clk      clock.Clock
	bus      *bus.Bus
	log      *logrus.Entry
}

// NewManager constructs a Manager bound to the given session and sequence
// managers, which every started Engine dispatches actions into.
func NewManager(sessions *session.Manager, seqs *sequence.Manager, cfg model.TriggerConfig, clk clock.Clock, b *bus.Bus, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		engines:  make(map[string]*Engine),
		sessions: sessions,
		seqs:     seqs,
		cfg:      cfg,
		clk:      clk,
		bus:      b,
		log:      log,
	}
}

// Start validates script against the current session set, begins
// evaluating it (replacing any already-running engine for the same script
// id), and returns the new run's scriptID.
func (m *Manager) Start(script model.TriggerScript) (string, error) {
	if script.ID == "" {
		return "", model.NewCodedError("BAD_SCRIPT", "trigger script requires an id")
	}
	if err := Validate(script, m.sessions); err != nil {
		return "", err
	}

	eng := NewEngine(script.ID, script, m.sessions, m.seqs, m.cfg, m.clk, m.bus, m.log)

	m.mu.Lock()
	if prior, exists := m.engines[script.ID]; exists {
		m.mu.Unlock()
		_ = prior.Stop()
		<-prior.Done()
		m.mu.Lock()
	}
	m.engines[script.ID] = eng
	m.mu.Unlock()

	eng.Start()
	go m.reap(script.ID, eng)
	return script.ID, nil
}

// reap removes a terminal engine from the tracked map once its goroutine
// exits.
func (m *Manager) reap(scriptID string, eng *Engine) {
	<-eng.Done()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.engines[scriptID] == eng {
		delete(m.engines, scriptID)
	}
}

// GetState returns the named script's current run snapshot.
func (m *Manager) GetState(scriptID string) (model.TriggerEngineState, bool) {
	m.mu.Lock()
	eng, ok := m.engines[scriptID]
	m.mu.Unlock()
	if !ok {
		return model.TriggerEngineState{}, false
	}
	return eng.GetState(), true
}

// Pause pauses the named running script.
func (m *Manager) Pause(scriptID string) error {
	return m.withEngine(scriptID, func(e *Engine) error { return e.Pause() })
}

// Resume resumes the named paused script.
func (m *Manager) Resume(scriptID string) error {
	return m.withEngine(scriptID, func(e *Engine) error { return e.Resume() })
}

// Stop stops the named script's engine.
func (m *Manager) Stop(scriptID string) error {
	return m.withEngine(scriptID, func(e *Engine) error { return e.Stop() })
}

func (m *Manager) withEngine(scriptID string, fn func(*Engine) error) error {
	m.mu.Lock()
	eng, ok := m.engines[scriptID]
	m.mu.Unlock()
	if !ok {
		return model.NewCodedError("TRIGGER_SCRIPT_NOT_RUNNING", scriptID)
	}
	return fn(eng)
}

// ActiveScriptCount returns the number of scripts currently tracked (for
// tests and diagnostics).
func (m *Manager) ActiveScriptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.engines)
}
