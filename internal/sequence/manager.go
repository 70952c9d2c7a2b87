package sequence

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/CK6170/labctl-go/internal/bus"
	"github.com/CK6170/labctl-go/internal/clock"
	"github.com/CK6170/labctl-go/internal/library"
	"github.com/CK6170/labctl-go/internal/model"
	"github.com/CK6170/labctl-go/internal/session"
)

// Manager is the lifecycle owner of Controller runs: one Controller per
// run, discarded once it reaches a terminal state. One run per (device,
// parameter) pair may be active at a time; starting a new run against an
// already-running pair aborts the previous one first, mirroring how a UI
// "run sequence" button behaves.
type Manager struct {
	mu       sync.Mutex
	runs     map[string]*Controller // by runID
	byTarget map[string]string      // deviceId/parameter -> runID

	sessions *session.Manager
	cfg      model.Config
	clk      clock.Clock
	bus      *bus.Bus
	log      *logrus.Entry
	lib      *library.Store
}

// SetLibrary attaches the persistent sequence library used by RunByID to
// resolve a bare sequence id (e.g. from a trigger startSequence action)
// into a full SequenceDefinition. Optional: RunByID returns
// SEQUENCE_NOT_FOUND if no library has been attached.
func (m *Manager) SetLibrary(lib *library.Store) { m.lib = lib }

// NewManager constructs a Manager bound to the given session.Manager for
// device/parameter resolution.
func NewManager(sessions *session.Manager, cfg model.Config, clk clock.Clock, b *bus.Bus, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		runs:     make(map[string]*Controller),
		byTarget: make(map[string]string),
		sessions: sessions,
		cfg:      cfg,
		clk:      clk,
		bus:      b,
		log:      log,
	}
}

func targetKey(deviceID, parameter string) string { return deviceID + "\x00" + parameter }

// Run resolves def+runCfg's target device, constructs a fresh Controller,
// aborts any prior run against the same (device, parameter), starts
// playback, and returns the new run's id.
func (m *Manager) Run(def model.SequenceDefinition, runCfg model.SequenceRunConfig) (string, error) {
	dev, ok := m.sessions.GetSession(runCfg.TargetDeviceID)
	if !ok {
		return "", model.NewCodedError(model.ErrDeviceNotFound, runCfg.TargetDeviceID)
	}

	runID := uuid.NewString()
	seed := m.clk.Now().UnixNano()
	ctrl, err := NewController(runID, dev, def, runCfg, m.cfg.Sequence.MinIntervalMs, m.clk, seed, m.bus, m.log)
	if err != nil {
		return "", err
	}

	key := targetKey(runCfg.TargetDeviceID, runCfg.Parameter)

	m.mu.Lock()
	if priorID, exists := m.byTarget[key]; exists {
		if prior, ok := m.runs[priorID]; ok {
			m.mu.Unlock()
			_ = prior.Abort()
			<-prior.Done()
			m.mu.Lock()
		}
		delete(m.runs, priorID)
	}
	m.runs[runID] = ctrl
	m.byTarget[key] = runID
	m.mu.Unlock()

	if err := ctrl.Start(); err != nil {
		m.mu.Lock()
		delete(m.runs, runID)
		delete(m.byTarget, key)
		m.mu.Unlock()
		return runID, err
	}

	go m.reap(runID, ctrl)
	return runID, nil
}

// RunByID looks up sequenceID in the attached library and runs it against
// runCfg's target, for callers (a trigger's startSequence action) that
// only carry a sequence id rather than a full definition.
func (m *Manager) RunByID(sequenceID string, runCfg model.SequenceRunConfig) (string, error) {
	if m.lib == nil {
		return "", model.NewCodedError(model.ErrSequenceNotFound, sequenceID)
	}
	def, ok := m.lib.GetSequence(sequenceID)
	if !ok {
		return "", model.NewCodedError(model.ErrSequenceNotFound, sequenceID)
	}
	runCfg.SequenceID = sequenceID
	return m.Run(def, runCfg)
}

// reap removes a terminal run from the tracked map once its goroutine
// exits, so the Manager's footprint stays proportional to active runs.
func (m *Manager) reap(runID string, ctrl *Controller) {
	<-ctrl.Done()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runs[runID] == ctrl {
		delete(m.runs, runID)
		for k, id := range m.byTarget {
			if id == runID {
				delete(m.byTarget, k)
			}
		}
	}
}

// GetState returns the run's current snapshot.
func (m *Manager) GetState(runID string) (model.SequenceState, bool) {
	m.mu.Lock()
	ctrl, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok {
		return model.SequenceState{}, false
	}
	return ctrl.GetState(), true
}

// Pause pauses the named run.
func (m *Manager) Pause(runID string) error {
	return m.withRun(runID, func(c *Controller) error { return c.Pause() })
}

// Resume resumes the named run.
func (m *Manager) Resume(runID string) error {
	return m.withRun(runID, func(c *Controller) error { return c.Resume() })
}

// Abort aborts the named run.
func (m *Manager) Abort(runID string) error {
	return m.withRun(runID, func(c *Controller) error { return c.Abort() })
}

// AbortTarget aborts whichever run (if any) is currently playing against
// (deviceID, parameter), for the trigger stopSequence action, which
// addresses a target rather than a runID.
func (m *Manager) AbortTarget(deviceID, parameter string) error {
	runID, ok := m.runIDForTarget(deviceID, parameter)
	if !ok {
		return model.NewCodedError(model.ErrSequenceNotFound, "no active run for "+deviceID+"/"+parameter)
	}
	return m.Abort(runID)
}

// PauseTarget pauses whichever run (if any) is currently playing against
// (deviceID, parameter).
func (m *Manager) PauseTarget(deviceID, parameter string) error {
	runID, ok := m.runIDForTarget(deviceID, parameter)
	if !ok {
		return model.NewCodedError(model.ErrSequenceNotFound, "no active run for "+deviceID+"/"+parameter)
	}
	return m.Pause(runID)
}

func (m *Manager) runIDForTarget(deviceID, parameter string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byTarget[targetKey(deviceID, parameter)]
	return id, ok
}

func (m *Manager) withRun(runID string, fn func(*Controller) error) error {
	m.mu.Lock()
	ctrl, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok {
		return model.NewCodedError(model.ErrSequenceNotFound, runID)
	}
	return fn(ctrl)
}

// ActiveRunCount returns the number of runs currently tracked (for tests
// and diagnostics).
func (m *Manager) ActiveRunCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}
