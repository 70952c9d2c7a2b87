package session

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/CK6170/labctl-go/internal/bus"
	"github.com/CK6170/labctl-go/internal/clock"
	"github.com/CK6170/labctl-go/internal/driver"
	"github.com/CK6170/labctl-go/internal/model"
)

// DiscoveredDevice is one entry from an external bus scan offered to
// SyncDevices for reconciliation.
type DiscoveredDevice struct {
	ID     string
	Driver driver.Driver
}

// Manager owns the set of DeviceSessions for the process lifetime.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*DeviceSession

	cfg model.Config
	clk clock.Clock
	log *logrus.Entry
}

// NewManager constructs an empty Manager.
func NewManager(cfg model.Config, clk clock.Clock, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		sessions: make(map[string]*DeviceSession),
		cfg:      cfg,
		clk:      clk,
		log:      log,
	}
}

// Connect probes d, and either creates a new session for id or, if one
// already exists (e.g. the device dropped and came back under the same
// id), reconnects it in place so subscribers keep their subscriptions.
func (m *Manager) Connect(ctx context.Context, id string, d driver.Driver) (*DeviceSession, error) {
	info, err := d.Probe(ctx)
	if err != nil {
		return nil, err
	}
	caps, err := d.Capabilities(ctx)
	if err != nil {
		return nil, err
	}
	if err := d.Connect(ctx); err != nil {
		return nil, err
	}
	m.logFirmware(ctx, id, d)

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[id]; ok {
		existing.Reconnect(d)
		return existing, nil
	}
	s := New(id, d, info, caps, m.sessionConfig(info, caps), m.clk, m.log)
	m.sessions[id] = s
	return s, nil
}

// logFirmware reads back the firmware revision on drivers that expose one
// and logs a non-fatal warning if the driver does not recognize it.
func (m *Manager) logFirmware(ctx context.Context, id string, d driver.Driver) {
	fr, ok := d.(driver.FirmwareReporter)
	if !ok {
		return
	}
	version, supported, err := fr.FirmwareVersion(ctx)
	log := m.log.WithField("deviceId", id)
	switch {
	case err != nil:
		log.WithError(err).Warn("could not read firmware version")
	case !supported:
		log.WithField("firmware", version).Warn("unrecognized firmware version; continuing anyway")
	default:
		log.WithField("firmware", version).Debug("firmware version")
	}
}

// sessionConfig derives the per-session config. Oscilloscope sessions get
// a poll-interval floor (200 ms single channel, 350 ms with two or more
// trace channels) so waveform readout cannot be polled faster than the
// instrument can deliver it.
func (m *Manager) sessionConfig(info model.DeviceInfo, caps model.DeviceCapabilities) model.Config {
	cfg := m.cfg
	if info.Kind != model.KindOscilloscope {
		return cfg
	}
	floor := cfg.ScopeMinIntervalMs
	if traceChannelCount(caps) >= 2 {
		floor = cfg.ScopeDualChannelMinIntervalMs
	}
	if cfg.PollIntervalMs < floor {
		cfg.PollIntervalMs = floor
	}
	return cfg
}

// traceChannelCount counts voltage-reading measurements, which is how a
// scope's capability set exposes its input channels.
func traceChannelCount(caps model.DeviceCapabilities) int {
	n := 0
	for _, meas := range caps.Measurements {
		if meas.Unit == "V" {
			n++
		}
	}
	return n
}

// Disconnect stops polling and removes the session for id, explicitly
// requested by a caller (distinct from SyncDevices, which never removes).
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return model.NewCodedError(model.ErrSessionNotFound, id)
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	s.Stop()
	s.driverMu.Lock()
	d := s.driver
	s.driverMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), driverCallTimeout)
	defer cancel()
	return d.Disconnect(ctx)
}

// SyncDevices reconciles the session set against an external scan: for
// every discovered device id, if a session already exists, its driver
// is swapped via Reconnect (rediscovery of a device the process already
// knows about, e.g. a USB replug producing a fresh handle); otherwise a
// new DeviceSession is created and registered. Devices not discovered this
// round are left alone entirely: sessions are never removed; absence here
// just means the next poll will surface errors/disconnection through the
// session's own state machine.
func (m *Manager) SyncDevices(ctx context.Context, discovered []DiscoveredDevice) error {
	for _, dd := range discovered {
		m.mu.RLock()
		existing, exists := m.sessions[dd.ID]
		m.mu.RUnlock()
		if exists {
			existing.Reconnect(dd.Driver)
			continue
		}
		if _, err := m.Connect(ctx, dd.ID, dd.Driver); err != nil {
			m.log.WithError(err).WithField("deviceId", dd.ID).Warn("syncDevices: connect failed")
		}
	}
	return nil
}

// GetSession returns the session for id, if any.
func (m *Manager) GetSession(id string) (*DeviceSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// HasSession reports whether id currently has a session.
func (m *Manager) HasSession(id string) bool {
	_, ok := m.GetSession(id)
	return ok
}

// IsSessionDisconnected reports whether id has a session whose connection
// status is disconnected. Returns false (not an error) if there is no
// session at all; callers that need SESSION_NOT_FOUND should check
// HasSession first.
func (m *Manager) IsSessionDisconnected(id string) bool {
	s, ok := m.GetSession(id)
	if !ok {
		return false
	}
	return s.ConnectionStatus() == model.StatusDisconnected
}

// GetSessionCount returns the number of tracked sessions.
func (m *Manager) GetSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetDeviceSummaries returns a snapshot of every tracked session's state,
// keyed by device id, for the connect-device-list API.
func (m *Manager) GetDeviceSummaries() map[string]model.DeviceSessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]model.DeviceSessionState, len(m.sessions))
	for id, s := range m.sessions {
		out[id] = s.GetState()
	}
	return out
}

// --- action facades: every write goes through here so callers get a
// uniform SESSION_NOT_FOUND instead of a nil-pointer panic.

func (m *Manager) withSession(id string, fn func(*DeviceSession) error) error {
	s, ok := m.GetSession(id)
	if !ok {
		return model.NewCodedError(model.ErrSessionNotFound, id)
	}
	return fn(s)
}

// SetMode dispatches to the named session's DeviceSession.SetMode.
func (m *Manager) SetMode(id, mode string) error {
	return m.withSession(id, func(s *DeviceSession) error { return s.SetMode(mode) })
}

// SetOutput dispatches to the named session's DeviceSession.SetOutput.
func (m *Manager) SetOutput(id string, enabled bool) error {
	return m.withSession(id, func(s *DeviceSession) error { return s.SetOutput(enabled) })
}

// SetValue dispatches to the named session's DeviceSession.SetValue.
func (m *Manager) SetValue(id, name string, value float64, immediate bool) error {
	return m.withSession(id, func(s *DeviceSession) error { return s.SetValue(name, value, immediate) })
}

// Subscribe registers cb on the named session's broadcast bus.
func (m *Manager) Subscribe(deviceID, clientID string, cb bus.Callback) error {
	return m.withSession(deviceID, func(s *DeviceSession) error {
		s.Subscribe(clientID, cb)
		return nil
	})
}

// Unsubscribe removes clientID from the named session's broadcast bus.
func (m *Manager) Unsubscribe(deviceID, clientID string) error {
	return m.withSession(deviceID, func(s *DeviceSession) error {
		s.Unsubscribe(clientID)
		return nil
	})
}

// UnsubscribeAll removes clientID from every tracked session, for client
// (WebSocket connection) teardown.
func (m *Manager) UnsubscribeAll(clientID string) {
	m.mu.RLock()
	sessions := make([]*DeviceSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()
	for _, s := range sessions {
		s.Unsubscribe(clientID)
	}
}

// StopAll halts every session's polling, for process shutdown.
func (m *Manager) StopAll() {
	m.mu.RLock()
	sessions := make([]*DeviceSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()
	for _, s := range sessions {
		s.Stop()
	}
}
