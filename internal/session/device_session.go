// Package session implements the live polled model of one instrument
// (DeviceSession) and the registry that owns the set of sessions across
// the process lifetime (Manager).
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/CK6170/labctl-go/internal/bus"
	"github.com/CK6170/labctl-go/internal/clock"
	"github.com/CK6170/labctl-go/internal/driver"
	"github.com/CK6170/labctl-go/internal/model"
)

// driverCallTimeout bounds any single driver call; a timeout surfaces as
// an ordinary error into the caller's failure path.
const driverCallTimeout = 5 * time.Second

// debounceEntry tracks one in-flight collapsed setValue debounce window.
type debounceEntry struct {
	preValue    float64
	latestValue float64
	timer       clock.Timer
	cancel      chan struct{}
}

// DeviceSession owns the live model of one device: it polls forever at a
// fixed cadence, broadcasts precise deltas, and serializes writes back to
// hardware with optimistic UI semantics.
type DeviceSession struct {
	id  string
	cfg model.Config
	clk clock.Clock
	bus *bus.Bus
	log *logrus.Entry

	// driverMu serializes driver calls: at most one is outstanding per
	// session at any time. It is held for the duration of the call itself,
	// not just the pointer read, which is what makes Reconnect wait for an
	// in-flight getStatus to finish before swapping the driver.
	driverMu sync.Mutex
	driver   driver.Driver

	// stateMu protects the read-model snapshot. Reads under stateMu never
	// block on hardware.
	stateMu sync.RWMutex
	state   model.DeviceSessionState

	// pollMu protects poll scheduling/lifecycle fields.
	pollMu    sync.Mutex
	pollTimer clock.Timer
	stopCh    chan struct{}
	running   bool
	stopped   bool

	debounceMu     sync.Mutex
	debounceTimers map[string]*debounceEntry
}

// New constructs a DeviceSession from a freshly-probed driver and starts
// polling immediately.
func New(id string, d driver.Driver, info model.DeviceInfo, caps model.DeviceCapabilities, cfg model.Config, clk clock.Clock, log *logrus.Entry) *DeviceSession {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &DeviceSession{
		id:     id,
		cfg:    cfg,
		clk:    clk,
		bus:    bus.New(log.WithField("deviceId", id)),
		log:    log.WithField("deviceId", id),
		driver: d,
		state: model.DeviceSessionState{
			Info:             info,
			Capabilities:     caps,
			ConnectionStatus: model.StatusConnected,
			Status:           model.DeviceStatus{Setpoints: map[string]float64{}, Measurements: map[string]float64{}},
		},
		debounceTimers: make(map[string]*debounceEntry),
	}
	s.armPollTimer(0)
	return s
}

// ID returns the device id this session was constructed for.
func (s *DeviceSession) ID() string { return s.id }

// GetState returns a snapshot. Callers must treat it as read-only; it may
// be sent to the wire without copying.
func (s *DeviceSession) GetState() model.DeviceSessionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// ConnectionStatus is a convenience non-blocking read.
func (s *DeviceSession) ConnectionStatus() model.ConnectionStatus {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state.ConnectionStatus
}

// Subscribe registers cb under clientID; re-subscribing replaces.
func (s *DeviceSession) Subscribe(clientID string, cb bus.Callback) {
	s.bus.Subscribe(clientID, cb)
}

// Unsubscribe removes clientID's callback.
func (s *DeviceSession) Unsubscribe(clientID string) {
	s.bus.Unsubscribe(clientID)
}

func (s *DeviceSession) publish(msgType string, data interface{}) {
	s.bus.Publish(bus.Message{Type: msgType, DeviceID: s.id, Data: data})
}

func (s *DeviceSession) publishField(field string, value interface{}) {
	s.publish("field", map[string]interface{}{"field": field, "value": value})
}

// --- polling ---

// armPollTimer (re)starts polling. If a poll loop is already running it just
// reschedules its timer; otherwise it spins up a fresh loop with a fresh
// stop channel (the previous one, if any, was closed by stopPollingLocked).
func (s *DeviceSession) armPollTimer(delay time.Duration) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	if s.stopped {
		return
	}
	if !s.running {
		s.stopCh = make(chan struct{})
		s.pollTimer = s.clk.NewTimer(delay)
		s.running = true
		go s.pollLoop(s.stopCh, s.pollTimer)
		return
	}
	s.pollTimer.Reset(delay)
}

// stopPollingLocked halts the running poll loop, if any. Caller holds pollMu.
// Closing stopCh (rather than relying on Timer.Stop, which never signals a
// goroutine blocked on the timer's channel) is what lets pollLoop return
// promptly instead of leaking.
func (s *DeviceSession) stopPollingLocked() {
	if !s.running {
		return
	}
	s.pollTimer.Stop()
	close(s.stopCh)
	s.running = false
}

func (s *DeviceSession) pollLoop(stopCh chan struct{}, t clock.Timer) {
	for {
		select {
		case <-stopCh:
			return
		case _, ok := <-t.C():
			if !ok {
				return
			}
		}

		s.pollMu.Lock()
		if s.stopped || !s.running {
			s.pollMu.Unlock()
			return
		}
		s.pollMu.Unlock()

		s.poll()

		s.pollMu.Lock()
		if s.stopped || !s.running {
			s.pollMu.Unlock()
			return
		}
		t.Reset(time.Duration(s.cfg.PollIntervalMs) * time.Millisecond)
		s.pollMu.Unlock()
	}
}

func (s *DeviceSession) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), driverCallTimeout)
	defer cancel()

	s.driverMu.Lock()
	d := s.driver
	status, err := d.GetStatus(ctx)
	s.driverMu.Unlock()

	if err != nil {
		s.onPollError(err)
		return
	}
	s.onPollSuccess(status)
}

func (s *DeviceSession) onPollSuccess(status model.DeviceStatus) {
	now := s.clk.Now()

	s.stateMu.Lock()
	prevMode := s.state.Status.Mode
	prevOutput := s.state.Status.OutputEnabled
	wasErrored := s.state.ConnectionStatus != model.StatusConnected
	s.state.Status = status
	s.state.LastUpdated = now

	if status.Mode != prevMode {
		s.stateMu.Unlock()
		s.publishField("mode", status.Mode)
		s.stateMu.Lock()
	}
	if status.OutputEnabled != prevOutput {
		s.stateMu.Unlock()
		s.publishField("outputEnabled", status.OutputEnabled)
		s.stateMu.Lock()
	}

	if wasErrored {
		s.state.ConsecutiveErrorCount = 0
		s.state.ConnectionStatus = model.StatusConnected
		s.stateMu.Unlock()
		s.publishField("connectionStatus", model.StatusConnected)
		s.stateMu.Lock()
	} else {
		s.state.ConsecutiveErrorCount = 0
	}

	var resistance *float64
	if r, ok := status.Measurements["resistance"]; ok {
		resistance = &r
	}
	s.state.History.Append(now, status.Measurements["voltage"], status.Measurements["current"], status.Measurements["power"], resistance)
	cutoff := now.Add(-time.Duration(s.cfg.HistoryWindowMs) * time.Millisecond)
	s.state.History.TrimBefore(cutoff)
	s.stateMu.Unlock()

	s.publish("measurement", map[string]interface{}{"timestamp": now, "measurements": status.Measurements})
}

func (s *DeviceSession) onPollError(err error) {
	fatal := isFatalError(err)

	s.stateMu.Lock()
	s.state.ConsecutiveErrorCount++
	count := s.state.ConsecutiveErrorCount
	prevStatus := s.state.ConnectionStatus
	var newStatus model.ConnectionStatus
	switch {
	case fatal || count >= s.cfg.MaxConsecutiveErrors:
		newStatus = model.StatusDisconnected
	case prevStatus == model.StatusConnected:
		newStatus = model.StatusError
	default:
		newStatus = prevStatus
	}
	changed := newStatus != prevStatus
	s.state.ConnectionStatus = newStatus
	s.stateMu.Unlock()

	if changed {
		s.publishField("connectionStatus", newStatus)
	}
	s.log.WithError(err).WithField("consecutiveErrors", count).Warn("poll failed")

	if newStatus == model.StatusDisconnected {
		// Terminal-for-polling: stop scheduling new polls; the session
		// object persists for a future Reconnect.
		s.pollMu.Lock()
		s.stopped = true
		s.stopPollingLocked()
		s.pollMu.Unlock()
	}
}

func isFatalError(err error) bool {
	msg := err.Error()
	for _, marker := range model.FatalMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// --- optimistic writes ---

// SetMode optimistically applies and broadcasts the new mode, then writes
// it to hardware, reverting (and broadcasting the revert) on failure.
func (s *DeviceSession) SetMode(mode string) error {
	s.stateMu.Lock()
	old := s.state.Status.Mode
	s.state.Status.Mode = mode
	s.stateMu.Unlock()
	s.publishField("mode", mode)

	ctx, cancel := context.WithTimeout(context.Background(), driverCallTimeout)
	defer cancel()
	s.driverMu.Lock()
	err := s.driver.SetMode(ctx, mode)
	s.driverMu.Unlock()

	if err != nil {
		s.stateMu.Lock()
		s.state.Status.Mode = old
		s.stateMu.Unlock()
		s.publishField("mode", old)
		return err
	}
	return nil
}

// SetOutput is the same optimistic-rollback write as SetMode, on the
// outputEnabled field.
func (s *DeviceSession) SetOutput(enabled bool) error {
	s.stateMu.Lock()
	old := s.state.Status.OutputEnabled
	s.state.Status.OutputEnabled = enabled
	s.stateMu.Unlock()
	s.publishField("outputEnabled", enabled)

	ctx, cancel := context.WithTimeout(context.Background(), driverCallTimeout)
	defer cancel()
	s.driverMu.Lock()
	err := s.driver.SetOutput(ctx, enabled)
	s.driverMu.Unlock()

	if err != nil {
		s.stateMu.Lock()
		s.state.Status.OutputEnabled = old
		s.stateMu.Unlock()
		s.publishField("outputEnabled", old)
		return err
	}
	return nil
}

// SetValue optimistically applies and broadcasts a setpoint. When
// immediate is false, the call returns as soon as the debounce timer is
// (re)armed; the actual driver write happens later, collapsing N rapid
// calls within debounceMs into one.
func (s *DeviceSession) SetValue(name string, value float64, immediate bool) error {
	s.stateMu.Lock()
	current := s.state.Status.Setpoints[name]
	s.state.Status.Setpoints[name] = value
	snapshot := cloneSetpoints(s.state.Status.Setpoints)
	s.stateMu.Unlock()
	s.publishField("setpoints", snapshot)

	if immediate {
		return s.writeValueImmediate(name, value, current)
	}

	s.scheduleDebouncedWrite(name, value, current)
	return nil
}

func (s *DeviceSession) writeValueImmediate(name string, value, old float64) error {
	ctx, cancel := context.WithTimeout(context.Background(), driverCallTimeout)
	defer cancel()
	s.driverMu.Lock()
	err := s.driver.SetValue(ctx, name, value)
	s.driverMu.Unlock()

	if err != nil {
		s.stateMu.Lock()
		s.state.Status.Setpoints[name] = old
		snapshot := cloneSetpoints(s.state.Status.Setpoints)
		s.stateMu.Unlock()
		s.publishField("setpoints", snapshot)
		return err
	}
	return nil
}

// scheduleDebouncedWrite (re)arms the debounce window for name. A call that
// lands while a window is already open extends the same timer and updates
// the value to write when it fires, collapsing N rapid calls into one
// driver write debounceMs after the last of them, without abandoning the
// previous window's waiter goroutine, which would otherwise block forever
// on a timer that Stop() never signals.
func (s *DeviceSession) scheduleDebouncedWrite(name string, value, oldIfNew float64) {
	s.debounceMu.Lock()
	if entry, exists := s.debounceTimers[name]; exists {
		entry.latestValue = value
		entry.timer.Reset(time.Duration(s.cfg.DebounceMs) * time.Millisecond)
		s.debounceMu.Unlock()
		return
	}
	entry := &debounceEntry{
		preValue:    oldIfNew,
		latestValue: value,
		timer:       s.clk.NewTimer(time.Duration(s.cfg.DebounceMs) * time.Millisecond),
		cancel:      make(chan struct{}),
	}
	s.debounceTimers[name] = entry
	s.debounceMu.Unlock()

	go s.waitDebounce(name, entry)
}

func (s *DeviceSession) waitDebounce(name string, entry *debounceEntry) {
	select {
	case <-entry.cancel:
		return
	case _, ok := <-entry.timer.C():
		if !ok {
			return
		}
	}

	s.debounceMu.Lock()
	cur, exists := s.debounceTimers[name]
	if !exists || cur != entry {
		s.debounceMu.Unlock()
		return
	}
	delete(s.debounceTimers, name)
	s.debounceMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), driverCallTimeout)
	defer cancel()
	s.driverMu.Lock()
	err := s.driver.SetValue(ctx, name, entry.latestValue)
	s.driverMu.Unlock()
	if err == nil {
		return
	}

	final, _ := s.recoverValue(name, entry.preValue)
	s.stateMu.Lock()
	s.state.Status.Setpoints[name] = final
	snapshot := cloneSetpoints(s.state.Status.Setpoints)
	s.stateMu.Unlock()
	s.publishField("setpoints", snapshot)
	s.publish("error", map[string]interface{}{"code": model.ErrSetValueFailed, "message": err.Error(), "parameter": name})
}

func (s *DeviceSession) recoverValue(name string, fallback float64) (float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), driverCallTimeout)
	defer cancel()
	s.driverMu.Lock()
	v, err := s.driver.GetValue(ctx, name)
	s.driverMu.Unlock()
	if err != nil {
		return fallback, err
	}
	return v, nil
}

func cloneSetpoints(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// --- reconnect / stop ---

// Reconnect swaps the driver after a rediscovery. It blocks until any
// in-flight driver call (most importantly a poll's GetStatus) has
// finished, because driverMu is held for the duration of that call.
func (s *DeviceSession) Reconnect(newDriver driver.Driver) {
	s.driverMu.Lock()
	s.driver = newDriver
	s.driverMu.Unlock()

	s.stateMu.Lock()
	s.state.ConsecutiveErrorCount = 0
	s.state.ConnectionStatus = model.StatusConnected
	s.stateMu.Unlock()
	s.publishField("connectionStatus", model.StatusConnected)

	s.pollMu.Lock()
	s.stopped = false
	s.pollMu.Unlock()
	s.armPollTimer(0)
}

// Stop is terminal: cancels the poll timer, cancels all pending debounce
// timers, and clears subscribers. Idempotent.
func (s *DeviceSession) Stop() {
	s.pollMu.Lock()
	s.stopped = true
	s.stopPollingLocked()
	s.pollMu.Unlock()

	s.debounceMu.Lock()
	for name, entry := range s.debounceTimers {
		entry.timer.Stop()
		close(entry.cancel)
		delete(s.debounceTimers, name)
	}
	s.debounceMu.Unlock()
}
