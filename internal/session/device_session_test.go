package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CK6170/labctl-go/internal/bus"
	"github.com/CK6170/labctl-go/internal/clock"
	"github.com/CK6170/labctl-go/internal/driver"
	"github.com/CK6170/labctl-go/internal/model"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(log)
}

func newTestSession(t *testing.T, fc *clock.Fake, d *driver.SimulatedDriver, cfg model.Config) *DeviceSession {
	t.Helper()
	ctx := context.Background()
	info, err := d.Probe(ctx)
	require.NoError(t, err)
	caps, err := d.Capabilities(ctx)
	require.NoError(t, err)
	s := New(info.ID, d, info, caps, cfg, fc, testLogger())
	t.Cleanup(s.Stop)
	return s
}

func baseConfig() model.Config {
	c := model.ApplyDefaults(model.Config{})
	c.PollIntervalMs = 100
	c.DebounceMs = 50
	c.MaxConsecutiveErrors = 3
	c.HistoryWindowMs = 60_000
	return c
}

type injectedErr struct{ msg string }

func (e injectedErr) Error() string { return e.msg }

func TestDeviceSession_PollPopulatesHistoryAndClearsErrors(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	d := driver.NewSimulatedPowerSupply("psu-1", 1)
	s := newTestSession(t, fc, d, baseConfig())

	fc.Advance(100 * time.Millisecond)
	waitForCondition(t, func() bool { st := s.GetState(); return st.History.Len() >= 1 })

	st := s.GetState()
	assert.Equal(t, model.StatusConnected, st.ConnectionStatus)
	assert.Equal(t, 0, st.ConsecutiveErrorCount)
}

func TestDeviceSession_PollFailureEscalatesToDisconnectedAfterMaxErrors(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	d := driver.NewSimulatedPowerSupply("psu-2", 2)
	cfg := baseConfig()
	s := newTestSession(t, fc, d, cfg)

	for i := 0; i < cfg.MaxConsecutiveErrors; i++ {
		d.FailNextGetStatus(injectedErr{"bench fault"})
		fc.Advance(time.Duration(cfg.PollIntervalMs) * time.Millisecond)
		waitForCondition(t, func() bool { return s.GetState().ConsecutiveErrorCount == i+1 })
	}

	waitForCondition(t, func() bool { return s.ConnectionStatus() == model.StatusDisconnected })
}

func TestDeviceSession_SubscribeReceivesFieldBroadcastOnSetMode(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	d := driver.NewSimulatedPowerSupply("psu-3", 3)
	s := newTestSession(t, fc, d, baseConfig())

	received := make(chan bus.Message, 4)
	s.Subscribe("client", func(m bus.Message) { received <- m })

	require.NoError(t, s.SetMode("CC"))
	assert.Equal(t, "CC", s.GetState().Status.Mode)

	select {
	case m := <-received:
		assert.Equal(t, "field", m.Type)
	case <-time.After(time.Second):
		t.Fatal("did not receive field broadcast")
	}
}

func TestDeviceSession_SetValueDebounceCollapsesRapidCalls(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	d := driver.NewSimulatedPowerSupply("psu-4", 4)
	cfg := baseConfig()
	s := newTestSession(t, fc, d, cfg)

	require.NoError(t, s.SetValue("voltage", 1.0, false))
	require.NoError(t, s.SetValue("voltage", 2.0, false))
	require.NoError(t, s.SetValue("voltage", 3.0, false))

	// optimistic value is immediately visible
	assert.Equal(t, 3.0, s.GetState().Status.Setpoints["voltage"])

	fc.Advance(time.Duration(cfg.DebounceMs) * time.Millisecond)
	waitForCondition(t, func() bool {
		v, err := d.GetValue(context.Background(), "voltage")
		return err == nil && v == 3.0
	})
}

func TestDeviceSession_SetValueImmediateBypassesDebounce(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	d := driver.NewSimulatedPowerSupply("psu-5", 5)
	s := newTestSession(t, fc, d, baseConfig())

	require.NoError(t, s.SetValue("voltage", 5.0, true))
	v, err := d.GetValue(context.Background(), "voltage")
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)
}

func TestDeviceSession_SetValueDebounceFailureRestoresPreOptimisticValue(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	d := driver.NewSimulatedPowerSupply("psu-6", 6)
	cfg := baseConfig()
	s := newTestSession(t, fc, d, cfg)

	d.SetGetValueUnsupported(true)
	d.FailNextSetValue(injectedErr{"rejected"})

	require.NoError(t, s.SetValue("voltage", 9.0, false))
	assert.Equal(t, 9.0, s.GetState().Status.Setpoints["voltage"])

	fc.Advance(time.Duration(cfg.DebounceMs) * time.Millisecond)
	waitForCondition(t, func() bool { return s.GetState().Status.Setpoints["voltage"] == 0 })
}

func TestDeviceSession_StopIsIdempotent(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	d := driver.NewSimulatedPowerSupply("psu-7", 7)
	s := newTestSession(t, fc, d, baseConfig())
	s.Stop()
	s.Stop()
}

func TestDeviceSession_FatalMarkerDisconnectsOnSinglePoll(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	d := driver.NewSimulatedPowerSupply("psu-8", 8)
	cfg := baseConfig()
	s := newTestSession(t, fc, d, cfg)
	waitForCondition(t, func() bool { st := s.GetState(); return st.History.Len() >= 1 })

	statusCh := make(chan model.ConnectionStatus, 4)
	s.Subscribe("client", func(m bus.Message) {
		if m.Type != "field" {
			return
		}
		data := m.Data.(map[string]interface{})
		if data["field"] == "connectionStatus" {
			statusCh <- data["value"].(model.ConnectionStatus)
		}
	})

	d.FailNextGetStatus(injectedErr{"read: LIBUSB_ERROR_NO_DEVICE"})
	fc.Advance(time.Duration(cfg.PollIntervalMs) * time.Millisecond)

	waitForCondition(t, func() bool { return s.ConnectionStatus() == model.StatusDisconnected })
	assert.Equal(t, 1, s.GetState().ConsecutiveErrorCount, "fatal marker must not require max-errors first")

	select {
	case st := <-statusCh:
		assert.Equal(t, model.StatusDisconnected, st)
	case <-time.After(time.Second):
		t.Fatal("did not observe the disconnected transition")
	}

	// Polling has halted: further time passing reaches the driver no more.
	fc.Advance(10 * time.Duration(cfg.PollIntervalMs) * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, s.GetState().ConsecutiveErrorCount)
}

func TestDeviceSession_SetModeFailureRollsBackOldNewOld(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	d := driver.NewSimulatedPowerSupply("psu-9", 9)
	s := newTestSession(t, fc, d, baseConfig())
	waitForCondition(t, func() bool { st := s.GetState(); return st.History.Len() >= 1 })

	modes := make(chan string, 4)
	s.Subscribe("client", func(m bus.Message) {
		if m.Type != "field" {
			return
		}
		data := m.Data.(map[string]interface{})
		if data["field"] == "mode" {
			modes <- data["value"].(string)
		}
	})

	d.FailNextSetMode(injectedErr{"rejected"})
	require.Error(t, s.SetMode("CC"))

	// Optimistic-rollback symmetry: broadcast sequence is new then old.
	assert.Equal(t, "CC", <-modes)
	assert.Equal(t, "CV", <-modes)
	assert.Equal(t, "CV", s.GetState().Status.Mode)
}

func TestDeviceSession_SetValueDebounceFailureReadsBackTrueValue(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	d := driver.NewSimulatedPowerSupply("psu-10", 10)
	cfg := baseConfig()
	s := newTestSession(t, fc, d, cfg)

	require.NoError(t, s.SetValue("current", 0.8, true))

	errs := make(chan bus.Message, 4)
	s.Subscribe("client", func(m bus.Message) {
		if m.Type == "error" {
			errs <- m
		}
	})

	d.FailNextSetValue(injectedErr{"rejected"})
	require.NoError(t, s.SetValue("current", 2.0, false))
	assert.Equal(t, 2.0, s.GetState().Status.Setpoints["current"])

	fc.Advance(time.Duration(cfg.DebounceMs) * time.Millisecond)
	waitForCondition(t, func() bool { return s.GetState().Status.Setpoints["current"] == 0.8 })

	select {
	case m := <-errs:
		data := m.Data.(map[string]interface{})
		assert.Equal(t, model.ErrSetValueFailed, data["code"])
	case <-time.After(time.Second):
		t.Fatal("did not receive SET_VALUE_FAILED error message")
	}
}

func TestDeviceSession_HistoryWindowTrimsOldSamples(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	d := driver.NewSimulatedPowerSupply("psu-11", 11)
	cfg := baseConfig()
	cfg.HistoryWindowMs = 300
	s := newTestSession(t, fc, d, cfg)
	waitForCondition(t, func() bool { st := s.GetState(); return st.History.Len() >= 1 })

	for i := 1; i <= 5; i++ {
		fc.Advance(time.Duration(cfg.PollIntervalMs) * time.Millisecond)
		want := i + 1
		waitForCondition(t, func() bool {
			h := s.GetState().History
			return h.Len() == want || h.Timestamps[0].Equal(fc.Now().Add(-300*time.Millisecond))
		})
	}

	h := s.GetState().History
	require.Greater(t, h.Len(), 0)
	assert.Equal(t, h.Len(), len(h.Voltage))
	assert.Equal(t, h.Len(), len(h.Current))
	assert.Equal(t, h.Len(), len(h.Power))
	cutoff := fc.Now().Add(-time.Duration(cfg.HistoryWindowMs) * time.Millisecond)
	assert.False(t, h.Timestamps[0].Before(cutoff))
	for i := 1; i < h.Len(); i++ {
		assert.False(t, h.Timestamps[i].Before(h.Timestamps[i-1]))
	}
}

func TestDeviceSession_SubscribeIsIdempotentPerClientID(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	d := driver.NewSimulatedPowerSupply("psu-12", 12)
	s := newTestSession(t, fc, d, baseConfig())
	waitForCondition(t, func() bool { st := s.GetState(); return st.History.Len() >= 1 })

	first := make(chan bus.Message, 4)
	second := make(chan bus.Message, 4)
	s.Subscribe("client", func(m bus.Message) { first <- m })
	s.Subscribe("client", func(m bus.Message) { second <- m })

	require.NoError(t, s.SetMode("CC"))
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("replacement callback did not receive")
	}
	assert.Empty(t, first, "replaced callback must no longer receive")
}

// gatedDriver blocks GetStatus until released, to hold a poll in flight.
type gatedDriver struct {
	*driver.SimulatedDriver
	entered chan struct{}
	release chan struct{}
}

func (g *gatedDriver) GetStatus(ctx context.Context) (model.DeviceStatus, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.SimulatedDriver.GetStatus(ctx)
}

// countingDriver counts GetStatus calls.
type countingDriver struct {
	*driver.SimulatedDriver
	calls atomic.Int64
}

func (c *countingDriver) GetStatus(ctx context.Context) (model.DeviceStatus, error) {
	c.calls.Add(1)
	return c.SimulatedDriver.GetStatus(ctx)
}

func TestDeviceSession_ReconnectWaitsForInFlightPoll(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	old := &gatedDriver{
		SimulatedDriver: driver.NewSimulatedPowerSupply("psu-13", 13),
		entered:         make(chan struct{}),
		release:         make(chan struct{}),
	}
	cfg := baseConfig()
	ctx := context.Background()
	info, err := old.Probe(ctx)
	require.NoError(t, err)
	caps, err := old.Capabilities(ctx)
	require.NoError(t, err)
	s := New(info.ID, old, info, caps, cfg, fc, testLogger())
	t.Cleanup(s.Stop)

	// The construction-time poll is now in flight against the old driver.
	<-old.entered

	statusCh := make(chan model.ConnectionStatus, 4)
	s.Subscribe("client", func(m bus.Message) {
		if m.Type != "field" {
			return
		}
		data := m.Data.(map[string]interface{})
		if data["field"] == "connectionStatus" {
			statusCh <- data["value"].(model.ConnectionStatus)
		}
	})

	fresh := &countingDriver{SimulatedDriver: driver.NewSimulatedPowerSupply("psu-13", 13)}
	reconnected := make(chan struct{})
	go func() {
		s.Reconnect(fresh)
		close(reconnected)
	}()

	select {
	case <-reconnected:
		t.Fatal("reconnect returned while a poll was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(old.release)
	select {
	case <-reconnected:
	case <-time.After(time.Second):
		t.Fatal("reconnect did not return after the in-flight poll finished")
	}

	// The immediately following poll targets the new driver.
	fc.Advance(time.Duration(cfg.PollIntervalMs) * time.Millisecond)
	waitForCondition(t, func() bool { return fresh.calls.Load() >= 1 })
	select {
	case st := <-statusCh:
		assert.Equal(t, model.StatusConnected, st)
	case <-time.After(time.Second):
		t.Fatal("did not observe connectionStatus=connected after reconnect")
	}
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
