package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CK6170/labctl-go/internal/bus"
	"github.com/CK6170/labctl-go/internal/clock"
	"github.com/CK6170/labctl-go/internal/driver"
	"github.com/CK6170/labctl-go/internal/model"
)

func TestManager_ConnectCreatesSession(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	m := NewManager(baseConfig(), fc, testLogger())
	d := driver.NewSimulatedPowerSupply("psu-1", 1)

	s, err := m.Connect(context.Background(), "psu-1", d)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, 1, m.GetSessionCount())
	assert.True(t, m.HasSession("psu-1"))
	t.Cleanup(m.StopAll)
}

func TestManager_ActionFacadesReturnSessionNotFound(t *testing.T) {
	m := NewManager(baseConfig(), clock.NewFake(time.Unix(0, 0)), testLogger())

	err := m.SetMode("missing", "CC")
	require.Error(t, err)
	coded, ok := err.(*model.CodedError)
	require.True(t, ok)
	assert.Equal(t, model.ErrSessionNotFound, coded.Code)

	err = m.SetOutput("missing", true)
	require.Error(t, err)
	err = m.SetValue("missing", "voltage", 1, true)
	require.Error(t, err)
	err = m.Subscribe("missing", "client", func(bus.Message) {})
	require.Error(t, err)
}

func TestManager_SyncDevicesNeverRemovesExistingSessions(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	m := NewManager(baseConfig(), fc, testLogger())
	d1 := driver.NewSimulatedPowerSupply("psu-1", 1)
	_, err := m.Connect(context.Background(), "psu-1", d1)
	require.NoError(t, err)
	t.Cleanup(m.StopAll)

	require.NoError(t, m.SyncDevices(context.Background(), nil))
	assert.Equal(t, 1, m.GetSessionCount())

	d2 := driver.NewSimulatedElectronicLoad("load-1", 2)
	require.NoError(t, m.SyncDevices(context.Background(), []DiscoveredDevice{{ID: "load-1", Driver: d2}}))
	assert.Equal(t, 2, m.GetSessionCount())
	assert.True(t, m.HasSession("psu-1"))
	assert.True(t, m.HasSession("load-1"))
}

func TestManager_SyncDevicesReconnectsExistingSession(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	m := NewManager(baseConfig(), fc, testLogger())
	d1 := driver.NewSimulatedPowerSupply("psu-1", 1)
	s, err := m.Connect(context.Background(), "psu-1", d1)
	require.NoError(t, err)
	t.Cleanup(m.StopAll)

	statusCh := make(chan model.ConnectionStatus, 4)
	s.Subscribe("watcher", func(msg bus.Message) {
		if msg.Type == "field" {
			data := msg.Data.(map[string]interface{})
			if data["field"] == "connectionStatus" {
				statusCh <- data["value"].(model.ConnectionStatus)
			}
		}
	})

	d2 := driver.NewSimulatedPowerSupply("psu-1", 1)
	require.NoError(t, m.SyncDevices(context.Background(), []DiscoveredDevice{{ID: "psu-1", Driver: d2}}))

	assert.Equal(t, 1, m.GetSessionCount())
	got, _ := m.GetSession("psu-1")
	assert.Same(t, s, got, "rediscovery must reconnect the existing session, not replace it")
	select {
	case st := <-statusCh:
		assert.Equal(t, model.StatusConnected, st)
	case <-time.After(time.Second):
		t.Fatal("did not observe connectionStatus broadcast on reconnect")
	}
}

func TestManager_UnsubscribeAllRemovesClientFromEverySession(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	m := NewManager(baseConfig(), fc, testLogger())
	t.Cleanup(m.StopAll)

	psu, err := m.Connect(context.Background(), "psu-1", driver.NewSimulatedPowerSupply("psu-1", 1))
	require.NoError(t, err)
	load, err := m.Connect(context.Background(), "load-1", driver.NewSimulatedElectronicLoad("load-1", 2))
	require.NoError(t, err)
	waitForCondition(t, func() bool {
		psuSt, loadSt := psu.GetState(), load.GetState()
		return psuSt.History.Len() >= 1 && loadSt.History.Len() >= 1
	})

	got := make(chan bus.Message, 16)
	require.NoError(t, m.Subscribe("psu-1", "ui-client", func(msg bus.Message) { got <- msg }))
	require.NoError(t, m.Subscribe("load-1", "ui-client", func(msg bus.Message) { got <- msg }))

	m.UnsubscribeAll("ui-client")

	require.NoError(t, m.SetMode("psu-1", "CC"))
	require.NoError(t, m.SetMode("load-1", "CR"))
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, got, "a torn-down client must receive nothing from any session")
}

func TestManager_IsSessionDisconnected(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	m := NewManager(baseConfig(), fc, testLogger())
	t.Cleanup(m.StopAll)

	assert.False(t, m.IsSessionDisconnected("missing"))

	d := driver.NewSimulatedPowerSupply("psu-1", 1)
	s, err := m.Connect(context.Background(), "psu-1", d)
	require.NoError(t, err)
	assert.False(t, m.IsSessionDisconnected("psu-1"))

	d.FailNextGetStatus(injectedErr{"read: SERIAL_PORT_DISCONNECTED"})
	fc.Advance(time.Duration(baseConfig().PollIntervalMs) * time.Millisecond)
	waitForCondition(t, func() bool { return s.ConnectionStatus() == model.StatusDisconnected })
	assert.True(t, m.IsSessionDisconnected("psu-1"))
}

func TestManager_OscilloscopeSessionsGetPollFloor(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	cfg := baseConfig()
	cfg.PollIntervalMs = 50
	m := NewManager(cfg, fc, testLogger())
	t.Cleanup(m.StopAll)

	d := driver.NewSimulatedOscilloscope("scope-1", 1)
	s, err := m.Connect(context.Background(), "scope-1", d)
	require.NoError(t, err)

	waitForCondition(t, func() bool { st := s.GetState(); return st.History.Len() == 1 })

	// A two-trace scope polls no faster than the dual-channel floor, even
	// though the configured cadence is 50ms.
	fc.Advance(300 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	st := s.GetState()
	assert.Equal(t, 1, st.History.Len())

	fc.Advance(50 * time.Millisecond)
	waitForCondition(t, func() bool { st := s.GetState(); return st.History.Len() == 2 })
}

func TestManager_DisconnectRemovesSession(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	m := NewManager(baseConfig(), fc, testLogger())
	d := driver.NewSimulatedPowerSupply("psu-1", 1)
	_, err := m.Connect(context.Background(), "psu-1", d)
	require.NoError(t, err)

	require.NoError(t, m.Disconnect("psu-1"))
	assert.False(t, m.HasSession("psu-1"))

	err = m.Disconnect("psu-1")
	require.Error(t, err)
}
