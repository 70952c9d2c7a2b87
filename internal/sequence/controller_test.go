package sequence

import (
	"context"
	"sync"
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
	"github.com/CK6170/labctl-go/internal/session"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func newTestDeviceSession(t *testing.T, fc *clock.Fake, d *driver.SimulatedDriver) *session.DeviceSession {
	t.Helper()
	ctx := context.Background()
	info, err := d.Probe(ctx)
	require.NoError(t, err)
	caps, err := d.Capabilities(ctx)
	require.NoError(t, err)
	cfg := model.ApplyDefaults(model.Config{PollIntervalMs: 10_000_000})
	s := session.New(info.ID, d, info, caps, cfg, fc, testLog())
	t.Cleanup(s.Stop)
	return s
}

func waitFor(t *testing.T, cond func() bool) {
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

func sineSequenceDef() model.SequenceDefinition {
	return model.SequenceDefinition{
		ID:   "seq-sine",
		Unit: "V",
		Waveform: model.Waveform{Parametric: &model.ParametricWaveform{
			Type: model.WaveformSine, Min: 0, Max: 10, PointsPerCycle: 4, IntervalMs: 100,
		}},
	}
}

func TestController_SineSequenceDriftFreeAcrossCycles(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	d := driver.NewSimulatedPowerSupply("psu-seq-1", 1)
	dev := newTestDeviceSession(t, fc, d)

	b := bus.New(testLog())
	var mu sync.Mutex
	var emittedAt []time.Time
	var completed atomic.Bool
	b.Subscribe("test", func(m bus.Message) {
		switch m.Type {
		case "sequenceProgress":
			mu.Lock()
			emittedAt = append(emittedAt, fc.Now())
			mu.Unlock()
		case "sequenceCompleted":
			completed.Store(true)
		}
	})
	progressCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(emittedAt)
	}

	runCfg := model.SequenceRunConfig{TargetDeviceID: "psu-seq-1", Parameter: "voltage", Repeat: model.RepeatCount, RepeatCount: 3}
	ctrl, err := NewController("run-1", dev, sineSequenceDef(), runCfg, 50, fc, 1, b, testLog())
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())

	// 3 cycles * 4 steps = 12 scheduled emissions at t0, t0+100, ..., t0+1100,
	// with cycle boundaries computed from the previous cycleEndTime (not
	// "now"). The first step is due immediately; step the clock in lockstep
	// for the rest.
	waitFor(t, func() bool { return progressCount() == 1 })
	for i := 1; i < 12; i++ {
		fc.Advance(100 * time.Millisecond)
		want := i + 1
		waitFor(t, func() bool { return progressCount() == want })
	}

	waitFor(t, func() bool { return ctrl.GetState().State == model.SeqCompleted })
	assert.True(t, completed.Load())
	assert.Equal(t, 0, ctrl.GetState().SkippedSteps, "lockstep playback must not drop frames")

	mu.Lock()
	defer mu.Unlock()
	start := time.Unix(0, 0)
	for i, at := range emittedAt {
		assert.Equal(t, start.Add(time.Duration(i)*100*time.Millisecond), at,
			"emission %d snapped to wall clock instead of the precomputed schedule", i)
	}
}

func TestController_OverloadDropsFramesButNeverLastOfCycle(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	d := driver.NewSimulatedPowerSupply("psu-seq-6", 6)
	dev := newTestDeviceSession(t, fc, d)
	b := bus.New(testLog())

	var mu sync.Mutex
	var commanded []float64
	b.Subscribe("test", func(m bus.Message) {
		if m.Type == "sequenceProgress" {
			st := m.Data.(model.SequenceState)
			mu.Lock()
			commanded = append(commanded, st.CommandedValue)
			mu.Unlock()
		}
	})

	def := model.SequenceDefinition{
		ID:   "seq-steps",
		Unit: "V",
		Waveform: model.Waveform{Arbitrary: []model.SequenceStep{
			{Value: 1, DwellMs: 100}, {Value: 2, DwellMs: 100}, {Value: 3, DwellMs: 100}, {Value: 4, DwellMs: 100},
		}},
	}
	runCfg := model.SequenceRunConfig{TargetDeviceID: "psu-seq-6", Parameter: "voltage", Repeat: model.RepeatOnce}
	ctrl, err := NewController("run-6", dev, def, runCfg, 50, fc, 6, b, testLog())
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())

	waitFor(t, func() bool { return ctrl.GetState().CommandedValue == 1 })

	// Jump the clock far past the whole schedule: intermediate steps are
	// dropped but the last step of the cycle is still emitted.
	fc.Advance(time.Second)
	waitFor(t, func() bool { return ctrl.GetState().State == model.SeqCompleted })

	st := ctrl.GetState()
	assert.Greater(t, st.SkippedSteps, 0)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 4.0, commanded[len(commanded)-1], "the last step of a cycle is never dropped")
	assert.Less(t, len(commanded), 4, "intermediate late frames are dropped, not emitted")
}

func TestBuildSchedule_EnforcesMinIntervalFloor(t *testing.T) {
	steps := []model.SequenceStep{
		{Value: 1, DwellMs: 10}, {Value: 2, DwellMs: 200}, {Value: 3, DwellMs: 10},
	}
	start := time.Unix(0, 0)
	schedule, cycleEnd := buildSchedule(steps, start, 50)

	require.Len(t, schedule, 3)
	assert.Equal(t, start, schedule[0])
	assert.Equal(t, start.Add(50*time.Millisecond), schedule[1], "dwell below the floor is spaced at minIntervalMs")
	assert.Equal(t, start.Add(250*time.Millisecond), schedule[2])
	assert.Equal(t, start.Add(300*time.Millisecond), cycleEnd)
}

func TestController_PauseResumeExcludesPausedTimeFromElapsed(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	d := driver.NewSimulatedPowerSupply("psu-seq-2", 2)
	dev := newTestDeviceSession(t, fc, d)
	b := bus.New(testLog())

	runCfg := model.SequenceRunConfig{TargetDeviceID: "psu-seq-2", Parameter: "voltage", Repeat: model.RepeatContinuous}
	ctrl, err := NewController("run-2", dev, sineSequenceDef(), runCfg, 50, fc, 2, b, testLog())
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())

	fc.Advance(100 * time.Millisecond)
	waitFor(t, func() bool { return ctrl.GetState().CurrentStepIndex >= 1 })

	require.NoError(t, ctrl.Pause())
	assert.Equal(t, model.SeqPaused, ctrl.GetState().State)

	elapsedAtPause := ctrl.GetState().ElapsedMs
	fc.Advance(5 * time.Second) // simulate a long real-world pause
	assert.Equal(t, elapsedAtPause, ctrl.GetState().ElapsedMs)

	require.NoError(t, ctrl.Resume())
	assert.Equal(t, model.SeqRunning, ctrl.GetState().State)

	require.NoError(t, ctrl.Abort())
	waitFor(t, func() bool {
		select {
		case <-ctrl.Done():
			return true
		default:
			return false
		}
	})
}

func TestController_AbortEmitsPostValue(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	d := driver.NewSimulatedPowerSupply("psu-seq-3", 3)
	dev := newTestDeviceSession(t, fc, d)
	b := bus.New(testLog())

	aborted := make(chan bus.Message, 4)
	b.Subscribe("test", func(m bus.Message) {
		if m.Type == "sequenceAborted" {
			aborted <- m
		}
	})

	post := 2.5
	def := sineSequenceDef()
	def.Modifiers.PostValue = &post
	runCfg := model.SequenceRunConfig{TargetDeviceID: "psu-seq-3", Parameter: "voltage", Repeat: model.RepeatContinuous}
	ctrl, err := NewController("run-3", dev, def, runCfg, 50, fc, 3, b, testLog())
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())

	fc.Advance(100 * time.Millisecond)
	waitFor(t, func() bool { return ctrl.GetState().CurrentStepIndex >= 1 })

	require.NoError(t, ctrl.Abort())
	select {
	case <-aborted:
	case <-time.After(time.Second):
		t.Fatal("did not receive sequenceAborted")
	}

	waitFor(t, func() bool {
		v, err := d.GetValue(context.Background(), "voltage")
		return err == nil && v == 2.5
	})
}

func TestController_UnitMismatchRejectedAtConstruction(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	d := driver.NewSimulatedPowerSupply("psu-seq-4", 4)
	dev := newTestDeviceSession(t, fc, d)
	b := bus.New(testLog())

	def := sineSequenceDef()
	def.Unit = "A"
	runCfg := model.SequenceRunConfig{TargetDeviceID: "psu-seq-4", Parameter: "voltage", Repeat: model.RepeatOnce}
	_, err := NewController("run-4", dev, def, runCfg, 50, fc, 4, b, testLog())
	require.Error(t, err)
	coded, ok := err.(*model.CodedError)
	require.True(t, ok)
	assert.Equal(t, model.ErrUnitMismatch, coded.Code)
}

func TestController_AbortIsIdempotentAfterTerminal(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	d := driver.NewSimulatedPowerSupply("psu-seq-5", 5)
	dev := newTestDeviceSession(t, fc, d)
	b := bus.New(testLog())

	runCfg := model.SequenceRunConfig{TargetDeviceID: "psu-seq-5", Parameter: "voltage", Repeat: model.RepeatOnce}
	ctrl, err := NewController("run-5", dev, sineSequenceDef(), runCfg, 50, fc, 5, b, testLog())
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())

	for i := 0; i < 4; i++ {
		fc.Advance(100 * time.Millisecond)
	}
	waitFor(t, func() bool { return ctrl.GetState().State == model.SeqCompleted })

	require.NoError(t, ctrl.Abort())
	require.NoError(t, ctrl.Abort())
}
