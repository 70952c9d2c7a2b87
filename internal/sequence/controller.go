package sequence

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/CK6170/labctl-go/internal/bus"
	"github.com/CK6170/labctl-go/internal/clock"
	"github.com/CK6170/labctl-go/internal/model"
	"github.com/CK6170/labctl-go/internal/session"
)

type cmdKind int

const (
	cmdPause cmdKind = iota
	cmdResume
	cmdAbort
)

type cmdReq struct {
	kind  cmdKind
	reply chan struct{}
}

// Controller plays one SequenceDefinition against one session's output
// parameter. Every mutable scheduling field (steps, schedule,
// cycleEndTime, pausedAt, pauseElapsedMs, lastEmitted) is owned by a single
// goroutine (run); external Pause/Resume/Abort calls are commands sent over
// cmdCh and executed on that goroutine, so there is no scheduling mutex.
// The only lock is stateMu, which guards the read-only published snapshot that GetState
// exposes to arbitrary caller goroutines.
type Controller struct {
	runID string
	dev   *session.DeviceSession
	def   model.SequenceDefinition
	cfg   model.SequenceRunConfig

	minIntervalMs int
	clk           clock.Clock
	bus           *bus.Bus
	log           *logrus.Entry
	rng           *distuv.Uniform

	cmdCh  chan cmdReq
	doneCh chan struct{}

	started bool

	// run-goroutine-owned scheduling state.
	steps          []model.SequenceStep
	schedule       []time.Time
	cycleEndTime   time.Time
	pausedAt       time.Time
	pauseElapsedMs int64
	lastEmitted    *float64

	stateMu sync.RWMutex
	state   model.SequenceState
}

// NewController validates the run and constructs a Controller. It does not
// start playback; call Start for that.
func NewController(runID string, dev *session.DeviceSession, def model.SequenceDefinition, runCfg model.SequenceRunConfig, minIntervalMs int, clk clock.Clock, seed int64, b *bus.Bus, log *logrus.Entry) (*Controller, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	output, ok := dev.GetState().Capabilities.OutputByName(runCfg.Parameter)
	if !ok {
		return nil, model.NewCodedError(model.ErrParameterNotFound, runCfg.Parameter)
	}
	if err := ValidateUnit(def, output.Unit); err != nil {
		return nil, err
	}

	var totalCycles *int
	switch runCfg.Repeat {
	case model.RepeatOnce:
		one := 1
		totalCycles = &one
	case model.RepeatCount:
		n := runCfg.RepeatCount
		totalCycles = &n
	case model.RepeatContinuous:
		totalCycles = nil
	}

	c := &Controller{
		runID:         runID,
		dev:           dev,
		def:           def,
		cfg:           runCfg,
		minIntervalMs: minIntervalMs,
		clk:           clk,
		bus:           b,
		log:           log.WithFields(logrus.Fields{"runId": runID, "sequenceId": def.ID}),
		rng:           &distuv.Uniform{Src: rand.NewPCG(uint64(seed), uint64(seed))},
		cmdCh:         make(chan cmdReq),
		doneCh:        make(chan struct{}),
		state: model.SequenceState{
			RunID:       runID,
			SequenceID:  def.ID,
			DeviceID:    runCfg.TargetDeviceID,
			Parameter:   runCfg.Parameter,
			State:       model.SeqIdle,
			TotalCycles: totalCycles,
		},
	}
	return c, nil
}

// RunID returns this run's identity.
func (c *Controller) RunID() string { return c.runID }

// GetState returns a read-only snapshot of the run's current progress.
func (c *Controller) GetState() model.SequenceState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	st := c.state
	st.ElapsedMs = c.elapsedLocked()
	return st
}

func (c *Controller) elapsedLocked() int64 {
	if c.state.StartedAt.IsZero() {
		return 0
	}
	now := c.clk.Now()
	elapsed := now.Sub(c.state.StartedAt).Milliseconds() - c.pauseElapsedMs
	if c.state.State == model.SeqPaused {
		elapsed -= now.Sub(c.pausedAt).Milliseconds()
	}
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed
}

// Start resolves the waveform, emits the optional preValue, and begins
// drift-free playback.
func (c *Controller) Start() error {
	steps, err := Resolve(c.def.Waveform, c.rng, nil)
	if err != nil {
		return err
	}
	steps = ApplyModifiers(steps, c.def.Modifiers)
	if len(steps) == 0 {
		return model.NewCodedError(model.ErrBadWaveform, "resolved waveform has zero steps")
	}

	now := c.clk.Now()
	c.steps = steps
	c.schedule, c.cycleEndTime = buildSchedule(steps, now, c.minIntervalMs)
	c.started = true

	c.stateMu.Lock()
	c.state.TotalSteps = len(steps)
	c.state.State = model.SeqRunning
	c.state.StartedAt = now
	c.state.CurrentStepIndex = 0
	c.state.CurrentCycle = 0
	c.stateMu.Unlock()

	if pre := c.def.Modifiers.PreValue; pre != nil {
		v := ApplyPrePostModifiers(*pre, c.def.Modifiers)
		if err := c.dev.SetValue(c.cfg.Parameter, v, true); err != nil {
			c.stateMu.Lock()
			c.state.State = model.SeqError
			c.state.Error = err.Error()
			c.stateMu.Unlock()
			c.publish("sequenceError", map[string]interface{}{"sequenceId": c.def.ID, "error": err.Error()})
			close(c.doneCh)
			return err
		}
	}

	c.publish("sequenceStarted", c.GetState())
	go c.run()
	return nil
}

func buildSchedule(steps []model.SequenceStep, start time.Time, minIntervalMs int) ([]time.Time, time.Time) {
	n := len(steps)
	schedule := make([]time.Time, n)
	schedule[0] = start
	for k := 1; k < n; k++ {
		d := steps[k-1].DwellMs
		if d < minIntervalMs {
			d = minIntervalMs
		}
		schedule[k] = schedule[k-1].Add(time.Duration(d) * time.Millisecond)
	}
	lastDwell := steps[n-1].DwellMs
	if lastDwell < minIntervalMs {
		lastDwell = minIntervalMs
	}
	cycleEnd := schedule[n-1].Add(time.Duration(lastDwell) * time.Millisecond)
	return schedule, cycleEnd
}

// run is the single scheduling goroutine. It owns steps/schedule/
// cycleEndTime/pausedAt/pauseElapsedMs/lastEmitted exclusively; Pause,
// Resume and Abort mutate them only by round-tripping through cmdCh so
// there is never a cross-goroutine write.
func (c *Controller) run() {
	defer close(c.doneCh)
	for {
		idx := c.state.CurrentStepIndex
		target := c.schedule[idx]
		now := c.clk.Now()
		delay := target.Sub(now)
		if delay < 0 {
			delay = 0
		}
		timer := c.clk.NewTimer(delay)

		select {
		case <-timer.C():
			if c.emitStep(idx) {
				return
			}
		case req := <-c.cmdCh:
			timer.Stop()
			if c.handleCmd(req) {
				return
			}
		}
	}
}

// handleCmd processes one command on the run goroutine. Returns true if the
// run goroutine should exit (abort).
func (c *Controller) handleCmd(req cmdReq) bool {
	switch req.kind {
	case cmdPause:
		c.doPause()
		close(req.reply)
		return c.waitWhilePaused()
	case cmdAbort:
		c.doAbort(true)
		close(req.reply)
		return true
	case cmdResume:
		// not currently paused (only reachable here while running): no-op.
		close(req.reply)
		return false
	}
	close(req.reply)
	return false
}

// waitWhilePaused blocks the run goroutine until Resume or Abort arrives.
// Returns true if the run should terminate (aborted).
func (c *Controller) waitWhilePaused() bool {
	for {
		req := <-c.cmdCh
		switch req.kind {
		case cmdResume:
			c.doResume()
			close(req.reply)
			return false
		case cmdAbort:
			c.doAbort(true)
			close(req.reply)
			return true
		default:
			close(req.reply)
		}
	}
}

// emitStep writes step idx's value, broadcasts progress, and advances the
// schedule. Returns true if the run is now terminal.
func (c *Controller) emitStep(idx int) bool {
	step := c.steps[idx]

	if err := c.dev.SetValue(c.cfg.Parameter, step.Value, true); err != nil {
		c.stateMu.Lock()
		c.state.State = model.SeqError
		c.state.Error = err.Error()
		c.stateMu.Unlock()
		c.publish("sequenceError", map[string]interface{}{"sequenceId": c.def.ID, "error": err.Error()})
		return true
	}

	v := step.Value
	c.lastEmitted = &v

	c.stateMu.Lock()
	c.state.CommandedValue = step.Value
	c.state.CurrentStepIndex = idx
	c.state.ElapsedMs = c.elapsedLocked()
	snapshot := c.state
	c.stateMu.Unlock()
	c.publish("sequenceProgress", snapshot)

	return c.advance(idx)
}

// advance moves to the next step, rolling into a new cycle (rebuilding the
// schedule from the previous cycleEndTime, never from "now") when the last
// step of a cycle was just emitted. Returns true if the run completed.
func (c *Controller) advance(idx int) bool {
	n := len(c.steps)
	nextIdx := idx + 1
	if nextIdx >= n {
		nextIdx = 0

		c.stateMu.Lock()
		c.state.CurrentCycle++
		cycle := c.state.CurrentCycle
		total := c.state.TotalCycles
		c.stateMu.Unlock()

		if total != nil && cycle >= *total {
			c.completeRun()
			return true
		}

		start := c.cycleEndTime
		var lastEmitted *float64
		if c.def.Waveform.RandomWalk != nil {
			lastEmitted = c.lastEmitted
		}
		steps, err := Resolve(c.def.Waveform, c.rng, lastEmitted)
		if err == nil {
			steps = ApplyModifiers(steps, c.def.Modifiers)
			c.steps = steps
		}
		c.schedule, c.cycleEndTime = buildSchedule(c.steps, start, c.minIntervalMs)
	}

	c.stateMu.Lock()
	c.state.CurrentStepIndex = nextIdx
	c.stateMu.Unlock()

	c.dropLateFrames()
	return false
}

// dropLateFrames advances currentStepIndex past any schedule instants
// already missed, without ever skipping the last step of a cycle. The
// dropped values are never emitted; only schedule integrity is preserved.
func (c *Controller) dropLateFrames() {
	now := c.clk.Now()
	n := len(c.steps)

	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	for c.state.CurrentStepIndex < n-1 && !c.schedule[c.state.CurrentStepIndex+1].After(now) {
		c.state.CurrentStepIndex++
		c.state.SkippedSteps++
	}
	if c.state.SkippedSteps > 0 {
		c.log.WithField("skippedSteps", c.state.SkippedSteps).Debug("sequence: dropped late frames")
	}
}

func (c *Controller) completeRun() {
	c.emitPostValueIfAny()
	c.stateMu.Lock()
	c.state.State = model.SeqCompleted
	c.stateMu.Unlock()
	c.publish("sequenceCompleted", map[string]interface{}{"sequenceId": c.def.ID})
}

func (c *Controller) doPause() {
	now := c.clk.Now()
	c.stateMu.Lock()
	c.state.State = model.SeqPaused
	c.pausedAt = now
	c.stateMu.Unlock()
	c.publish("sequenceProgress", c.GetState())
}

func (c *Controller) doResume() {
	now := c.clk.Now()

	c.stateMu.Lock()
	pausedDur := now.Sub(c.pausedAt)
	c.pauseElapsedMs += pausedDur.Milliseconds()
	idx := c.state.CurrentStepIndex
	c.stateMu.Unlock()

	for i := range c.schedule {
		c.schedule[i] = c.schedule[i].Add(pausedDur)
	}
	c.cycleEndTime = c.cycleEndTime.Add(pausedDur)

	// enforce the minIntervalMs floor on the next tick after resume.
	floor := now.Add(time.Duration(c.minIntervalMs) * time.Millisecond)
	if c.schedule[idx].Before(floor) {
		shift := floor.Sub(c.schedule[idx])
		for i := idx; i < len(c.schedule); i++ {
			c.schedule[i] = c.schedule[i].Add(shift)
		}
		c.cycleEndTime = c.cycleEndTime.Add(shift)
	}

	c.stateMu.Lock()
	c.state.State = model.SeqRunning
	c.stateMu.Unlock()
	c.publish("sequenceProgress", c.GetState())
}

func (c *Controller) doAbort(emitPost bool) {
	c.stateMu.RLock()
	st := c.state.State
	c.stateMu.RUnlock()
	if emitPost && (st == model.SeqRunning || st == model.SeqPaused) {
		c.emitPostValueIfAny()
	}
	c.stateMu.Lock()
	c.state.State = model.SeqIdle
	c.stateMu.Unlock()
	c.publish("sequenceAborted", map[string]interface{}{"sequenceId": c.def.ID})
}

func (c *Controller) emitPostValueIfAny() {
	post := c.def.Modifiers.PostValue
	if post == nil {
		return
	}
	v := ApplyPrePostModifiers(*post, c.def.Modifiers)
	if err := c.dev.SetValue(c.cfg.Parameter, v, true); err != nil {
		c.log.WithError(err).Warn("sequence: post-value write failed")
	}
}

func (c *Controller) publish(msgType string, data interface{}) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.Message{Type: msgType, DeviceID: c.cfg.TargetDeviceID, Data: data})
}

// Pause transitions a running controller to paused. It blocks until the
// run goroutine has applied the transition.
func (c *Controller) Pause() error {
	c.stateMu.RLock()
	st := c.state.State
	c.stateMu.RUnlock()
	if st != model.SeqRunning {
		return model.NewCodedError("INVALID_STATE", "pause requires a running sequence")
	}
	return c.sendCmd(cmdPause)
}

// Resume transitions a paused controller back to running, time-shifting
// the schedule by the elapsed pause duration.
func (c *Controller) Resume() error {
	c.stateMu.RLock()
	st := c.state.State
	c.stateMu.RUnlock()
	if st != model.SeqPaused {
		return model.NewCodedError("INVALID_STATE", "resume requires a paused sequence")
	}
	return c.sendCmd(cmdResume)
}

// Abort cancels playback, emits postValue if the run was active, and
// transitions to idle. Idempotent after a terminal state.
func (c *Controller) Abort() error {
	if !c.started {
		return nil
	}
	select {
	case <-c.doneCh:
		return nil
	default:
	}
	return c.sendCmd(cmdAbort)
}

func (c *Controller) sendCmd(kind cmdKind) error {
	reply := make(chan struct{})
	select {
	case c.cmdCh <- cmdReq{kind: kind, reply: reply}:
	case <-c.doneCh:
		return nil
	}
	select {
	case <-reply:
	case <-c.doneCh:
	}
	return nil
}

// Done returns a channel closed when the run reaches a terminal state
// (completed, error, or aborted) and its goroutine has exited.
func (c *Controller) Done() <-chan struct{} { return c.doneCh }
