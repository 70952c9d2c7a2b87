// Package trigger implements a reactive evaluator that checks a
// TriggerScript's conditions against the live session set and fires
// actions into the session and sequence managers.
//
// Scheduling follows the same single-goroutine, command-channel idiom as
// sequence.Controller: one goroutine owns every mutable scheduling field,
// and external Pause/Resume/Stop calls round-trip through a command
// channel instead of taking a lock.
package trigger

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/CK6170/labctl-go/internal/bus"
	"github.com/CK6170/labctl-go/internal/clock"
	"github.com/CK6170/labctl-go/internal/model"
	"github.com/CK6170/labctl-go/internal/sequence"
	"github.com/CK6170/labctl-go/internal/session"
)

type cmdKind int

const (
	cmdPause cmdKind = iota
	cmdResume
	cmdStop
)

type cmdReq struct {
	kind  cmdKind
	reply chan struct{}
}

// timeTrigger tracks one time-kind Trigger's scheduling.
type timeTrigger struct {
	trigger  model.Trigger
	targetAt time.Time
	fired    bool
}

// Engine executes one TriggerScript. Created per script start, reaches
// state=stopped, and is then discarded.
type Engine struct {
	scriptID string
	script   model.TriggerScript

	sessions *session.Manager
	seqs     *sequence.Manager
	clk      clock.Clock
	bus      *bus.Bus
	cfg      model.TriggerConfig
	log      *logrus.Entry

	cmdCh  chan cmdReq
	doneCh chan struct{}

	started bool

	// run-goroutine-owned scheduling state.
	nextEvalAt     time.Time
	nextProgressAt time.Time
	pausedAt       time.Time
	pauseElapsedMs int64
	timeTriggers   []*timeTrigger

	stateMu sync.RWMutex
	state   model.TriggerEngineState
}

// NewEngine constructs an Engine for scriptID's script. It does not start
// evaluation; call Start for that.
func NewEngine(scriptID string, script model.TriggerScript, sessions *session.Manager, seqs *sequence.Manager, cfg model.TriggerConfig, clk clock.Clock, b *bus.Bus, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	triggers := make(map[string]model.TriggerRuntimeState, len(script.Triggers))
	for _, tr := range script.Triggers {
		triggers[tr.ID] = model.TriggerRuntimeState{TriggerID: tr.ID}
	}
	return &Engine{
		scriptID: scriptID,
		script:   script,
		sessions: sessions,
		seqs:     seqs,
		cfg:      cfg,
		clk:      clk,
		bus:      b,
		log:      log.WithField("scriptId", scriptID),
		cmdCh:    make(chan cmdReq),
		doneCh:   make(chan struct{}),
		state: model.TriggerEngineState{
			ScriptID: scriptID,
			State:    model.TriggerIdle,
			Triggers: triggers,
		},
	}
}

// ScriptID returns the id this engine was constructed for.
func (e *Engine) ScriptID() string { return e.scriptID }

// GetState returns a read-only snapshot of the engine's run state.
func (e *Engine) GetState() model.TriggerEngineState {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	st := e.state
	st.Triggers = make(map[string]model.TriggerRuntimeState, len(e.state.Triggers))
	for k, v := range e.state.Triggers {
		st.Triggers[k] = v
	}
	st.ElapsedMs = e.elapsedLocked()
	return st
}

func (e *Engine) elapsedLocked() int64 {
	if e.state.StartedAt.IsZero() {
		return 0
	}
	now := e.clk.Now()
	elapsed := now.Sub(e.state.StartedAt).Milliseconds() - e.pauseElapsedMs
	if e.state.State == model.TriggerPaused {
		elapsed -= now.Sub(e.pausedAt).Milliseconds()
	}
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed
}

// Start initializes runtime state for every trigger, arms time-kind
// triggers, and begins the evaluator/progress-broadcaster loop.
func (e *Engine) Start() {
	now := e.clk.Now()
	e.started = true

	e.stateMu.Lock()
	e.state.State = model.TriggerRunning
	e.state.StartedAt = now
	e.stateMu.Unlock()

	evalInterval := time.Duration(e.cfg.EvalIntervalMs) * time.Millisecond
	progressInterval := time.Duration(e.cfg.ProgressIntervalMs) * time.Millisecond
	e.nextEvalAt = now.Add(evalInterval)
	e.nextProgressAt = now.Add(progressInterval)

	for _, tr := range e.script.Triggers {
		if tr.Condition.Kind == model.ConditionTime {
			e.timeTriggers = append(e.timeTriggers, &timeTrigger{
				trigger:  tr,
				targetAt: now.Add(time.Duration(tr.Condition.SecondsFromStart * float64(time.Second))),
			})
		}
	}

	e.publish("triggerScriptStarted", e.GetState())
	go e.run()
}

func (e *Engine) run() {
	defer close(e.doneCh)
	for {
		next := e.nextWakeup()
		now := e.clk.Now()
		delay := next.Sub(now)
		if delay < 0 {
			delay = 0
		}
		timer := e.clk.NewTimer(delay)

		select {
		case <-timer.C():
			e.tick()
		case req := <-e.cmdCh:
			timer.Stop()
			if e.handleCmd(req) {
				return
			}
		}
	}
}

func (e *Engine) nextWakeup() time.Time {
	next := e.nextEvalAt
	if e.nextProgressAt.Before(next) {
		next = e.nextProgressAt
	}
	for _, tt := range e.timeTriggers {
		if !tt.fired && tt.targetAt.Before(next) {
			next = tt.targetAt
		}
	}
	return next
}

func (e *Engine) tick() {
	now := e.clk.Now()
	evalInterval := time.Duration(e.cfg.EvalIntervalMs) * time.Millisecond
	progressInterval := time.Duration(e.cfg.ProgressIntervalMs) * time.Millisecond

	if !e.nextEvalAt.After(now) {
		e.evalTick(now)
		e.nextEvalAt = now.Add(evalInterval)
	}
	if !e.nextProgressAt.After(now) {
		e.publish("triggerScriptProgress", e.GetState())
		e.nextProgressAt = now.Add(progressInterval)
	}
	for _, tt := range e.timeTriggers {
		if !tt.fired && !tt.targetAt.After(now) {
			tt.fired = true
			if e.shouldFire(tt.trigger) {
				e.fire(tt.trigger)
			}
		}
	}
}

// evalTick checks every value-kind trigger for a rising-edge condition
// and fires it. Only reached while state=running.
func (e *Engine) evalTick(now time.Time) {
	for _, tr := range e.script.Triggers {
		if tr.Condition.Kind != model.ConditionValue {
			continue
		}
		measured, ok := e.readMeasurement(tr.Condition.DeviceID, tr.Condition.Parameter)
		if !ok {
			continue
		}
		met := tr.Condition.Evaluate(measured)

		e.stateMu.Lock()
		rt := e.state.Triggers[tr.ID]
		rt.PreviousConditionMet = rt.ConditionMet
		rt.ConditionMet = met
		e.state.Triggers[tr.ID] = rt
		e.stateMu.Unlock()

		risingEdge := met && !rt.PreviousConditionMet
		if risingEdge && e.shouldFire(tr) {
			e.fire(tr)
		}
	}
}

func (e *Engine) readMeasurement(deviceID, parameter string) (float64, bool) {
	dev, ok := e.sessions.GetSession(deviceID)
	if !ok {
		return 0, false
	}
	v, ok := dev.GetState().Status.Measurements[parameter]
	return v, ok
}

// shouldFire is the debounce/once-repeat gate.
func (e *Engine) shouldFire(tr model.Trigger) bool {
	e.stateMu.RLock()
	rt := e.state.Triggers[tr.ID]
	e.stateMu.RUnlock()

	if tr.DebounceMs > 0 && !rt.LastFiredAt.IsZero() {
		if e.clk.Now().Sub(rt.LastFiredAt) < time.Duration(tr.DebounceMs)*time.Millisecond {
			return false
		}
	}
	if tr.RepeatMode == model.TriggerOnce && rt.FiredCount > 0 {
		return false
	}
	return true
}

// fire is atomic from the engine's point of view: bump firedCount/lastFiredAt,
// broadcast triggerFired, then dispatch the action. Action failure never
// stops the engine.
func (e *Engine) fire(tr model.Trigger) {
	now := e.clk.Now()

	e.stateMu.Lock()
	rt := e.state.Triggers[tr.ID]
	rt.FiredCount++
	rt.LastFiredAt = now
	e.state.Triggers[tr.ID] = rt
	e.stateMu.Unlock()

	e.publish("triggerFired", map[string]interface{}{
		"scriptId":     e.scriptID,
		"triggerId":    tr.ID,
		"triggerState": rt,
	})

	if err := e.dispatch(tr.Action); err != nil {
		e.publish("triggerActionFailed", map[string]interface{}{
			"scriptId":   e.scriptID,
			"triggerId":  tr.ID,
			"actionType": tr.Action.Kind,
			"error":      err.Error(),
		})
	}
}

func (e *Engine) dispatch(a model.Action) error {
	switch a.Kind {
	case model.ActionSetValue:
		return e.sessions.SetValue(a.DeviceID, a.Parameter, a.Value, true)
	case model.ActionSetOutput:
		return e.sessions.SetOutput(a.DeviceID, a.Enabled)
	case model.ActionSetMode:
		return e.sessions.SetMode(a.DeviceID, a.Mode)
	case model.ActionStartSequence:
		_, err := e.seqs.RunByID(a.SequenceID,
			model.SequenceRunConfig{TargetDeviceID: a.DeviceID, Parameter: a.Parameter, Repeat: a.RepeatMode, RepeatCount: a.RepeatCount})
		return err
	case model.ActionStopSequence:
		return e.seqs.AbortTarget(a.DeviceID, a.Parameter)
	case model.ActionPauseSequence:
		return e.seqs.PauseTarget(a.DeviceID, a.Parameter)
	default:
		return model.NewCodedError("UNKNOWN_ACTION", string(a.Kind))
	}
}

func (e *Engine) publish(msgType string, data interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Message{Type: msgType, ScriptID: e.scriptID, Data: data})
}

func (e *Engine) handleCmd(req cmdReq) bool {
	switch req.kind {
	case cmdPause:
		e.doPause()
		close(req.reply)
		return e.waitWhilePaused()
	case cmdStop:
		e.doStop()
		close(req.reply)
		return true
	case cmdResume:
		close(req.reply)
		return false
	}
	close(req.reply)
	return false
}

func (e *Engine) waitWhilePaused() bool {
	for {
		req := <-e.cmdCh
		switch req.kind {
		case cmdResume:
			e.doResume()
			close(req.reply)
			return false
		case cmdStop:
			e.doStop()
			close(req.reply)
			return true
		default:
			close(req.reply)
		}
	}
}

// doPause stops the evaluator/progress scheduling; pending time-trigger
// deadlines go dormant until resume reschedules them.
func (e *Engine) doPause() {
	now := e.clk.Now()
	e.stateMu.Lock()
	e.state.State = model.TriggerPaused
	e.pausedAt = now
	e.stateMu.Unlock()
	e.publish("triggerScriptPaused", e.GetState())
}

// doResume reschedules each unfired time-trigger using its remaining time
// and restarts the evaluator/progress ticker.
func (e *Engine) doResume() {
	now := e.clk.Now()
	e.stateMu.Lock()
	pausedDur := now.Sub(e.pausedAt)
	e.pauseElapsedMs += pausedDur.Milliseconds()
	e.stateMu.Unlock()

	for _, tt := range e.timeTriggers {
		if !tt.fired {
			tt.targetAt = tt.targetAt.Add(pausedDur)
		}
	}
	evalInterval := time.Duration(e.cfg.EvalIntervalMs) * time.Millisecond
	progressInterval := time.Duration(e.cfg.ProgressIntervalMs) * time.Millisecond
	e.nextEvalAt = now.Add(evalInterval)
	e.nextProgressAt = now.Add(progressInterval)

	e.stateMu.Lock()
	e.state.State = model.TriggerRunning
	e.stateMu.Unlock()
	e.publish("triggerScriptResumed", e.GetState())
}

func (e *Engine) doStop() {
	e.stateMu.Lock()
	e.state.State = model.TriggerStopped
	e.stateMu.Unlock()
	e.publish("triggerScriptStopped", e.GetState())
}

// Pause transitions a running engine to paused. Blocks until applied.
func (e *Engine) Pause() error {
	e.stateMu.RLock()
	st := e.state.State
	e.stateMu.RUnlock()
	if st != model.TriggerRunning {
		return model.NewCodedError("INVALID_STATE", "pause requires a running trigger script")
	}
	return e.sendCmd(cmdPause)
}

// Resume transitions a paused engine back to running.
func (e *Engine) Resume() error {
	e.stateMu.RLock()
	st := e.state.State
	e.stateMu.RUnlock()
	if st != model.TriggerPaused {
		return model.NewCodedError("INVALID_STATE", "resume requires a paused trigger script")
	}
	return e.sendCmd(cmdResume)
}

// Stop cancels all timers and transitions to stopped. Idempotent.
func (e *Engine) Stop() error {
	if !e.started {
		return nil
	}
	select {
	case <-e.doneCh:
		return nil
	default:
	}
	return e.sendCmd(cmdStop)
}

func (e *Engine) sendCmd(kind cmdKind) error {
	reply := make(chan struct{})
	select {
	case e.cmdCh <- cmdReq{kind: kind, reply: reply}:
	case <-e.doneCh:
		return nil
	}
	select {
	case <-reply:
	case <-e.doneCh:
	}
	return nil
}

// Done returns a channel closed once the engine has stopped.
func (e *Engine) Done() <-chan struct{} { return e.doneCh }
