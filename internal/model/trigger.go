package model

import "time"

// ConditionKind distinguishes the two Condition variants.
type ConditionKind string

const (
	ConditionValue ConditionKind = "value"
	ConditionTime  ConditionKind = "time"
)

// CompareOp enumerates value-condition comparison operators.
type CompareOp string

const (
	OpGT CompareOp = ">"
	OpLT CompareOp = "<"
	OpGE CompareOp = ">="
	OpLE CompareOp = "<="
	OpEQ CompareOp = "=="
	OpNE CompareOp = "!="
)

// Condition is the closed sum {kind=value, ...} | {kind=time, ...}.
type Condition struct {
	Kind ConditionKind `json:"kind"`

	// value-kind fields
	DeviceID  string    `json:"deviceId,omitempty"`
	Parameter string    `json:"parameter,omitempty"`
	Operator  CompareOp `json:"operator,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`

	// time-kind fields
	SecondsFromStart float64 `json:"secondsFromStart,omitempty"`
}

// Evaluate applies a value-condition's operator to a live measurement.
func (c Condition) Evaluate(measured float64) bool {
	switch c.Operator {
	case OpGT:
		return measured > c.Threshold
	case OpLT:
		return measured < c.Threshold
	case OpGE:
		return measured >= c.Threshold
	case OpLE:
		return measured <= c.Threshold
	case OpEQ:
		return measured == c.Threshold
	case OpNE:
		return measured != c.Threshold
	default:
		return false
	}
}

// ActionKind distinguishes the six Action variants.
type ActionKind string

const (
	ActionSetValue      ActionKind = "setValue"
	ActionSetOutput     ActionKind = "setOutput"
	ActionSetMode       ActionKind = "setMode"
	ActionStartSequence ActionKind = "startSequence"
	ActionStopSequence  ActionKind = "stopSequence"
	ActionPauseSequence ActionKind = "pauseSequence"
)

// Action is the closed sum of the six action kinds; only the fields
// relevant to Kind are populated.
type Action struct {
	Kind ActionKind `json:"kind"`

	DeviceID string `json:"deviceId,omitempty"`

	// setValue
	Parameter string  `json:"parameter,omitempty"`
	Value     float64 `json:"value,omitempty"`

	// setOutput
	Enabled bool `json:"enabled,omitempty"`

	// setMode
	Mode string `json:"mode,omitempty"`

	// startSequence
	SequenceID  string     `json:"sequenceId,omitempty"`
	RepeatMode  RepeatKind `json:"repeatMode,omitempty"`
	RepeatCount int        `json:"repeatCount,omitempty"`
}

// TriggerRepeatMode is the Trigger-level (not the sequence-run-level) repeat policy.
type TriggerRepeatMode string

const (
	TriggerOnce  TriggerRepeatMode = "once"
	TriggerEvery TriggerRepeatMode = "every"
)

// Trigger pairs a condition with the action to dispatch when it becomes
// true, plus the repeat policy and debounce window gating refires.
type Trigger struct {
	ID         string            `json:"id"`
	Condition  Condition         `json:"condition"`
	Action     Action            `json:"action"`
	RepeatMode TriggerRepeatMode `json:"repeatMode"`
	DebounceMs int               `json:"debounceMs"`
}

// TriggerScript is an ordered list of Triggers evaluated together.
type TriggerScript struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Triggers  []Trigger `json:"triggers"`
}

// TriggerRuntimeState tracks one Trigger's live evaluation state.
type TriggerRuntimeState struct {
	TriggerID            string    `json:"triggerId"`
	FiredCount           int       `json:"firedCount"`
	LastFiredAt          time.Time `json:"lastFiredAt"`
	ConditionMet         bool      `json:"conditionMet"`
	PreviousConditionMet bool      `json:"previousConditionMet"`
}

// TriggerExecState is a trigger engine run's own state.
type TriggerExecState string

const (
	TriggerIdle    TriggerExecState = "idle"
	TriggerRunning TriggerExecState = "running"
	TriggerPaused  TriggerExecState = "paused"
	TriggerStopped TriggerExecState = "stopped"
)

// TriggerEngineState is the reported snapshot of a running trigger engine.
type TriggerEngineState struct {
	ScriptID  string                         `json:"scriptId"`
	State     TriggerExecState               `json:"state"`
	StartedAt time.Time                      `json:"startedAt"`
	ElapsedMs int64                          `json:"elapsedMs"`
	Triggers  map[string]TriggerRuntimeState `json:"triggers"`
}
