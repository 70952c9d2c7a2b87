package model

import (
	"fmt"
	"math"
	"time"
)

// WaveformType enumerates the parametric waveform shapes.
type WaveformType string

const (
	WaveformSine     WaveformType = "sine"
	WaveformTriangle WaveformType = "triangle"
	WaveformRamp     WaveformType = "ramp"
	WaveformSquare   WaveformType = "square"
)

// ParametricWaveform is waveform variant (a).
type ParametricWaveform struct {
	Type           WaveformType `json:"type"`
	Min            float64      `json:"min"`
	Max            float64      `json:"max"`
	PointsPerCycle int          `json:"pointsPerCycle"`
	IntervalMs     int          `json:"intervalMs"`
}

// RandomWalkWaveform is waveform variant (b).
type RandomWalkWaveform struct {
	StartValue     float64 `json:"startValue"`
	Min            float64 `json:"min"`
	Max            float64 `json:"max"`
	MaxStepSize    float64 `json:"maxStepSize"`
	PointsPerCycle int     `json:"pointsPerCycle"`
	IntervalMs     int     `json:"intervalMs"`
}

// SequenceStep is one point of waveform variant (c), also the resolved
// form that parametric/random-walk waveforms are expanded into.
type SequenceStep struct {
	Value   float64 `json:"value"`
	DwellMs int     `json:"dwellMs"`
}

// Waveform is the closed sum of the three waveform kinds. Exactly one of
// Parametric, RandomWalk, Arbitrary is set.
type Waveform struct {
	Parametric *ParametricWaveform `json:"parametric,omitempty"`
	RandomWalk *RandomWalkWaveform `json:"randomWalk,omitempty"`
	Arbitrary  []SequenceStep      `json:"arbitrary,omitempty"`
}

// Modifiers are optional per-run transforms applied to every resolved step.
type Modifiers struct {
	Scale       *float64 `json:"scale,omitempty"`
	Offset      *float64 `json:"offset,omitempty"`
	MinClamp    *float64 `json:"minClamp,omitempty"`
	MaxClamp    *float64 `json:"maxClamp,omitempty"`
	PreValue    *float64 `json:"preValue,omitempty"`
	PostValue   *float64 `json:"postValue,omitempty"`
	MaxSlewRate *float64 `json:"maxSlewRate,omitempty"`
}

// SequenceDefinition is a stored, replayable waveform: identity, the unit
// it commands, the waveform itself, and optional per-run modifiers.
type SequenceDefinition struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Unit      string    `json:"unit"`
	Waveform  Waveform  `json:"waveform"`
	Modifiers Modifiers `json:"modifiers"`
}

// Validate checks a definition against the waveform limits: unit must be
// a known unit, exactly one waveform variant must be set, parametric
// limits must be in range, and every value must be finite.
func (d SequenceDefinition) Validate() error {
	if !ValidUnits[d.Unit] {
		return NewCodedError(ErrBadWaveform, fmt.Sprintf("unknown unit %q", d.Unit))
	}

	variants := 0
	if d.Waveform.Parametric != nil {
		variants++
	}
	if d.Waveform.RandomWalk != nil {
		variants++
	}
	if len(d.Waveform.Arbitrary) > 0 {
		variants++
	}
	if variants != 1 {
		return NewCodedError(ErrBadWaveform, "waveform must have exactly one variant set")
	}

	switch {
	case d.Waveform.Parametric != nil:
		p := d.Waveform.Parametric
		if err := validateCycleLimits(p.PointsPerCycle, p.IntervalMs); err != nil {
			return err
		}
		if err := validateRange(p.Min, p.Max); err != nil {
			return err
		}
	case d.Waveform.RandomWalk != nil:
		w := d.Waveform.RandomWalk
		if err := validateCycleLimits(w.PointsPerCycle, w.IntervalMs); err != nil {
			return err
		}
		if err := validateRange(w.Min, w.Max); err != nil {
			return err
		}
		if !isFinite(w.StartValue) || !isFinite(w.MaxStepSize) || w.MaxStepSize < 0 {
			return NewCodedError(ErrBadWaveform, "random walk startValue/maxStepSize must be finite and non-negative")
		}
	default:
		if len(d.Waveform.Arbitrary) > MaxArbitrarySteps {
			return NewCodedError(ErrBadWaveform,
				fmt.Sprintf("arbitrary waveform exceeds %d steps", MaxArbitrarySteps))
		}
		for i, s := range d.Waveform.Arbitrary {
			if !isFinite(s.Value) {
				return NewCodedError(ErrBadWaveform, fmt.Sprintf("step %d: value must be finite", i))
			}
			if s.DwellMs < 0 || s.DwellMs > MaxIntervalMs {
				return NewCodedError(ErrBadWaveform, fmt.Sprintf("step %d: dwellMs out of range", i))
			}
		}
	}

	for _, v := range []*float64{
		d.Modifiers.Scale, d.Modifiers.Offset, d.Modifiers.MinClamp, d.Modifiers.MaxClamp,
		d.Modifiers.PreValue, d.Modifiers.PostValue, d.Modifiers.MaxSlewRate,
	} {
		if v != nil && !isFinite(*v) {
			return NewCodedError(ErrBadWaveform, "modifiers must be finite")
		}
	}
	return nil
}

func validateCycleLimits(pointsPerCycle, intervalMs int) error {
	if pointsPerCycle < MinPointsPerCycle || pointsPerCycle > MaxPointsPerCycle {
		return NewCodedError(ErrBadWaveform,
			fmt.Sprintf("pointsPerCycle must be in [%d, %d], got %d", MinPointsPerCycle, MaxPointsPerCycle, pointsPerCycle))
	}
	if intervalMs < MinIntervalMs || intervalMs > MaxIntervalMs {
		return NewCodedError(ErrBadWaveform,
			fmt.Sprintf("intervalMs must be in [%d, %d], got %d", MinIntervalMs, MaxIntervalMs, intervalMs))
	}
	return nil
}

func validateRange(min, max float64) error {
	if !isFinite(min) || !isFinite(max) {
		return NewCodedError(ErrBadWaveform, "min/max must be finite")
	}
	if min >= max {
		return NewCodedError(ErrBadWaveform, "min must be less than max")
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// RepeatKind enumerates a run's repeat mode.
type RepeatKind string

const (
	RepeatOnce       RepeatKind = "once"
	RepeatCount      RepeatKind = "count"
	RepeatContinuous RepeatKind = "continuous"
)

// SequenceRunConfig binds a sequence to the device output it plays
// against and how many times it repeats.
type SequenceRunConfig struct {
	SequenceID     string     `json:"sequenceId"`
	TargetDeviceID string     `json:"targetDeviceId"`
	Parameter      string     `json:"parameter"`
	Repeat         RepeatKind `json:"repeat"`
	RepeatCount    int        `json:"repeatCount,omitempty"`
}

// SequenceExecState is a sequence run's execution state.
type SequenceExecState string

const (
	SeqIdle      SequenceExecState = "idle"
	SeqRunning   SequenceExecState = "running"
	SeqPaused    SequenceExecState = "paused"
	SeqCompleted SequenceExecState = "completed"
	SeqError     SequenceExecState = "error"
)

// SequenceState is the reported snapshot of a sequence run's progress.
type SequenceState struct {
	RunID            string            `json:"runId"`
	SequenceID       string            `json:"sequenceId"`
	DeviceID         string            `json:"deviceId"`
	Parameter        string            `json:"parameter"`
	State            SequenceExecState `json:"state"`
	CurrentStepIndex int               `json:"currentStepIndex"`
	TotalSteps       int               `json:"totalSteps"`
	CurrentCycle     int               `json:"currentCycle"`
	TotalCycles      *int              `json:"totalCycles"`
	StartedAt        time.Time         `json:"startedAt"`
	ElapsedMs        int64             `json:"elapsedMs"`
	CommandedValue   float64           `json:"commandedValue"`
	Error            string            `json:"error,omitempty"`
	SkippedSteps     int               `json:"skippedSteps"`
}
