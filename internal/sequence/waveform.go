// Package sequence resolves waveform definitions into concrete step lists
// and plays them against a session's output parameter with drift-free,
// absolute-time scheduling.
package sequence

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/CK6170/labctl-go/internal/model"
)

// Resolve expands a Waveform into a concrete step list. rng supplies
// randomness for the random-walk variant and lastEmitted seeds a random
// walk continuing into a new cycle.
func Resolve(w model.Waveform, rng *distuv.Uniform, lastEmitted *float64) ([]model.SequenceStep, error) {
	switch {
	case w.Parametric != nil:
		return resolveParametric(*w.Parametric)
	case w.RandomWalk != nil:
		return resolveRandomWalk(*w.RandomWalk, rng, lastEmitted)
	case len(w.Arbitrary) > 0:
		if len(w.Arbitrary) > model.MaxArbitrarySteps {
			return nil, model.NewCodedError(model.ErrBadWaveform,
				fmt.Sprintf("arbitrary waveform exceeds %d steps", model.MaxArbitrarySteps))
		}
		for i, s := range w.Arbitrary {
			if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
				return nil, model.NewCodedError(model.ErrBadWaveform,
					fmt.Sprintf("step %d: value must be finite", i))
			}
		}
		return append([]model.SequenceStep(nil), w.Arbitrary...), nil
	default:
		return nil, model.NewCodedError(model.ErrBadWaveform, "waveform has no variant set")
	}
}

func validateWaveformLimits(pointsPerCycle, intervalMs int) error {
	if pointsPerCycle < model.MinPointsPerCycle || pointsPerCycle > model.MaxPointsPerCycle {
		return model.NewCodedError(model.ErrBadWaveform,
			fmt.Sprintf("pointsPerCycle must be in [%d, %d], got %d", model.MinPointsPerCycle, model.MaxPointsPerCycle, pointsPerCycle))
	}
	if intervalMs < model.MinIntervalMs || intervalMs > model.MaxIntervalMs {
		return model.NewCodedError(model.ErrBadWaveform,
			fmt.Sprintf("intervalMs must be in [%d, %d], got %d", model.MinIntervalMs, model.MaxIntervalMs, intervalMs))
	}
	return nil
}

func resolveParametric(p model.ParametricWaveform) ([]model.SequenceStep, error) {
	if err := validateWaveformLimits(p.PointsPerCycle, p.IntervalMs); err != nil {
		return nil, err
	}
	if p.Min >= p.Max {
		return nil, model.NewCodedError(model.ErrBadWaveform, "min must be less than max")
	}
	n := p.PointsPerCycle
	steps := make([]model.SequenceStep, n)
	center := (p.Min + p.Max) / 2
	amplitude := (p.Max - p.Min) / 2

	switch p.Type {
	case model.WaveformSine:
		for i := 1; i <= n; i++ {
			v := center + amplitude*math.Sin(2*math.Pi*float64(i)/float64(n))
			steps[i-1] = model.SequenceStep{Value: v, DwellMs: p.IntervalMs}
		}
	case model.WaveformTriangle:
		half := n / 2
		for i := 0; i < n; i++ {
			var frac float64
			if i < half {
				frac = float64(i) / float64(half)
			} else {
				frac = float64(n-i) / float64(n-half)
			}
			steps[i] = model.SequenceStep{Value: p.Min + frac*(p.Max-p.Min), DwellMs: p.IntervalMs}
		}
	case model.WaveformRamp:
		for i := 0; i < n; i++ {
			frac := float64(i) / float64(n-1)
			steps[i] = model.SequenceStep{Value: p.Min + frac*(p.Max-p.Min), DwellMs: p.IntervalMs}
		}
	case model.WaveformSquare:
		maxSamples := n / 2
		for i := 0; i < n; i++ {
			v := p.Min
			if i < maxSamples {
				v = p.Max
			}
			steps[i] = model.SequenceStep{Value: v, DwellMs: p.IntervalMs}
		}
	default:
		return nil, model.NewCodedError(model.ErrBadWaveform, "unknown parametric waveform type: "+string(p.Type))
	}
	return steps, nil
}

func resolveRandomWalk(w model.RandomWalkWaveform, rng *distuv.Uniform, lastEmitted *float64) ([]model.SequenceStep, error) {
	if err := validateWaveformLimits(w.PointsPerCycle, w.IntervalMs); err != nil {
		return nil, err
	}
	if w.Min >= w.Max {
		return nil, model.NewCodedError(model.ErrBadWaveform, "min must be less than max")
	}
	n := w.PointsPerCycle
	steps := make([]model.SequenceStep, n)
	current := w.StartValue
	if lastEmitted != nil {
		current = *lastEmitted
	}
	rng.Min = -w.MaxStepSize
	rng.Max = w.MaxStepSize
	for i := 0; i < n; i++ {
		current += rng.Rand()
		if current < w.Min {
			current = w.Min
		}
		if current > w.Max {
			current = w.Max
		}
		steps[i] = model.SequenceStep{Value: current, DwellMs: w.IntervalMs}
	}
	return steps, nil
}

// ApplyModifiers applies scale, offset, then clamp (in that order, each
// side independently) to every step's value.
func ApplyModifiers(steps []model.SequenceStep, m model.Modifiers) []model.SequenceStep {
	out := make([]model.SequenceStep, len(steps))
	for i, s := range steps {
		out[i] = model.SequenceStep{Value: applyModifiersToValue(s.Value, m), DwellMs: s.DwellMs}
	}
	return out
}

func applyModifiersToValue(v float64, m model.Modifiers) float64 {
	if m.Scale != nil {
		v *= *m.Scale
	}
	if m.Offset != nil {
		v += *m.Offset
	}
	if m.MinClamp != nil && v < *m.MinClamp {
		v = *m.MinClamp
	}
	if m.MaxClamp != nil && v > *m.MaxClamp {
		v = *m.MaxClamp
	}
	return v
}

// ApplyPrePostModifiers applies the modifier subset used for preValue/
// postValue emission: scale, offset, maxClamp in that order. minClamp is
// deliberately excluded, unlike ApplyModifiers.
func ApplyPrePostModifiers(v float64, m model.Modifiers) float64 {
	if m.Scale != nil {
		v *= *m.Scale
	}
	if m.Offset != nil {
		v += *m.Offset
	}
	if m.MaxClamp != nil && v > *m.MaxClamp {
		v = *m.MaxClamp
	}
	return v
}

// ValidateUnit requires the sequence definition's unit to match the
// target output's unit before a run may start.
func ValidateUnit(seq model.SequenceDefinition, outputUnit string) error {
	if seq.Unit != outputUnit {
		return model.NewCodedError(model.ErrUnitMismatch,
			fmt.Sprintf("sequence unit %q does not match output unit %q", seq.Unit, outputUnit))
	}
	return nil
}
