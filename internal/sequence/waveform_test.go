package sequence

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/CK6170/labctl-go/internal/model"
)

func TestResolveParametric_SineReturnsToCenterAtCycleEnd(t *testing.T) {
	steps, err := Resolve(model.Waveform{Parametric: &model.ParametricWaveform{
		Type: model.WaveformSine, Min: 0, Max: 10, PointsPerCycle: 4, IntervalMs: 100,
	}}, nil, nil)
	require.NoError(t, err)
	require.Len(t, steps, 4)
	assert.InDelta(t, 5.0, steps[3].Value, 1e-9)
	for _, s := range steps {
		assert.Equal(t, 100, s.DwellMs)
	}
}

func TestResolveParametric_TriangleSymmetric(t *testing.T) {
	steps, err := Resolve(model.Waveform{Parametric: &model.ParametricWaveform{
		Type: model.WaveformTriangle, Min: 0, Max: 10, PointsPerCycle: 4, IntervalMs: 10,
	}}, nil, nil)
	require.NoError(t, err)
	require.Len(t, steps, 4)
	assert.InDelta(t, 0.0, steps[0].Value, 1e-9)
	assert.InDelta(t, 10.0, steps[2].Value, 1e-9)
	assert.InDelta(t, steps[1].Value, steps[3].Value, 1e-9)
}

func TestResolveParametric_RampEndpointsInclusive(t *testing.T) {
	steps, err := Resolve(model.Waveform{Parametric: &model.ParametricWaveform{
		Type: model.WaveformRamp, Min: 0, Max: 10, PointsPerCycle: 5, IntervalMs: 10,
	}}, nil, nil)
	require.NoError(t, err)
	require.Len(t, steps, 5)
	assert.InDelta(t, 0, steps[0].Value, 1e-9)
	assert.InDelta(t, 10, steps[4].Value, 1e-9)
}

func TestResolveParametric_SquareHalfMaxHalfMin(t *testing.T) {
	steps, err := Resolve(model.Waveform{Parametric: &model.ParametricWaveform{
		Type: model.WaveformSquare, Min: 0, Max: 10, PointsPerCycle: 4, IntervalMs: 10,
	}}, nil, nil)
	require.NoError(t, err)
	require.Len(t, steps, 4)
	assert.Equal(t, 10.0, steps[0].Value)
	assert.Equal(t, 10.0, steps[1].Value)
	assert.Equal(t, 0.0, steps[2].Value)
	assert.Equal(t, 0.0, steps[3].Value)
}

func TestResolveParametric_RejectsOutOfRangeLimits(t *testing.T) {
	_, err := Resolve(model.Waveform{Parametric: &model.ParametricWaveform{
		Type: model.WaveformRamp, Min: 0, Max: 10, PointsPerCycle: 1, IntervalMs: 9,
	}}, nil, nil)
	require.Error(t, err)
	coded, ok := err.(*model.CodedError)
	require.True(t, ok)
	assert.Equal(t, model.ErrBadWaveform, coded.Code)
}

func TestResolveParametric_AcceptsLimits(t *testing.T) {
	_, err := Resolve(model.Waveform{Parametric: &model.ParametricWaveform{
		Type: model.WaveformRamp, Min: 0, Max: 10, PointsPerCycle: 2, IntervalMs: 10,
	}}, nil, nil)
	require.NoError(t, err)
}

func TestResolveRandomWalk_ClampsToBounds(t *testing.T) {
	rng := &distuv.Uniform{Src: rand.NewPCG(1, 1)}
	steps, err := Resolve(model.Waveform{RandomWalk: &model.RandomWalkWaveform{
		StartValue: 9.5, Min: 0, Max: 10, MaxStepSize: 5, PointsPerCycle: 50, IntervalMs: 10,
	}}, rng, nil)
	require.NoError(t, err)
	for _, s := range steps {
		assert.GreaterOrEqual(t, s.Value, 0.0)
		assert.LessOrEqual(t, s.Value, 10.0)
	}
}

func TestResolveRandomWalk_ContinuesFromLastEmitted(t *testing.T) {
	rng := &distuv.Uniform{Src: rand.NewPCG(1, 1)}
	last := 3.0
	steps, err := Resolve(model.Waveform{RandomWalk: &model.RandomWalkWaveform{
		StartValue: 9.5, Min: 0, Max: 10, MaxStepSize: 0.01, PointsPerCycle: 2, IntervalMs: 10,
	}}, rng, &last)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, steps[0].Value, 0.02)
}

func TestApplyModifiers_ScaleOffsetClampOrder(t *testing.T) {
	scale, offset, minC, maxC := 2.0, 1.0, 0.0, 5.0
	steps := []model.SequenceStep{{Value: 3, DwellMs: 10}}
	out := ApplyModifiers(steps, model.Modifiers{Scale: &scale, Offset: &offset, MinClamp: &minC, MaxClamp: &maxC})
	// (3*2)+1 = 7, clamped to maxClamp=5
	assert.Equal(t, 5.0, out[0].Value)
}

func TestValidateUnit_MismatchIsError(t *testing.T) {
	def := model.SequenceDefinition{Unit: "V"}
	err := ValidateUnit(def, "A")
	require.Error(t, err)
	coded, ok := err.(*model.CodedError)
	require.True(t, ok)
	assert.Equal(t, model.ErrUnitMismatch, coded.Code)
}
