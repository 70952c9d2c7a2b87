package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistory_AppendKeepsArraysParallel(t *testing.T) {
	h := &History{}
	base := time.Unix(0, 0)
	for i := 0; i < 5; i++ {
		h.Append(base.Add(time.Duration(i)*time.Second), 12.5, 0.9, 11.25, nil)
	}
	assert.Equal(t, 5, h.Len())
	assert.Len(t, h.Voltage, 5)
	assert.Len(t, h.Current, 5)
	assert.Len(t, h.Power, 5)
	assert.Nil(t, h.Resistance)
}

func TestHistory_ResistanceBackfillsOnFirstObservation(t *testing.T) {
	h := &History{}
	base := time.Unix(0, 0)
	h.Append(base, 12, 1, 12, nil)
	h.Append(base.Add(time.Second), 12, 1, 12, nil)

	r := 8.2
	h.Append(base.Add(2*time.Second), 12, 1, 12, &r)
	require.Len(t, h.Resistance, 3, "resistance history must be parallel once it appears")
	assert.Equal(t, 8.2, h.Resistance[2])

	h.Append(base.Add(3*time.Second), 12, 1, 12, nil)
	assert.Len(t, h.Resistance, 4, "once present, resistance stays present")
}

func TestHistory_TrimBeforeDropsOnlyOlderSamples(t *testing.T) {
	h := &History{}
	base := time.Unix(0, 0)
	for i := 0; i < 5; i++ {
		r := float64(i)
		h.Append(base.Add(time.Duration(i)*time.Second), 1, 2, 2, &r)
	}
	h.TrimBefore(base.Add(2 * time.Second))
	require.Equal(t, 3, h.Len())
	assert.Equal(t, base.Add(2*time.Second), h.Timestamps[0])
	assert.Len(t, h.Resistance, 3)
	assert.Equal(t, 2.0, h.Resistance[0])

	h.TrimBefore(base) // cutoff before all samples: no-op
	assert.Equal(t, 3, h.Len())
}

func TestCapabilities_LookupByName(t *testing.T) {
	caps := DeviceCapabilities{
		Outputs:      []OutputChannel{{Name: "current", Unit: "A"}},
		Measurements: []Measurement{{Name: "voltage", Unit: "V"}},
	}
	out, ok := caps.OutputByName("current")
	require.True(t, ok)
	assert.Equal(t, "A", out.Unit)
	_, ok = caps.OutputByName("voltage")
	assert.False(t, ok)

	meas, ok := caps.MeasurementByName("voltage")
	require.True(t, ok)
	assert.Equal(t, "V", meas.Unit)
	_, ok = caps.MeasurementByName("current")
	assert.False(t, ok)
}

func TestCodedError_Error(t *testing.T) {
	assert.Equal(t, "UNIT_MISMATCH: V != A", NewCodedError(ErrUnitMismatch, "V != A").Error())
	assert.Equal(t, "UNIT_MISMATCH", NewCodedError(ErrUnitMismatch, "").Error())
}
