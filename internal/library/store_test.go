package library

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CK6170/labctl-go/internal/model"
)

func rampWaveform() model.Waveform {
	return model.Waveform{Parametric: &model.ParametricWaveform{
		Type: model.WaveformRamp, Min: 0, Max: 10, PointsPerCycle: 4, IntervalMs: 100,
	}}
}

func TestStore_SaveSequenceAssignsIDAndTimestamps(t *testing.T) {
	s := NewStore("")
	def, err := s.SaveSequence(model.SequenceDefinition{Name: "ramp-up", Unit: "V", Waveform: rampWaveform()})
	require.NoError(t, err)
	assert.NotEmpty(t, def.ID)
	assert.False(t, def.CreatedAt.IsZero())
	assert.Equal(t, def.CreatedAt, def.UpdatedAt)

	got, ok := s.GetSequence(def.ID)
	require.True(t, ok)
	assert.Equal(t, def, got)
}

func TestStore_SaveSequenceUpdatePreservesCreatedAt(t *testing.T) {
	s := NewStore("")
	def, err := s.SaveSequence(model.SequenceDefinition{Name: "ramp-up", Unit: "V", Waveform: rampWaveform()})
	require.NoError(t, err)

	updated, err := s.SaveSequence(model.SequenceDefinition{ID: def.ID, Name: "ramp-up-v2", Unit: "V", Waveform: rampWaveform()})
	require.NoError(t, err)
	assert.Equal(t, def.CreatedAt, updated.CreatedAt)
	assert.Equal(t, "ramp-up-v2", updated.Name)
}

func TestStore_SaveSequenceRejectsBadName(t *testing.T) {
	s := NewStore("")
	_, err := s.SaveSequence(model.SequenceDefinition{Name: ""})
	require.Error(t, err)
}

func TestStore_SaveSequenceEnforcesLibraryFull(t *testing.T) {
	s := NewStore("")
	for i := 0; i < model.MaxSequencesInLibrary; i++ {
		_, err := s.SaveSequence(model.SequenceDefinition{Name: "seq", Unit: "V", Waveform: rampWaveform()})
		require.NoError(t, err)
	}
	_, err := s.SaveSequence(model.SequenceDefinition{Name: "overflow", Unit: "V", Waveform: rampWaveform()})
	require.Error(t, err)
	coded, ok := err.(*model.CodedError)
	require.True(t, ok)
	assert.Equal(t, model.ErrLibraryFull, coded.Code)
}

func TestStore_DeleteSequenceUnknownIDReturnsNotFound(t *testing.T) {
	s := NewStore("")
	err := s.DeleteSequence("missing")
	require.Error(t, err)
	coded, ok := err.(*model.CodedError)
	require.True(t, ok)
	assert.Equal(t, model.ErrSequenceNotFound, coded.Code)
}

func TestStore_ScriptSaveAndDelete(t *testing.T) {
	s := NewStore("")
	sc, err := s.SaveScript(model.TriggerScript{Name: "overtemp-shutdown"})
	require.NoError(t, err)
	require.NotEmpty(t, sc.ID)

	_, ok := s.GetScript(sc.ID)
	require.True(t, ok)

	require.NoError(t, s.DeleteScript(sc.ID))
	_, ok = s.GetScript(sc.ID)
	assert.False(t, ok)
}

func TestStore_AliasSetAndList(t *testing.T) {
	s := NewStore("")
	require.NoError(t, s.SetAlias("dev-1", "Bench PSU"))
	alias, ok := s.GetAlias("dev-1")
	require.True(t, ok)
	assert.Equal(t, "Bench PSU", alias)
	assert.Len(t, s.ListAliases(), 1)
}

func TestStore_PersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "library.json")

	s1 := NewStore(path)
	def, err := s1.SaveSequence(model.SequenceDefinition{Name: "persisted", Unit: "A", Waveform: rampWaveform()})
	require.NoError(t, err)
	_, err = s1.SaveScript(model.TriggerScript{Name: "persisted-script"})
	require.NoError(t, err)
	require.NoError(t, s1.SetAlias("dev-9", "Chamber Load"))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc document
	require.NoError(t, json.Unmarshal(b, &doc))
	require.Len(t, doc.Sequences, 1)

	s2 := NewStore(path)
	got, ok := s2.GetSequence(def.ID)
	require.True(t, ok)
	assert.Equal(t, "persisted", got.Name)
	assert.Len(t, s2.ListScripts(), 1)
	alias, ok := s2.GetAlias("dev-9")
	require.True(t, ok)
	assert.Equal(t, "Chamber Load", alias)
}

func TestStore_MissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "does-not-exist.json"))
	assert.Empty(t, s.ListSequences())
}
