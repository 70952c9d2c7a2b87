// Package library implements persistent library storage for sequence
// definitions, trigger scripts, and device aliases, each keyed by id and
// best-effort persisted to disk as JSON under a capacity limit.
package library

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CK6170/labctl-go/internal/model"
)

// DeviceAlias is a user-assigned friendly name for a device id.
type DeviceAlias struct {
	DeviceID string `json:"deviceId"`
	Alias    string `json:"alias"`
}

// document is the on-disk shape the whole Store (de)serializes to.
type document struct {
	Sequences []model.SequenceDefinition `json:"sequences"`
	Scripts   []model.TriggerScript      `json:"scripts"`
	Aliases   []DeviceAlias              `json:"aliases"`
}

// Store holds the process's sequence/trigger-script/device-alias library,
// enforcing the capacity limits and persisting best-effort to disk.
type Store struct {
	mu   sync.RWMutex
	path string

	sequences map[string]model.SequenceDefinition
	scripts   map[string]model.TriggerScript
	aliases   map[string]DeviceAlias
}

// NewStore constructs a Store backed by path. path may be empty, in which
// case the store is in-memory only. Load failures are tolerated: a missing
// or corrupt file just means an empty library.
func NewStore(path string) *Store {
	s := &Store{
		path:      path,
		sequences: make(map[string]model.SequenceDefinition),
		scripts:   make(map[string]model.TriggerScript),
		aliases:   make(map[string]DeviceAlias),
	}
	_ = s.load()
	return s
}

func (s *Store) load() error {
	if s.path == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil
	}
	for _, seq := range doc.Sequences {
		s.sequences[seq.ID] = seq
	}
	for _, sc := range doc.Scripts {
		s.scripts[sc.ID] = sc
	}
	for _, a := range doc.Aliases {
		s.aliases[a.DeviceID] = a
	}
	return nil
}

func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil
	}
	doc := document{
		Sequences: sortedSequences(s.sequences),
		Scripts:   sortedScripts(s.scripts),
		Aliases:   sortedAliases(s.aliases),
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil
	}
	return os.WriteFile(s.path, b, 0o644)
}

func sortedSequences(m map[string]model.SequenceDefinition) []model.SequenceDefinition {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]model.SequenceDefinition, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}

func sortedScripts(m map[string]model.TriggerScript) []model.TriggerScript {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]model.TriggerScript, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}

func sortedAliases(m map[string]DeviceAlias) []DeviceAlias {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]DeviceAlias, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}

func validateName(name string) error {
	if name == "" || len(name) > model.MaxNameLength {
		return model.NewCodedError("BAD_NAME", "name must be 1..100 chars")
	}
	return nil
}

// --- sequences ---

// SaveSequence inserts or updates def. A blank ID assigns a new one and
// sets CreatedAt; an existing ID preserves CreatedAt and bumps UpdatedAt.
// Enforces the library size limit (LIBRARY_FULL), name length, and the
// waveform limits (def.Validate), so the library never holds a definition
// that would fail at run time.
func (s *Store) SaveSequence(def model.SequenceDefinition) (model.SequenceDefinition, error) {
	if err := validateName(def.Name); err != nil {
		return model.SequenceDefinition{}, err
	}
	if err := def.Validate(); err != nil {
		return model.SequenceDefinition{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	prior, exists := s.sequences[def.ID]
	if !exists {
		if len(s.sequences) >= model.MaxSequencesInLibrary {
			return model.SequenceDefinition{}, model.NewCodedError(model.ErrLibraryFull, "sequence library is full")
		}
		if def.ID == "" {
			def.ID = uuid.NewString()
		}
		def.CreatedAt = now
	} else {
		def.CreatedAt = prior.CreatedAt
	}
	def.UpdatedAt = now
	s.sequences[def.ID] = def
	_ = s.saveLocked()
	return def, nil
}

// GetSequence returns the stored definition for id, if any.
func (s *Store) GetSequence(id string) (model.SequenceDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.sequences[id]
	return def, ok
}

// DeleteSequence removes id from the library.
func (s *Store) DeleteSequence(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sequences[id]; !ok {
		return model.NewCodedError(model.ErrSequenceNotFound, id)
	}
	delete(s.sequences, id)
	_ = s.saveLocked()
	return nil
}

// ListSequences returns every stored sequence definition, sorted by id.
func (s *Store) ListSequences() []model.SequenceDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedSequences(s.sequences)
}

// --- trigger scripts ---

// SaveScript inserts or updates script, enforcing the script count limit.
func (s *Store) SaveScript(script model.TriggerScript) (model.TriggerScript, error) {
	if err := validateName(script.Name); err != nil {
		return model.TriggerScript{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	prior, exists := s.scripts[script.ID]
	if !exists {
		if len(s.scripts) >= model.MaxScriptsInLibrary {
			return model.TriggerScript{}, model.NewCodedError(model.ErrLibraryFull, "trigger script library is full")
		}
		if script.ID == "" {
			script.ID = uuid.NewString()
		}
		script.CreatedAt = now
	} else {
		script.CreatedAt = prior.CreatedAt
	}
	script.UpdatedAt = now
	s.scripts[script.ID] = script
	_ = s.saveLocked()
	return script, nil
}

// GetScript returns the stored script for id, if any.
func (s *Store) GetScript(id string) (model.TriggerScript, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scripts[id]
	return sc, ok
}

// DeleteScript removes id from the library.
func (s *Store) DeleteScript(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scripts[id]; !ok {
		return model.NewCodedError("SCRIPT_NOT_FOUND", id)
	}
	delete(s.scripts, id)
	_ = s.saveLocked()
	return nil
}

// ListScripts returns every stored trigger script, sorted by id.
func (s *Store) ListScripts() []model.TriggerScript {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedScripts(s.scripts)
}

// --- device aliases ---

// SetAlias assigns alias to deviceID, replacing any prior alias.
func (s *Store) SetAlias(deviceID, alias string) error {
	if err := validateName(alias); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliases[deviceID] = DeviceAlias{DeviceID: deviceID, Alias: alias}
	_ = s.saveLocked()
	return nil
}

// GetAlias returns the alias assigned to deviceID, if any.
func (s *Store) GetAlias(deviceID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.aliases[deviceID]
	return a.Alias, ok
}

// ListAliases returns every stored device alias, sorted by device id.
func (s *Store) ListAliases() []DeviceAlias {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedAliases(s.aliases)
}
