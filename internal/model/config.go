package model

import "time"

// Config is the full table of runtime tunables. ApplyDefaults replaces zero
// values with the defaults so a partial JSON config only needs to name what
// it changes; DebounceMs and ScanIntervalMs are the exception, where zero is
// kept (no debounce window, periodic scan disabled).
type Config struct {
	PollIntervalMs       int `json:"pollIntervalMs"`
	HistoryWindowMs      int `json:"historyWindowMs"`
	MaxConsecutiveErrors int `json:"maxConsecutiveErrors"`
	DebounceMs           int `json:"debounceMs"`
	ScanIntervalMs       int `json:"scanIntervalMs"`

	Sequence SequenceConfig `json:"sequence"`
	Trigger  TriggerConfig  `json:"trigger"`

	// ScopeMinIntervalMs / ScopeDualChannelMinIntervalMs are poll-interval
	// floors applied to oscilloscope sessions (single / dual channel), which
	// cannot sustain the default polling cadence.
	ScopeMinIntervalMs            int `json:"scopeMinIntervalMs"`
	ScopeDualChannelMinIntervalMs int `json:"scopeDualChannelMinIntervalMs"`
}

// SequenceConfig holds the sequence.* tunables.
type SequenceConfig struct {
	MinIntervalMs int `json:"minIntervalMs"`
}

// TriggerConfig holds the trigger.* tunables.
type TriggerConfig struct {
	EvalIntervalMs     int `json:"evalIntervalMs"`
	ProgressIntervalMs int `json:"progressIntervalMs"`
}

// DefaultConfig returns the default tunable table.
func DefaultConfig() Config {
	return Config{
		PollIntervalMs:       250,
		HistoryWindowMs:      int(30 * time.Minute / time.Millisecond),
		MaxConsecutiveErrors: 10,
		DebounceMs:           250,
		ScanIntervalMs:       10_000,
		Sequence: SequenceConfig{
			MinIntervalMs: 50,
		},
		Trigger: TriggerConfig{
			EvalIntervalMs:     100,
			ProgressIntervalMs: 500,
		},
		ScopeMinIntervalMs:            200,
		ScopeDualChannelMinIntervalMs: 350,
	}
}

// ApplyDefaults fills any zero or negative field with its default, except
// DebounceMs and ScanIntervalMs, which keep zero and take the default only
// when negative.
func ApplyDefaults(c Config) Config {
	d := DefaultConfig()
	if c.PollIntervalMs <= 0 {
		c.PollIntervalMs = d.PollIntervalMs
	}
	if c.HistoryWindowMs <= 0 {
		c.HistoryWindowMs = d.HistoryWindowMs
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = d.MaxConsecutiveErrors
	}
	if c.DebounceMs < 0 {
		c.DebounceMs = d.DebounceMs
	}
	if c.ScanIntervalMs < 0 {
		c.ScanIntervalMs = d.ScanIntervalMs
	}
	if c.Sequence.MinIntervalMs <= 0 {
		c.Sequence.MinIntervalMs = d.Sequence.MinIntervalMs
	}
	if c.Trigger.EvalIntervalMs <= 0 {
		c.Trigger.EvalIntervalMs = d.Trigger.EvalIntervalMs
	}
	if c.Trigger.ProgressIntervalMs <= 0 {
		c.Trigger.ProgressIntervalMs = d.Trigger.ProgressIntervalMs
	}
	if c.ScopeMinIntervalMs <= 0 {
		c.ScopeMinIntervalMs = d.ScopeMinIntervalMs
	}
	if c.ScopeDualChannelMinIntervalMs <= 0 {
		c.ScopeDualChannelMinIntervalMs = d.ScopeDualChannelMinIntervalMs
	}
	return c
}

// Waveform and library limits.
const (
	MinIntervalMs         = 10
	MaxIntervalMs         = 3_600_000
	MinPointsPerCycle     = 2
	MaxPointsPerCycle     = 10_000
	MaxArbitrarySteps     = 10_000
	MaxSequencesInLibrary = 1_000
	MaxScriptsInLibrary   = 100
	MaxNameLength         = 100
)

// ValidUnits enumerates the allowed output/sequence units.
var ValidUnits = map[string]bool{
	"V": true, "A": true, "W": true, "Ω": true,
}
