// Package model defines the data shapes shared across the instrument
// controller core: device identity/capabilities/status, sequence and
// trigger definitions, and the tunable configuration table.
package model

import "time"

// DeviceKind tags the category of instrument behind a session.
type DeviceKind string

const (
	KindPowerSupply    DeviceKind = "power-supply"
	KindElectronicLoad DeviceKind = "electronic-load"
	KindOscilloscope   DeviceKind = "oscilloscope"
)

// ConnectionStatus is a device session's connection state.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// DeviceInfo is identity assigned once by driver probe. Immutable after probe.
type DeviceInfo struct {
	ID           string     `json:"id"`
	Kind         DeviceKind `json:"kind"`
	Manufacturer string     `json:"manufacturer"`
	Model        string     `json:"model"`
	Serial       string     `json:"serial,omitempty"`
}

// OutputChannel describes one named, writable output on a device.
type OutputChannel struct {
	Name     string   `json:"name"`
	Unit     string   `json:"unit"`
	Decimals int      `json:"decimals"`
	Min      float64  `json:"min"`
	Max      float64  `json:"max"`
	Modes    []string `json:"modes,omitempty"`
}

// Measurement describes one named, read-only measurement on a device.
type Measurement struct {
	Name     string `json:"name"`
	Unit     string `json:"unit"`
	Decimals int    `json:"decimals"`
}

// ListModeCapability describes optional arbitrary-waveform-list support
// exposed natively by the device firmware (distinct from the sequence
// engine, which plays a sequence by repeated setValue calls).
type ListModeCapability struct {
	MaxSteps       int      `json:"maxSteps"`
	SupportedModes []string `json:"supportedModes"`
}

// DeviceCapabilities is immutable once probed.
type DeviceCapabilities struct {
	Modes        []string            `json:"modes"`
	ModeSettable bool                `json:"modeSettable"`
	Outputs      []OutputChannel     `json:"outputs"`
	Measurements []Measurement       `json:"measurements"`
	ListMode     *ListModeCapability `json:"listMode,omitempty"`
}

// OutputByName returns the capability entry for a named output, if any.
func (c DeviceCapabilities) OutputByName(name string) (OutputChannel, bool) {
	for _, o := range c.Outputs {
		if o.Name == name {
			return o, true
		}
	}
	return OutputChannel{}, false
}

// MeasurementByName returns the capability entry for a named measurement, if any.
func (c DeviceCapabilities) MeasurementByName(name string) (Measurement, bool) {
	for _, m := range c.Measurements {
		if m.Name == name {
			return m, true
		}
	}
	return Measurement{}, false
}

// DeviceStatus is the snapshot produced by each poll.
type DeviceStatus struct {
	Mode          string             `json:"mode"`
	OutputEnabled bool               `json:"outputEnabled"`
	Setpoints     map[string]float64 `json:"setpoints"`
	Measurements  map[string]float64 `json:"measurements"`
	ListRunning   *bool              `json:"listRunning,omitempty"`
}

// History is a bounded, parallel-array time series of a session's samples.
type History struct {
	Timestamps []time.Time `json:"timestamps"`
	Voltage    []float64   `json:"voltage"`
	Current    []float64   `json:"current"`
	Power      []float64   `json:"power"`
	Resistance []float64   `json:"resistance,omitempty"`
}

// Len returns the number of samples currently retained.
func (h *History) Len() int { return len(h.Timestamps) }

// Append adds one sample. resistance is a pointer so callers can omit it
// until the device first reports one; once the resistance series exists
// every later sample gets an entry, keeping the arrays parallel.
func (h *History) Append(ts time.Time, voltage, current, power float64, resistance *float64) {
	h.Timestamps = append(h.Timestamps, ts)
	h.Voltage = append(h.Voltage, voltage)
	h.Current = append(h.Current, current)
	h.Power = append(h.Power, power)
	if h.Resistance != nil || resistance != nil {
		var r float64
		if resistance != nil {
			r = *resistance
		}
		// lazily backfill zeros for samples taken before resistance appeared
		for len(h.Resistance) < len(h.Timestamps)-1 {
			h.Resistance = append(h.Resistance, 0)
		}
		h.Resistance = append(h.Resistance, r)
	}
}

// TrimBefore drops all samples with timestamp strictly before cutoff.
func (h *History) TrimBefore(cutoff time.Time) {
	n := 0
	for n < len(h.Timestamps) && h.Timestamps[n].Before(cutoff) {
		n++
	}
	if n == 0 {
		return
	}
	h.Timestamps = append([]time.Time{}, h.Timestamps[n:]...)
	h.Voltage = append([]float64{}, h.Voltage[n:]...)
	h.Current = append([]float64{}, h.Current[n:]...)
	h.Power = append([]float64{}, h.Power[n:]...)
	if h.Resistance != nil {
		h.Resistance = append([]float64{}, h.Resistance[n:]...)
	}
}

// DeviceSessionState is a session's authoritative model of its device.
type DeviceSessionState struct {
	Info                  DeviceInfo         `json:"info"`
	Capabilities          DeviceCapabilities `json:"capabilities"`
	ConnectionStatus      ConnectionStatus   `json:"connectionStatus"`
	ConsecutiveErrorCount int                `json:"consecutiveErrorCount"`
	Status                DeviceStatus       `json:"status"`
	History               History            `json:"history"`
	LastUpdated           time.Time          `json:"lastUpdated"`
}

// CodedError carries a stable machine-readable code (UNIT_MISMATCH,
// PARAMETER_NOT_FOUND, ...) alongside the human-readable message, so API
// clients can branch without string matching.
type CodedError struct {
	Code    string
	Message string
}

func (e *CodedError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// NewCodedError constructs a CodedError.
func NewCodedError(code, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}

const (
	ErrUnitMismatch      = "UNIT_MISMATCH"
	ErrParameterNotFound = "PARAMETER_NOT_FOUND"
	ErrDeviceNotFound    = "DEVICE_NOT_FOUND"
	ErrSequenceNotFound  = "SEQUENCE_NOT_FOUND"
	ErrLibraryFull       = "LIBRARY_FULL"
	ErrBadWaveform       = "BAD_WAVEFORM"
	ErrSessionNotFound   = "SESSION_NOT_FOUND"
	ErrSetValueFailed    = "SET_VALUE_FAILED"
)

// FatalMarkers are transport-error substrings known to indicate device
// removal. A poll error containing one disconnects the session immediately
// instead of counting toward the consecutive-error threshold.
var FatalMarkers = []string{
	"LIBUSB_ERROR_NO_DEVICE",
	"LIBUSB_ERROR_IO",
	"LIBUSB_ERROR_PIPE",
	"SERIAL_PORT_DISCONNECTED",
	"SERIAL_PORT_ERROR",
}
