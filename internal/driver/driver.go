// Package driver defines the per-model instrument adapter contract the
// device sessions drive, plus a deterministic in-memory simulator used by
// tests and by `cmd/labctl-server -sim` to drive the whole stack without
// hardware.
package driver

import (
	"context"

	"github.com/CK6170/labctl-go/internal/model"
)

// ProbeErrorReason enumerates why a probe failed.
type ProbeErrorReason string

const (
	ReasonTimeout          ProbeErrorReason = "timeout"
	ReasonWrongDevice      ProbeErrorReason = "wrong_device"
	ReasonParseError       ProbeErrorReason = "parse_error"
	ReasonConnectionFailed ProbeErrorReason = "connection_failed"
)

// ProbeError is returned by Probe when no instrument could be identified.
type ProbeError struct {
	Reason  ProbeErrorReason
	Message string
}

func (e *ProbeError) Error() string {
	if e.Message == "" {
		return string(e.Reason)
	}
	return string(e.Reason) + ": " + e.Message
}

// Driver is the per-model adapter a DeviceSession drives. All calls may
// block for tens of milliseconds to seconds and should honor ctx
// cancellation where the underlying transport allows.
type Driver interface {
	// Probe identifies the instrument. Returns a *ProbeError on failure.
	Probe(ctx context.Context) (model.DeviceInfo, error)
	// Capabilities returns the immutable capability set. Only valid after
	// a successful Probe.
	Capabilities(ctx context.Context) (model.DeviceCapabilities, error)

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	GetStatus(ctx context.Context) (model.DeviceStatus, error)

	SetMode(ctx context.Context, mode string) error
	SetOutput(ctx context.Context, enabled bool) error
	SetValue(ctx context.Context, name string, value float64) error

	// GetValue is optional: implementations that cannot read back a single
	// setpoint should return ErrGetValueUnsupported so the debounced
	// setValue failure path falls back to restoring the pre-optimistic
	// value instead.
	GetValue(ctx context.Context, name string) (float64, error)
}

// ErrGetValueUnsupported signals that a Driver does not implement GetValue.
var ErrGetValueUnsupported = model.NewCodedError("GET_VALUE_UNSUPPORTED", "driver does not support getValue")

// FirmwareReporter is implemented by drivers that can read back the
// instrument firmware revision and judge whether it is one the driver was
// written against. A false supported flag is a warning, never an error:
// the session connects regardless.
type FirmwareReporter interface {
	FirmwareVersion(ctx context.Context) (version string, supported bool, err error)
}

// ListDriver is the optional native list-mode triad for instruments whose
// firmware can play an uploaded step list itself.
type ListDriver interface {
	UploadList(ctx context.Context, steps []model.SequenceStep) error
	StartList(ctx context.Context) error
	StopList(ctx context.Context) error
}
