package driver

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/CK6170/labctl-go/internal/model"
)

// SimulatedDriver is a deterministic in-memory instrument. It can also
// misbehave on command (fail the next call, hide GetValue), for exercising
// the failure paths without real hardware.
type SimulatedDriver struct {
	mu sync.Mutex

	info model.DeviceInfo
	caps model.DeviceCapabilities
	rng  *rand.Rand

	mode          string
	outputEnabled bool
	setpoints     map[string]float64

	// failure injection
	failNextGetStatus error
	failNextSetMode   error
	failNextSetOutput error
	failNextSetValue  error
	noGetValue        bool
}

// NewSimulatedPowerSupply returns a simulator shaped like a bench power
// supply: CV/CC modes, "voltage" and "current" outputs, and
// "voltage"/"current"/"power" measurements.
func NewSimulatedPowerSupply(id string, seed int64) *SimulatedDriver {
	return &SimulatedDriver{
		info: model.DeviceInfo{
			ID:           id,
			Kind:         model.KindPowerSupply,
			Manufacturer: "Simulated",
			Model:        "PSU-SIM-1",
		},
		caps: model.DeviceCapabilities{
			Modes:        []string{"CV", "CC"},
			ModeSettable: true,
			Outputs: []model.OutputChannel{
				{Name: "voltage", Unit: "V", Decimals: 3, Min: 0, Max: 30},
				{Name: "current", Unit: "A", Decimals: 3, Min: 0, Max: 5},
			},
			Measurements: []model.Measurement{
				{Name: "voltage", Unit: "V", Decimals: 3},
				{Name: "current", Unit: "A", Decimals: 3},
				{Name: "power", Unit: "W", Decimals: 3},
			},
		},
		mode:      "CV",
		setpoints: map[string]float64{"voltage": 0, "current": 1},
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// NewSimulatedElectronicLoad returns a simulator shaped like an electronic
// load, exposing a resistance measurement in addition to voltage/current/power.
func NewSimulatedElectronicLoad(id string, seed int64) *SimulatedDriver {
	return &SimulatedDriver{
		info: model.DeviceInfo{
			ID:           id,
			Kind:         model.KindElectronicLoad,
			Manufacturer: "Simulated",
			Model:        "LOAD-SIM-1",
		},
		caps: model.DeviceCapabilities{
			Modes:        []string{"CC", "CR", "CV", "CP"},
			ModeSettable: true,
			Outputs: []model.OutputChannel{
				{Name: "current", Unit: "A", Decimals: 3, Min: 0, Max: 10},
			},
			Measurements: []model.Measurement{
				{Name: "voltage", Unit: "V", Decimals: 3},
				{Name: "current", Unit: "A", Decimals: 3},
				{Name: "power", Unit: "W", Decimals: 3},
				{Name: "resistance", Unit: "Ω", Decimals: 3},
			},
		},
		mode:      "CC",
		setpoints: map[string]float64{"current": 0},
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// NewSimulatedOscilloscope returns a simulator shaped like a two-channel
// scope: voltage trace measurements only, no writable outputs.
func NewSimulatedOscilloscope(id string, seed int64) *SimulatedDriver {
	return &SimulatedDriver{
		info: model.DeviceInfo{
			ID:           id,
			Kind:         model.KindOscilloscope,
			Manufacturer: "Simulated",
			Model:        "SCOPE-SIM-1",
		},
		caps: model.DeviceCapabilities{
			Modes:        []string{"RUN", "STOP"},
			ModeSettable: true,
			Measurements: []model.Measurement{
				{Name: "ch1", Unit: "V", Decimals: 3},
				{Name: "ch2", Unit: "V", Decimals: 3},
			},
		},
		mode:      "RUN",
		setpoints: map[string]float64{},
		rng:       rand.New(rand.NewSource(seed)),
	}
}

func (d *SimulatedDriver) Probe(ctx context.Context) (model.DeviceInfo, error) {
	return d.info, nil
}

func (d *SimulatedDriver) Capabilities(ctx context.Context) (model.DeviceCapabilities, error) {
	return d.caps, nil
}

func (d *SimulatedDriver) Connect(ctx context.Context) error    { return nil }
func (d *SimulatedDriver) Disconnect(ctx context.Context) error { return nil }

func (d *SimulatedDriver) FirmwareVersion(ctx context.Context) (string, bool, error) {
	return "SIM-1.0.0", true, nil
}

// FailNextGetStatus makes the next GetStatus call return err.
func (d *SimulatedDriver) FailNextGetStatus(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNextGetStatus = err
}

// FailNextSetMode makes the next SetMode call return err.
func (d *SimulatedDriver) FailNextSetMode(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNextSetMode = err
}

// FailNextSetOutput makes the next SetOutput call return err.
func (d *SimulatedDriver) FailNextSetOutput(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNextSetOutput = err
}

// FailNextSetValue makes the next SetValue call return err.
func (d *SimulatedDriver) FailNextSetValue(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNextSetValue = err
}

// SetGetValueUnsupported toggles whether GetValue returns
// ErrGetValueUnsupported, exercising the debounced-setValue-failure
// "restore pre-optimistic value" path instead of "read back true value".
func (d *SimulatedDriver) SetGetValueUnsupported(unsupported bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.noGetValue = unsupported
}

func (d *SimulatedDriver) GetStatus(ctx context.Context) (model.DeviceStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNextGetStatus != nil {
		err := d.failNextGetStatus
		d.failNextGetStatus = nil
		return model.DeviceStatus{}, err
	}

	measurements := make(map[string]float64, len(d.caps.Measurements))
	voltage, current := 0.0, 0.0
	switch d.info.Kind {
	case model.KindPowerSupply:
		voltage = d.setpoints["voltage"] + d.noise(0.01)
		current = d.setpoints["current"]
		if current > 0.9 {
			current = 0.9 + d.noise(0.01)
		}
	case model.KindElectronicLoad:
		current = d.setpoints["current"] + d.noise(0.005)
		voltage = 12.0 - current*0.5
		measurements["resistance"] = safeDiv(voltage, current)
	case model.KindOscilloscope:
		measurements["ch1"] = 1.0 + d.noise(0.05)
		measurements["ch2"] = -1.0 + d.noise(0.05)
	}
	if d.info.Kind != model.KindOscilloscope {
		power := voltage * current
		measurements["voltage"] = voltage
		measurements["current"] = current
		measurements["power"] = power
	}

	setpoints := make(map[string]float64, len(d.setpoints))
	for k, v := range d.setpoints {
		setpoints[k] = v
	}

	return model.DeviceStatus{
		Mode:          d.mode,
		OutputEnabled: d.outputEnabled,
		Setpoints:     setpoints,
		Measurements:  measurements,
	}, nil
}

func (d *SimulatedDriver) SetMode(ctx context.Context, mode string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNextSetMode != nil {
		err := d.failNextSetMode
		d.failNextSetMode = nil
		return err
	}
	d.mode = mode
	return nil
}

func (d *SimulatedDriver) SetOutput(ctx context.Context, enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNextSetOutput != nil {
		err := d.failNextSetOutput
		d.failNextSetOutput = nil
		return err
	}
	d.outputEnabled = enabled
	return nil
}

func (d *SimulatedDriver) SetValue(ctx context.Context, name string, value float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNextSetValue != nil {
		err := d.failNextSetValue
		d.failNextSetValue = nil
		return err
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("setValue %s: value must be finite", name)
	}
	d.setpoints[name] = value
	return nil
}

func (d *SimulatedDriver) GetValue(ctx context.Context, name string) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.noGetValue {
		return 0, ErrGetValueUnsupported
	}
	v, ok := d.setpoints[name]
	if !ok {
		return 0, model.NewCodedError(model.ErrParameterNotFound, name)
	}
	return v, nil
}

func (d *SimulatedDriver) noise(amplitude float64) float64 {
	return (d.rng.Float64()*2 - 1) * amplitude
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
