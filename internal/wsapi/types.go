package wsapi

import "github.com/CK6170/labctl-go/internal/model"

// APIError is the canonical error envelope returned by JSON endpoints.
// Code carries the CodedError code, when there is one, so clients can
// branch without string matching.
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func apiErrorFor(err error) APIError {
	if coded, ok := err.(*model.CodedError); ok {
		return APIError{Error: coded.Message, Code: coded.Code}
	}
	return APIError{Error: err.Error()}
}

// HealthResponse is returned by /api/health.
type HealthResponse struct {
	OK bool `json:"ok"`
}

// ConnectDeviceRequest connects a simulated instrument of the given
// profile, standing in for the bus discovery a real deployment would do
// via serial enumeration + a driver registry (discovery.Scanner).
type ConnectDeviceRequest struct {
	DeviceID string `json:"deviceId"`
	Profile  string `json:"profile"` // "power-supply" | "electronic-load"
	Seed     int64  `json:"seed,omitempty"`
}

// DevicesResponse lists every tracked session's state.
type DevicesResponse struct {
	Devices map[string]model.DeviceSessionState `json:"devices"`
}

// SetModeRequest is the body of POST /api/devices/mode, alongside deviceId.
type SetModeRequest struct {
	Mode string `json:"mode"`
}

// SetOutputRequest is the body of POST /api/devices/output, alongside deviceId.
type SetOutputRequest struct {
	Enabled bool `json:"enabled"`
}

// SetValueRequest is the body of POST /api/devices/value, alongside deviceId.
type SetValueRequest struct {
	Parameter string  `json:"parameter"`
	Value     float64 `json:"value"`
	Immediate bool    `json:"immediate"`
}

// RunSequenceRequest starts a sequence run, either against a library
// sequence id or an inline definition (exactly one of SequenceID/
// Definition should be set).
type RunSequenceRequest struct {
	SequenceID     string                    `json:"sequenceId,omitempty"`
	Definition     *model.SequenceDefinition `json:"definition,omitempty"`
	TargetDeviceID string                    `json:"targetDeviceId"`
	Parameter      string                    `json:"parameter"`
	Repeat         model.RepeatKind          `json:"repeat"`
	RepeatCount    int                       `json:"repeatCount,omitempty"`
}

// RunSequenceResponse is returned by POST /api/sequences/run.
type RunSequenceResponse struct {
	RunID string `json:"runId"`
}

// StartTriggerScriptRequest starts evaluating a library trigger script.
type StartTriggerScriptRequest struct {
	ScriptID string `json:"scriptId"`
}

// StartTriggerScriptResponse is returned by POST /api/triggers/start.
type StartTriggerScriptResponse struct {
	ScriptID string `json:"scriptId"`
}

// SetAliasRequest is the body of POST /api/library/aliases.
type SetAliasRequest struct {
	DeviceID string `json:"deviceId"`
	Alias    string `json:"alias"`
}
