package trigger

import (
	"fmt"

	"github.com/CK6170/labctl-go/internal/model"
	"github.com/CK6170/labctl-go/internal/session"
)

// Validate checks a script against the live session set before an Engine
// is created for it: every referenced device must have a session, every
// condition parameter must name an existing measurement, every action
// parameter must name an existing output, and debounceMs must be
// non-negative. Reported synchronously to the caller; no state mutation.
func Validate(script model.TriggerScript, sessions *session.Manager) error {
	for _, tr := range script.Triggers {
		if err := validateTrigger(tr, sessions); err != nil {
			return err
		}
	}
	return nil
}

func validateTrigger(tr model.Trigger, sessions *session.Manager) error {
	if tr.DebounceMs < 0 {
		return model.NewCodedError("BAD_SCRIPT",
			fmt.Sprintf("trigger %s: debounceMs must be >= 0", tr.ID))
	}

	switch tr.Condition.Kind {
	case model.ConditionValue:
		caps, err := capabilitiesFor(tr.Condition.DeviceID, sessions)
		if err != nil {
			return err
		}
		if _, ok := caps.MeasurementByName(tr.Condition.Parameter); !ok {
			return model.NewCodedError(model.ErrParameterNotFound,
				fmt.Sprintf("trigger %s: no measurement %q on device %s", tr.ID, tr.Condition.Parameter, tr.Condition.DeviceID))
		}
	case model.ConditionTime:
		if tr.Condition.SecondsFromStart < 0 {
			return model.NewCodedError("BAD_SCRIPT",
				fmt.Sprintf("trigger %s: seconds-from-start must be >= 0", tr.ID))
		}
	default:
		return model.NewCodedError("BAD_SCRIPT",
			fmt.Sprintf("trigger %s: unknown condition kind %q", tr.ID, tr.Condition.Kind))
	}

	switch tr.Action.Kind {
	case model.ActionSetValue, model.ActionStartSequence:
		caps, err := capabilitiesFor(tr.Action.DeviceID, sessions)
		if err != nil {
			return err
		}
		if _, ok := caps.OutputByName(tr.Action.Parameter); !ok {
			return model.NewCodedError(model.ErrParameterNotFound,
				fmt.Sprintf("trigger %s: no output %q on device %s", tr.ID, tr.Action.Parameter, tr.Action.DeviceID))
		}
	case model.ActionSetOutput, model.ActionSetMode:
		if _, err := capabilitiesFor(tr.Action.DeviceID, sessions); err != nil {
			return err
		}
	case model.ActionStopSequence, model.ActionPauseSequence:
		// target is resolved against active runs at fire time
	default:
		return model.NewCodedError("BAD_SCRIPT",
			fmt.Sprintf("trigger %s: unknown action kind %q", tr.ID, tr.Action.Kind))
	}
	return nil
}

func capabilitiesFor(deviceID string, sessions *session.Manager) (model.DeviceCapabilities, error) {
	dev, ok := sessions.GetSession(deviceID)
	if !ok {
		return model.DeviceCapabilities{}, model.NewCodedError(model.ErrDeviceNotFound, deviceID)
	}
	return dev.GetState().Capabilities, nil
}
