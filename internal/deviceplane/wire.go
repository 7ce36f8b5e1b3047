package deviceplane

import (
	"fmt"

	"github.com/edge-ibn/ibnd/internal/catalog"
	"github.com/edge-ibn/ibnd/internal/model"
)

// buildControlPayload derives the wire message sent to a device's control
// topic: the policy's parameters, flattened, plus the command name the
// policy's template declares and a request id for ack correlation.
// Grounded on the original device enforcer's per-policy-type command
// dispatch (SET_QOS, SET_SAMPLING_INTERVAL, SET_AUDIO_GAIN, ...).
func buildControlPayload(tpl *catalog.Template, policy model.Policy, requestID string) (map[string]any, error) {
	if tpl.DeviceCommand == "" {
		return nil, fmt.Errorf("%w: template %q", ErrNoDeviceCommand, tpl.Key)
	}
	payload := make(map[string]any, len(policy.Parameters)+2)
	for k, v := range policy.Parameters {
		if k == "template" {
			continue
		}
		payload[k] = v
	}
	payload["command"] = tpl.DeviceCommand
	payload["request_id"] = requestID
	return payload, nil
}

// statusPayload is the shape of a message on a device's status topic,
// published as the MQTT last-will on disconnect ("offline") and on
// (re)connect ("online").
type statusPayload struct {
	Status string `json:"status"`
}

// ackPayload is the shape of a telemetry message reflecting a completed
// control command back to the controller.
type ackPayload struct {
	AckOf string `json:"ack_of"`
}
