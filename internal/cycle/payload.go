package cycle

import (
	"encoding/json"

	"github.com/iotpredict/predictor/internal/model"
)

type scriptContext struct {
	Script string `json:"script"`
	Scope  string `json:"scope,omitempty"`
}

type backendFragment struct {
	Thingsboard json.RawMessage `json:"thingsboard"`
}

type mappingFragment struct {
	Model   json.RawMessage `json:"model"`
	Backend backendFragment `json:"backend"`
}

// devicePayload is what a per-device script reads from stdin.
type devicePayload struct {
	DeviceID  string          `json:"deviceId"`
	Device    model.Device    `json:"device"`
	Telemetry json.RawMessage `json:"telemetry"`
	Mapping   mappingFragment `json:"mapping"`
	Context   scriptContext   `json:"context"`
}

func newDevicePayload(id string, dev model.Device, snapshot json.RawMessage, m model.Mapping, script model.Script) devicePayload {
	return devicePayload{
		DeviceID:  id,
		Device:    dev,
		Telemetry: snapshot,
		Mapping: mappingFragment{
			Model:   m.Model,
			Backend: backendFragment{Thingsboard: m.Thingsboard()},
		},
		Context: scriptContext{Script: script.Name},
	}
}

// globalPayload is what a global script reads from stdin: every selected
// device with its telemetry snapshot.
type globalPayload struct {
	DeviceID  *string                    `json:"deviceId"`
	Devices   map[string]model.Device    `json:"devices"`
	Telemetry map[string]json.RawMessage `json:"telemetry"`
	Context   scriptContext              `json:"context"`
}

func newGlobalPayload(globalID string, m model.Mapping, ids []string, snapshots map[string]json.RawMessage, script model.Script) globalPayload {
	devices := make(map[string]model.Device, len(ids))
	for _, id := range ids {
		devices[id] = m.Devices[id]
	}
	p := globalPayload{
		Devices:   devices,
		Telemetry: snapshots,
		Context:   scriptContext{Script: script.Name, Scope: model.ScopeGlobal},
	}
	if globalID != "" {
		p.DeviceID = &globalID
	}
	return p
}
