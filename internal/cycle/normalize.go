package cycle

import (
	"bytes"
	"encoding/json"

	"github.com/iotpredict/predictor/internal/model"
	"github.com/iotpredict/predictor/internal/runner"
)

var emptyObject = json.RawMessage("{}")

// Normalize turns a script output into prediction items.
//
// An output with an "items" list contributes every object of the list
// verbatim. Otherwise a single item is built from the top level deviceId,
// entityType, telemetry and attributes fields, where deviceId falls back to
// defaultDevice. A numeric deviceId is kept in its decimal form. Nothing is
// produced if no device id can be resolved.
func Normalize(out runner.Output, defaultDevice string) []json.RawMessage {
	if len(out) == 0 {
		return nil
	}
	if raw, ok := out["items"]; ok && isArray(raw) {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err == nil {
			items := make([]json.RawMessage, 0, len(list))
			for _, it := range list {
				if isObject(it) {
					items = append(items, it)
				}
			}
			return items
		}
	}

	deviceID := idOr(out["deviceId"], defaultDevice)
	if deviceID == "" {
		return nil
	}
	item := model.Item{
		DeviceID:   deviceID,
		EntityType: stringOr(out["entityType"], model.EntityTypeDevice),
		Telemetry:  valueOr(out["telemetry"], emptyObject),
		Attributes: valueOr(out["attributes"], emptyObject),
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return nil
	}
	return []json.RawMessage{raw}
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func isArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}

// idOr accepts a non-empty string or a non-zero number.
func idOr(raw json.RawMessage, dflt string) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] == '"' {
		return stringOr(raw, dflt)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil && n != "" {
		if f, err := n.Float64(); err == nil && f != 0 {
			return n.String()
		}
	}
	return dflt
}

func stringOr(raw json.RawMessage, dflt string) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return dflt
	}
	return s
}

// valueOr returns raw unless it is missing or an empty value (null, false,
// 0, "", [] or {}).
func valueOr(raw json.RawMessage, dflt json.RawMessage) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return dflt
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return dflt
	}
	switch x := v.(type) {
	case nil:
		return dflt
	case bool:
		if !x {
			return dflt
		}
	case float64:
		if x == 0 {
			return dflt
		}
	case string:
		if x == "" {
			return dflt
		}
	case []any:
		if len(x) == 0 {
			return dflt
		}
	case map[string]any:
		if len(x) == 0 {
			return dflt
		}
	}
	return raw
}
