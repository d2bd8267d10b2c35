package model

import "encoding/json"

// Item is a canonical prediction update destined for the middleware.
type Item struct {
	DeviceID   string          `json:"deviceId"`
	EntityType string          `json:"entityType"`
	Telemetry  json.RawMessage `json:"telemetry"`
	Attributes json.RawMessage `json:"attributes"`
}
