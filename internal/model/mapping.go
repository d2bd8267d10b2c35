package model

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"
	"time"
)

// Script scopes.
const (
	ScopePerDevice = "per-device"
	ScopeGlobal    = "global"

	EntityTypeDevice = "DEVICE"

	// hashPlaceholder is the value templates ship with; it means no pin.
	hashPlaceholder = "<sha256>"

	defaultIntervalSec = 60
	defaultMaxRunSec   = 60
	defaultRefreshSec  = 600
	defaultPointLimit  = 24
	defaultLookback    = 24
	defaultScriptName  = "script"
)

// Mapping is the root document describing devices and the predictor setup.
// It is read fresh for every cycle and never modified afterwards.
type Mapping struct {
	Model     json.RawMessage            `json:"model,omitempty"`
	Backend   map[string]json.RawMessage `json:"backend,omitempty"`
	Devices   map[string]Device          `json:"devices,omitempty"`
	Predictor *Predictor                 `json:"predictor,omitempty"`
}

// DeviceIDs returns device identifiers in a stable order.
func (m Mapping) DeviceIDs() []string {
	return slices.Sorted(maps.Keys(m.Devices))
}

// Enabled reports whether the predictor section is present and switched on.
func (m Mapping) Enabled() bool {
	return m.Predictor != nil && m.Predictor.IsEnabled()
}

// Thingsboard returns the backend.thingsboard block or null.
func (m Mapping) Thingsboard() json.RawMessage {
	if raw, ok := m.Backend["thingsboard"]; ok && len(raw) > 0 {
		return raw
	}
	return json.RawMessage("{}")
}

// Device is a single entry of the mapping. Known fields are decoded, and the
// complete object is kept in Raw so scripts see every domain attribute.
type Device struct {
	Type      string          `json:"type,omitempty"`
	Connector Connector       `json:"connector"`
	Raw       json.RawMessage `json:"-"`
}

func (d *Device) UnmarshalJSON(b []byte) error {
	type plain Device
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*d = Device(p)
	d.Raw = append(json.RawMessage(nil), b...)
	return nil
}

func (d Device) MarshalJSON() ([]byte, error) {
	if len(d.Raw) > 0 {
		return d.Raw, nil
	}
	type plain Device
	return json.Marshal(plain(d))
}

// TelemetryKey picks the key used to query telemetry: an explicit override,
// then the connector key, then the device type.
func (d Device) TelemetryKey(override string) string {
	switch {
	case override != "":
		return override
	case d.Connector.TelemetryKey != "":
		return d.Connector.TelemetryKey
	default:
		return d.Type
	}
}

type Connector struct {
	Type         string `json:"type,omitempty"`
	DeviceID     string `json:"deviceId,omitempty"`
	TelemetryKey string `json:"telemetryKey,omitempty"`
	EntityType   string `json:"entityType,omitempty"`
}

// Predictor is the predictor configuration block of the mapping.
type Predictor struct {
	Enabled      *bool         `json:"enabled,omitempty"`
	Schedule     Schedule      `json:"schedule"`
	Source       SourcePolicy  `json:"github"`
	Scripts      []Script      `json:"scripts,omitempty"`
	GlobalDevice *GlobalDevice `json:"globalDevice,omitempty"`
}

func (p Predictor) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// GlobalDeviceID returns the device id used as default for global scripts.
func (p Predictor) GlobalDeviceID() string {
	if p.GlobalDevice == nil {
		return ""
	}
	return p.GlobalDevice.DeviceID
}

type GlobalDevice struct {
	DeviceID string `json:"deviceId,omitempty"`
}

type Schedule struct {
	IntervalSec int `json:"intervalSec,omitempty"`
	MaxRunSec   int `json:"maxRunSec,omitempty"`
}

// Interval is the time between scheduled cycles, at least one second.
func (s Schedule) Interval() time.Duration {
	return secondsOr(s.IntervalSec, defaultIntervalSec)
}

// MaxRun is the wall clock limit of a single script invocation.
func (s Schedule) MaxRun() time.Duration {
	return secondsOr(s.MaxRunSec, defaultMaxRunSec)
}

// SourcePolicy controls where scripts may come from and how often cached
// copies are refreshed.
type SourcePolicy struct {
	Allowlist  []string `json:"allowlist,omitempty"`
	RefreshSec int      `json:"refreshSec,omitempty"`
}

// Allowed reports whether repo is trusted. Empty repositories never are.
func (p SourcePolicy) Allowed(repo string) bool {
	repo = strings.TrimSpace(repo)
	return repo != "" && slices.Contains(p.Allowlist, repo)
}

func (p SourcePolicy) RefreshInterval() time.Duration {
	return secondsOr(p.RefreshSec, defaultRefreshSec)
}

// Script describes a remote analysis program pinned to a revision.
type Script struct {
	Name      string           `json:"name,omitempty"`
	Repo      string           `json:"repo,omitempty"`
	Ref       string           `json:"ref,omitempty"`
	Path      string           `json:"path,omitempty"`
	SHA256    string           `json:"sha256,omitempty"`
	Scope     string           `json:"scope,omitempty"`
	Telemetry TelemetryRequest `json:"telemetry"`
}

// DisplayName is the script name or a generic one when unset.
func (s Script) DisplayName() string {
	if s.Name == "" {
		return defaultScriptName
	}
	return s.Name
}

// PinnedHash returns the expected lowercase hex digest, or "" if the
// descriptor does not pin its content.
func (s Script) PinnedHash() string {
	h := strings.ToLower(strings.TrimSpace(s.SHA256))
	if h == hashPlaceholder {
		return ""
	}
	return h
}

func (s Script) IsGlobal() bool {
	return s.Scope == ScopeGlobal
}

// TelemetryRequest holds the query a script wants for its input snapshot.
type TelemetryRequest struct {
	Keys  string `json:"keys,omitempty"`
	Limit int    `json:"limit,omitempty"`
	Hours int    `json:"hours,omitempty"`
}

func (t TelemetryRequest) PointLimit() int {
	if t.Limit <= 0 {
		return defaultPointLimit
	}
	return t.Limit
}

func (t TelemetryRequest) LookbackHours() int {
	if t.Hours <= 0 {
		return defaultLookback
	}
	return t.Hours
}

func secondsOr(v, dflt int) time.Duration {
	if v <= 0 {
		v = dflt
	}
	return time.Duration(v) * time.Second
}
