package model_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/iotpredict/predictor/internal/model"
	"github.com/stretchr/testify/require"
)

const mappingJSON = `{
  "model": {"file": "building.ifc"},
  "backend": {"thingsboard": {"baseUrl": "http://tb:8080"}},
  "devices": {
    "sensor-2": {"type": "humidity", "connector": {"type": "mock"}},
    "sensor-1": {
      "type": "humidity",
      "connector": {"type": "thingsboard", "deviceId": "tb-1", "telemetryKey": "rh"},
      "drying": {"rhThreshold": 60}
    }
  },
  "predictor": {
    "schedule": {"intervalSec": 30, "maxRunSec": 5},
    "github": {"allowlist": ["https://github.com/acme/scripts"], "refreshSec": 120},
    "scripts": [
      {"name": "drying", "repo": "https://github.com/acme/scripts", "ref": "v1", "path": "per_device/drying.py", "sha256": "<sha256>"},
      {"name": "overview", "repo": "https://github.com/acme/scripts", "ref": "v1", "path": "global/overview.py", "scope": "global", "telemetry": {"keys": "rh,t", "limit": 10}}
    ],
    "globalDevice": {"deviceId": "building"}
  }
}`

func TestLoadMapping(t *testing.T) {
	t.Parallel()
	m, err := model.LoadMapping("devices.ifc.json", strings.NewReader(mappingJSON))
	require.NoError(t, err)

	require.True(t, m.Enabled())
	require.Equal(t, []string{"sensor-1", "sensor-2"}, m.DeviceIDs())
	require.JSONEq(t, `{"baseUrl": "http://tb:8080"}`, string(m.Thingsboard()))

	p := m.Predictor
	require.NotNil(t, p)
	require.Equal(t, 30*time.Second, p.Schedule.Interval())
	require.Equal(t, 5*time.Second, p.Schedule.MaxRun())
	require.Equal(t, 2*time.Minute, p.Source.RefreshInterval())
	require.Equal(t, "building", p.GlobalDeviceID())

	require.Len(t, p.Scripts, 2)
	require.Equal(t, model.ScopePerDevice, p.Scripts[0].Scope, "scope defaults to per-device")
	require.Empty(t, p.Scripts[0].PinnedHash(), "placeholder hash is not a pin")
	require.True(t, p.Scripts[1].IsGlobal())
	require.Equal(t, 10, p.Scripts[1].Telemetry.PointLimit())
	require.Equal(t, 24, p.Scripts[1].Telemetry.LookbackHours())

	t.Run("device keeps free-form attributes", func(t *testing.T) {
		dev := m.Devices["sensor-1"]
		require.Equal(t, "tb-1", dev.Connector.DeviceID)
		raw, err := json.Marshal(dev)
		require.NoError(t, err)
		var obj map[string]any
		require.NoError(t, json.Unmarshal(raw, &obj))
		require.Contains(t, obj, "drying")
	})
}

func TestLoadMapping_Disabled(t *testing.T) {
	t.Parallel()
	m, err := model.LoadMapping("m.json", strings.NewReader(`{"devices": {}, "predictor": {"enabled": false}}`))
	require.NoError(t, err)
	require.False(t, m.Enabled())

	m, err = model.LoadMapping("m.json", strings.NewReader(`{"devices": {}}`))
	require.NoError(t, err)
	require.False(t, m.Enabled(), "missing predictor block disables the engine")
}

func TestLoadMapping_Fail(t *testing.T) {
	t.Parallel()
	cases := []struct {
		scenario string
		given    string
		path     string
	}{
		{"bad scope", `{"predictor": {"scripts": [{"name": "x", "scope": "everywhere"}]}}`, "predictor.scripts.0.scope"},
		{"interval below one", `{"predictor": {"schedule": {"intervalSec": 0}}}`, "predictor.schedule.intervalSec"},
		{"enabled not bool", `{"predictor": {"enabled": "yes"}}`, "predictor.enabled"},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := model.LoadMapping("m.json", strings.NewReader(tc.given))
			require.Error(t, err)
			details := model.ErrDetails(err)
			require.NotEmpty(t, details)
			paths := make([]string, 0, len(details))
			for _, d := range details {
				paths = append(paths, d.Path)
			}
			require.Contains(t, paths, tc.path)
		})
	}

	t.Run("not json", func(t *testing.T) {
		_, err := model.LoadMapping("m.json", strings.NewReader(`{"devices": `))
		require.Error(t, err)
		require.NotEmpty(t, model.ErrDetails(err))
	})
}

func TestReadMapping(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	_, err := model.ReadMapping(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
	require.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(dir, "devices.ifc.json")
	require.NoError(t, os.WriteFile(path, []byte(mappingJSON), 0o644))
	m, err := model.ReadMapping(path)
	require.NoError(t, err)
	require.Len(t, m.Devices, 2)
}
