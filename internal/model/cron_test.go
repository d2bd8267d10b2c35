package model_test

import (
	"testing"
	"time"

	"github.com/iotpredict/predictor/internal/model"
	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	t.Parallel()
	cases := []struct {
		scenario string
		given    string
		interval time.Duration
		err      string
	}{
		{"every_15_minutes", "*/15 * * * *", 15 * time.Minute, ""},
		{"macro_hourly", "@hourly", time.Hour, ""},
		{"macro_every", "@every 5m", 5 * time.Minute, ""},
		{"six_fields", "0 */2 * * * *", 0, "expected exactly 5 fields, found 6: [0 */2 * * * *]"},
		{"out_of_range", "* * 32 * *", 0, "end of range (32) above maximum (31): 32"},
		{"empty", "  ", 0, "empty cron expression"},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, interval, err := model.ParseCron(tc.given)
			if tc.err != "" {
				require.EqualError(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.interval, interval)
		})
	}
}

func TestParseISODuration(t *testing.T) {
	t.Parallel()
	cases := []struct {
		given string
		then  time.Duration
		err   bool
	}{
		{"PT30S", 30 * time.Second, false},
		{"PT1H30M", 90 * time.Minute, false},
		{"P1DT12H", 36 * time.Hour, false},
		{"PT0.5S", 500 * time.Millisecond, false},
		{"PT1,5S", 1500 * time.Millisecond, false},
		{"P2D", 48 * time.Hour, false},
		{"P", 0, true},
		{"PT", 0, true},
		{"P1DT", 0, true},
		{"P1M", 0, true},
		{"30s", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.given, func(t *testing.T) {
			d, err := model.ParseISODuration(tc.given)
			if tc.err {
				require.ErrorIs(t, err, model.ErrISOFormat)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}
