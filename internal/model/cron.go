package model

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrISOFormat = errors.New("invalid ISO8601 duration")

// ParseCron parses a five field cron expression or a @macro and returns the
// schedule together with the gap between its next two activations.
func ParseCron(expr string) (cron.Schedule, time.Duration, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return nil, 0, errors.New("empty cron expression")
	}

	var (
		schedule cron.Schedule
		err      error
	)
	if strings.HasPrefix(e, "@") {
		schedule, err = cron.ParseStandard(e)
	} else {
		schedule, err = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow).Parse(e)
	}
	if err != nil {
		return nil, 0, err
	}
	next := schedule.Next(time.Now())
	return schedule, schedule.Next(next).Sub(next), nil
}

var isoDurationRx = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:[.,]\d{1,9})?)S)?)?$`)

// ParseISODuration understands the day and time parts of ISO 8601 durations,
// e.g. PT30S, PT1H30M or P1DT12H. Years, months and weeks are rejected.
func ParseISODuration(dur string) (time.Duration, error) {
	m := isoDurationRx.FindStringSubmatch(dur)
	if m == nil || dur == "P" || strings.HasSuffix(dur, "T") {
		return 0, ErrISOFormat
	}

	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}
	var total time.Duration
	for i, part := range m[1:] {
		if part == "" {
			continue
		}
		f, err := strconv.ParseFloat(strings.Replace(part, ",", ".", 1), 64)
		if err != nil {
			return 0, fmt.Errorf("parsing %q: %w", part, err)
		}
		add := f * float64(units[i])
		if add > math.MaxInt64-float64(total) {
			return 0, errors.New("duration overflow")
		}
		total += time.Duration(add)
	}
	return total, nil
}
