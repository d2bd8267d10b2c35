// Package cycle runs one pass of the configured scripts over the devices of a
// mapping and publishes the normalized results.
package cycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/iotpredict/predictor/internal/artifact"
	"github.com/iotpredict/predictor/internal/log"
	"github.com/iotpredict/predictor/internal/model"
	"github.com/iotpredict/predictor/internal/parallel"
	"github.com/iotpredict/predictor/internal/runner"
	"github.com/iotpredict/predictor/internal/telemetry"
)

type Resolver interface {
	Resolve(ctx context.Context, script model.Script, policy model.SourcePolicy, refresh bool) (artifact.Artifact, error)
}

type Runner interface {
	Run(ctx context.Context, cmd runner.Command, payload any) (runner.Output, error)
}

type TelemetryReader interface {
	Telemetry(ctx context.Context, deviceID, key string, limit, hours int) (json.RawMessage, error)
}

type Options struct {
	// Interpreter is prepended to the artifact path, nil executes the
	// artifact directly.
	Interpreter []string
	// Fanout limits parallel telemetry requests of global scripts.
	Fanout int
}

type Executor struct {
	resolver    Resolver
	runner      Runner
	telemetry   TelemetryReader
	publisher   telemetry.Publisher
	interpreter []string
	fanout      int
	now         func() time.Time
}

func NewExecutor(resolver Resolver, run Runner, tel TelemetryReader, pub telemetry.Publisher, opts Options) *Executor {
	fanout := opts.Fanout
	if fanout < 1 {
		fanout = 1
	}
	return &Executor{
		resolver:    resolver,
		runner:      run,
		telemetry:   tel,
		publisher:   pub,
		interpreter: slices.Clone(opts.Interpreter),
		fanout:      fanout,
		now:         time.Now,
	}
}

// Report describes what a cycle produced.
type Report struct {
	Disabled bool
	// Refresh is the refresh window decision used for every artifact
	Refresh bool
	Items   []json.RawMessage
	// Published is nil when there was nothing to publish
	Published  *bool
	PublishErr error
	Stats      model.CycleStats
}

// Run executes one cycle over m narrowed by req. Per script and per device
// failures are absorbed and counted. The only error returned is
// runner.ErrKilled, once ctx is canceled; nothing is published then.
func (e *Executor) Run(ctx context.Context, m model.Mapping, req model.RunRequest) (Report, error) {
	if !m.Enabled() {
		return Report{Disabled: true}, nil
	}
	p := m.Predictor
	rep := Report{
		Refresh: artifact.RefreshWindow(e.now(), p.Source.RefreshInterval()),
	}

	scripts := selectScripts(p.Scripts, req.Scripts)
	deviceIDs := selectDevices(m.DeviceIDs(), req.DeviceIDs)
	maxRun := p.Schedule.MaxRun()

	for _, script := range scripts {
		if err := aborted(ctx); err != nil {
			return rep, err
		}
		sctx := log.ContextAttrs(ctx, slog.String("script", script.DisplayName()))

		art, err := e.resolver.Resolve(sctx, script, p.Source, rep.Refresh)
		if err != nil {
			rep.Stats.ScriptsSkipped++
			slog.WarnContext(sctx, "script unavailable: skipping", "error", err)
			continue
		}
		cmd := e.command(art.Path, maxRun)

		if script.IsGlobal() {
			items, err := e.runGlobal(sctx, m, script, deviceIDs, cmd, &rep.Stats)
			if err != nil {
				return rep, err
			}
			rep.Items = append(rep.Items, items...)
			continue
		}

		for _, id := range deviceIDs {
			if err := aborted(sctx); err != nil {
				return rep, err
			}
			dctx := log.ContextAttrs(sctx, slog.String("device_id", id))
			dev := m.Devices[id]
			snapshot := e.snapshot(dctx, id, dev, script, &rep.Stats)
			payload := newDevicePayload(id, dev, snapshot, m, script)
			items, err := e.invoke(dctx, cmd, payload, id, &rep.Stats)
			if err != nil {
				return rep, err
			}
			rep.Items = append(rep.Items, items...)
		}
	}

	if len(rep.Items) > 0 {
		err := e.publisher.Publish(ctx, rep.Items)
		published := err == nil
		rep.Published = &published
		rep.PublishErr = err
		if err != nil {
			slog.ErrorContext(ctx, "publishing predictions failed", "items", len(rep.Items), "error", err)
		}
	}
	return rep, nil
}

func (e *Executor) runGlobal(ctx context.Context, m model.Mapping, script model.Script, deviceIDs []string, cmd runner.Command, stats *model.CycleStats) ([]json.RawMessage, error) {
	type fetched struct {
		id  string
		raw json.RawMessage
	}
	fetch := func(ctx context.Context, id string) (fetched, error) {
		dev := m.Devices[id]
		raw, err := e.telemetry.Telemetry(ctx, id, dev.TelemetryKey(script.Telemetry.Keys),
			script.Telemetry.PointLimit(), script.Telemetry.LookbackHours())
		return fetched{id: id, raw: raw}, err
	}

	snapshots := make(map[string]json.RawMessage, len(deviceIDs))
	for f, err := range parallel.NewMap(ctx, e.fanout, fetch).Iter(slices.Values(deviceIDs)) {
		if err != nil {
			stats.TelemetryFailures++
			slog.WarnContext(ctx, "fetching telemetry failed: using empty snapshot", "device_id", f.id, "error", err)
			f.raw = emptyObject
		}
		snapshots[f.id] = f.raw
	}
	if err := aborted(ctx); err != nil {
		return nil, err
	}

	globalID := m.Predictor.GlobalDeviceID()
	payload := newGlobalPayload(globalID, m, deviceIDs, snapshots, script)
	return e.invoke(ctx, cmd, payload, globalID, stats)
}

func (e *Executor) snapshot(ctx context.Context, id string, dev model.Device, script model.Script, stats *model.CycleStats) json.RawMessage {
	raw, err := e.telemetry.Telemetry(ctx, id, dev.TelemetryKey(script.Telemetry.Keys),
		script.Telemetry.PointLimit(), script.Telemetry.LookbackHours())
	if err != nil {
		stats.TelemetryFailures++
		slog.WarnContext(ctx, "fetching telemetry failed: using empty snapshot", "error", err)
		return emptyObject
	}
	return raw
}

func (e *Executor) invoke(ctx context.Context, cmd runner.Command, payload any, defaultDevice string, stats *model.CycleStats) ([]json.RawMessage, error) {
	out, err := e.runner.Run(ctx, cmd, payload)
	switch {
	case errors.Is(err, runner.ErrKilled):
		return nil, err
	case errors.Is(err, runner.ErrTimeout):
		stats.RunsTimedOut++
		slog.WarnContext(ctx, "script timed out", "timeout", cmd.Timeout)
		return nil, nil
	case err != nil:
		stats.RunsFailed++
		slog.WarnContext(ctx, "script failed", "error", err)
		return nil, nil
	}
	items := Normalize(out, defaultDevice)
	slog.DebugContext(ctx, "script finished", "items", len(items))
	return items, nil
}

func (e *Executor) command(path string, timeout time.Duration) runner.Command {
	if len(e.interpreter) == 0 {
		return runner.Command{Path: path, Timeout: timeout}
	}
	args := append(slices.Clone(e.interpreter[1:]), path)
	return runner.Command{
		Path:    e.interpreter[0],
		Args:    args,
		Timeout: timeout,
	}
}

func aborted(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	if errors.Is(cause, runner.ErrKilled) {
		return cause
	}
	return fmt.Errorf("%w: %w", runner.ErrKilled, cause)
}

func selectScripts(all []model.Script, names []string) []model.Script {
	if len(names) == 0 {
		return all
	}
	var ret []model.Script
	for _, s := range all {
		if slices.Contains(names, s.Name) {
			ret = append(ret, s)
		}
	}
	return ret
}

func selectDevices(all []string, ids []string) []string {
	if len(ids) == 0 {
		return all
	}
	var ret []string
	for _, id := range all {
		if slices.Contains(ids, id) {
			ret = append(ret, id)
		}
	}
	return ret
}
