package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iotpredict/predictor/internal/cycle"
	"github.com/iotpredict/predictor/internal/jobs"
	"github.com/iotpredict/predictor/internal/log"
	"github.com/iotpredict/predictor/internal/model"
	"github.com/iotpredict/predictor/internal/runner"
)

var (
	ErrBusy = errors.New("cycle in progress")

	errKillRequested = fmt.Errorf("kill requested: %w", runner.ErrKilled)
	errShutdown      = fmt.Errorf("shutting down: %w", runner.ErrKilled)
)

// CycleRunner executes one cycle, see cycle.Executor.
type CycleRunner interface {
	Run(ctx context.Context, m model.Mapping, req model.RunRequest) (cycle.Report, error)
}

// JobStore is the job registry, see jobs.Store.
type JobStore interface {
	Create(ctx context.Context, payload model.RunRequest) (model.Job, error)
	Get(ctx context.Context, id string) (model.Job, error)
	Start(ctx context.Context, id string) error
	Finish(ctx context.Context, id string, status model.JobStatus, result model.CycleResult) error
	Cancel(ctx context.Context, id string) error
}

type Options struct {
	MappingPath string
	Mode        string
	// Cron or Every replace the interval of the mapping when set
	Cron  string
	Every time.Duration
}

// token is the cancellation handle of one cycle invocation.
type token struct {
	cancel context.CancelCauseFunc
	active bool
}

// Supervisor serializes cycles, tracks asynchronous jobs and owns the engine
// snapshot.
type Supervisor struct {
	opts    Options
	exec    CycleRunner
	jobs    JobStore
	state   *state
	started time.Time
	now     func() time.Time

	// cycleMx is held while a cycle runs, it is never waited for
	cycleMx sync.Mutex

	tokensMx sync.Mutex
	tokens   map[string]*token

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc
	wg         sync.WaitGroup

	reschedule chan time.Duration
}

func NewSupervisor(opts Options, exec CycleRunner, store JobStore) *Supervisor {
	baseCtx, baseCancel := context.WithCancelCause(context.Background())
	return &Supervisor{
		opts:       opts,
		exec:       exec,
		jobs:       store,
		state:      newState(),
		started:    time.Now(),
		now:        time.Now,
		tokens:     make(map[string]*token),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		reschedule: make(chan time.Duration, 1),
	}
}

func (s *Supervisor) Mode() string {
	return s.opts.Mode
}

func (s *Supervisor) Uptime() time.Duration {
	return time.Since(s.started)
}

// Status returns a copy of the engine snapshot.
func (s *Supervisor) Status() model.Snapshot {
	return s.state.snapshot()
}

// Reload re-reads the mapping to check it is usable. Nothing is cached, the
// next cycle reads the mapping again anyway.
func (s *Supervisor) Reload(ctx context.Context) error {
	m, err := model.ReadMapping(s.opts.MappingPath)
	if err != nil {
		for _, d := range model.ErrDetails(err) {
			slog.WarnContext(ctx, "mapping validation", d.Attr("detail"))
		}
		return err
	}
	slog.InfoContext(ctx, "mapping reloaded", "devices", len(m.Devices), "enabled", m.Enabled())
	return nil
}

// Run executes one cycle synchronously. When another cycle is in flight the
// result is busy and nothing runs.
func (s *Supervisor) Run(ctx context.Context, req model.RunRequest) model.CycleResult {
	key := "run-" + uuid.NewString()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	s.addToken(key, cancel)
	defer s.dropToken(key)
	return s.runCycle(ctx, key, "", req)
}

// Submit registers an asynchronous job and returns immediately.
func (s *Supervisor) Submit(ctx context.Context, req model.RunRequest) (model.Job, error) {
	job, err := s.jobs.Create(ctx, req)
	if err != nil {
		return model.Job{}, fmt.Errorf("creating job: %w", err)
	}

	jctx, cancel := context.WithCancelCause(s.baseCtx)
	// registered before the worker exists, so a kill of a queued job sticks
	s.addToken(job.ID, cancel)
	s.wg.Go(func() {
		defer cancel(nil)
		defer s.dropToken(job.ID)
		s.work(jctx, job)
	})
	return job, nil
}

func (s *Supervisor) work(ctx context.Context, job model.Job) {
	ctx = log.ContextAttrs(ctx, slog.String("job_id", job.ID))
	// registry updates must land even when the job is canceled
	bg := context.WithoutCancel(ctx)

	if ctx.Err() != nil {
		s.finish(bg, job.ID, model.JobCanceled, model.CycleResult{Status: model.CycleCanceled})
		return
	}
	if err := s.jobs.Start(bg, job.ID); err != nil {
		if !errors.Is(err, jobs.ErrAlreadyFinished) {
			slog.ErrorContext(ctx, "starting job failed", "error", err)
		}
		return
	}

	res := s.runCycle(ctx, job.ID, job.ID, job.Payload)
	s.finish(bg, job.ID, jobStatus(res.Status), res)
}

func (s *Supervisor) finish(ctx context.Context, id string, status model.JobStatus, res model.CycleResult) {
	err := s.jobs.Finish(ctx, id, status, res)
	switch {
	case err == nil:
		slog.InfoContext(ctx, "job finished", "status", status)
	case errors.Is(err, jobs.ErrAlreadyFinished):
		slog.DebugContext(ctx, "job already finished", "status", status)
	default:
		slog.ErrorContext(ctx, "finishing job failed", "error", err)
	}
}

func jobStatus(status model.CycleStatus) model.JobStatus {
	switch status {
	case model.CycleOK, model.CycleDisabled:
		return model.JobDone
	case model.CycleKilled, model.CycleCanceled:
		return model.JobCanceled
	default:
		return model.JobError
	}
}

// Job returns the job identified by id.
func (s *Supervisor) Job(ctx context.Context, id string) (model.Job, error) {
	return s.jobs.Get(ctx, id)
}

// Kill cancels the cycle of jobID, or every cycle and queued job when jobID
// is empty. A named job which has not finished yet is marked canceled right
// away. The result is killing when an in-flight cycle was hit.
func (s *Supervisor) Kill(ctx context.Context, jobID string) model.KillStatus {
	killing := false
	s.tokensMx.Lock()
	for key, t := range s.tokens {
		if jobID != "" && key != jobID {
			continue
		}
		t.cancel(errKillRequested)
		killing = killing || t.active
	}
	s.tokensMx.Unlock()

	if jobID != "" {
		err := s.jobs.Cancel(ctx, jobID)
		if err != nil && !errors.Is(err, jobs.ErrAlreadyFinished) && !errors.Is(err, jobs.ErrNotFound) {
			slog.ErrorContext(ctx, "canceling job failed", "job_id", jobID, "error", err)
		}
	}

	if killing {
		slog.InfoContext(ctx, "kill requested", "job_id", jobID)
		return model.KillKilling
	}
	return model.KillIdle
}

func (s *Supervisor) addToken(key string, cancel context.CancelCauseFunc) {
	s.tokensMx.Lock()
	defer s.tokensMx.Unlock()
	s.tokens[key] = &token{cancel: cancel}
}

func (s *Supervisor) dropToken(key string) {
	s.tokensMx.Lock()
	defer s.tokensMx.Unlock()
	delete(s.tokens, key)
}

func (s *Supervisor) activate(key string, active bool) {
	s.tokensMx.Lock()
	defer s.tokensMx.Unlock()
	if t, ok := s.tokens[key]; ok {
		t.active = active
	}
}

func (s *Supervisor) runCycle(ctx context.Context, key, jobID string, req model.RunRequest) model.CycleResult {
	if !s.cycleMx.TryLock() {
		slog.DebugContext(ctx, "cycle rejected", "reason", ErrBusy)
		return model.CycleResult{Status: model.CycleBusy, Detail: ErrBusy.Error()}
	}
	defer s.cycleMx.Unlock()

	start := s.now()
	s.activate(key, true)
	defer s.activate(key, false)
	s.state.begin(jobID)
	defer s.state.end()

	m, err := model.ReadMapping(s.opts.MappingPath)
	if err != nil {
		for _, d := range model.ErrDetails(err) {
			slog.WarnContext(ctx, "mapping validation", d.Attr("detail"))
		}
		slog.ErrorContext(ctx, "cycle failed", "error", err)
		s.state.failed(model.CycleError, err.Error(), s.now(), s.now().Sub(start))
		return model.CycleResult{Status: model.CycleError, Detail: err.Error()}
	}
	s.state.loaded(m.Enabled(), s.now())

	rep, err := s.exec.Run(ctx, m, req)
	took := s.now().Sub(start)
	switch {
	case errors.Is(err, runner.ErrKilled):
		slog.WarnContext(ctx, "cycle killed", "error", err)
		s.state.failed(model.CycleKilled, string(model.CycleKilled), s.now(), took)
		return model.CycleResult{Status: model.CycleKilled}
	case err != nil:
		slog.ErrorContext(ctx, "cycle failed", "error", err)
		s.state.failed(model.CycleError, err.Error(), s.now(), took)
		return model.CycleResult{Status: model.CycleError, Detail: err.Error()}
	case rep.Disabled:
		s.state.disabled(took)
		return model.CycleResult{Status: model.CycleDisabled}
	}

	s.state.succeeded(len(rep.Items), rep.PublishErr, s.now(), took)
	res := model.CycleResult{
		Status:     model.CycleOK,
		Items:      len(rep.Items),
		DurationMS: took.Milliseconds(),
		Published:  rep.Published,
		Stats:      &rep.Stats,
	}
	if rep.PublishErr != nil {
		res.PublishError = rep.PublishErr.Error()
	}
	slog.InfoContext(ctx, "cycle finished",
		"items", res.Items,
		"duration", took,
		"refresh", rep.Refresh,
		"stats", rep.Stats)
	return res
}

// Close cancels everything in flight and waits for the job workers.
func (s *Supervisor) Close() {
	s.baseCancel(errShutdown)
	s.tokensMx.Lock()
	for _, t := range s.tokens {
		t.cancel(errShutdown)
	}
	s.tokensMx.Unlock()
	s.wg.Wait()
}
