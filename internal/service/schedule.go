package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/iotpredict/predictor/internal/model"
)

// Do runs the scheduler loop until ctx is canceled. Without a schedule (server
// mode) it only waits. A schedule driven by the mapping follows changes of
// predictor.schedule.intervalSec, picked up after every tick.
//
// Shutdown (deferred order): scheduler shutdown -> Close, which kills the
// in-flight cycle and waits for async jobs.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor", "mode", s.opts.Mode)
	defer s.Close()

	if s.opts.Mode == "" || s.opts.Mode == "server" {
		<-ctx.Done()
		return nil
	}

	def, interval, err := s.definition(ctx)
	if err != nil {
		return err
	}
	task := gocron.NewTask(func() { s.tick(ctx, interval > 0) })

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	job, err := scheduler.NewJob(
		def,
		task,
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("initializing gocron job: %w", err)
	}

	scheduler.Start()
	defer func() {
		err := scheduler.Shutdown()
		if err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-s.reschedule:
			if d == interval {
				continue
			}
			slog.InfoContext(ctx, "rescheduling", "old", interval, "new", d)
			updated, err := scheduler.Update(
				job.ID(),
				gocron.DurationJob(d),
				task,
				gocron.WithSingletonMode(gocron.LimitModeReschedule),
			)
			if err != nil {
				slog.ErrorContext(ctx, "rescheduling failed", "error", err)
				continue
			}
			job, interval = updated, d
		}
	}
}

// definition returns the job definition. The interval is zero unless the
// schedule comes from the mapping.
func (s *Supervisor) definition(ctx context.Context) (gocron.JobDefinition, time.Duration, error) {
	switch {
	case s.opts.Cron != "":
		if _, _, err := model.ParseCron(s.opts.Cron); err != nil {
			return nil, 0, fmt.Errorf("parsing schedule.cron: %w", err)
		}
		slog.DebugContext(ctx, "successfully parsed", "cron", s.opts.Cron)
		return gocron.CronJob(s.opts.Cron, false), 0, nil
	case s.opts.Every > 0:
		slog.DebugContext(ctx, "fixed schedule", "every", s.opts.Every.String())
		return gocron.DurationJob(s.opts.Every), 0, nil
	}
	d := s.mappingInterval(ctx)
	slog.DebugContext(ctx, "mapping schedule", "every", d.String())
	return gocron.DurationJob(d), d, nil
}

func (s *Supervisor) mappingInterval(ctx context.Context) time.Duration {
	m, err := model.ReadMapping(s.opts.MappingPath)
	if err != nil || m.Predictor == nil {
		if err != nil {
			slog.WarnContext(ctx, "reading schedule from mapping failed: using default", "error", err)
		}
		return model.Schedule{}.Interval()
	}
	return m.Predictor.Schedule.Interval()
}

func (s *Supervisor) tick(ctx context.Context, follow bool) {
	res := s.Run(ctx, model.RunRequest{})
	if res.Status == model.CycleBusy {
		slog.DebugContext(ctx, "tick skipped: cycle in progress")
	}
	if !follow || ctx.Err() != nil {
		return
	}
	select {
	case s.reschedule <- s.mappingInterval(ctx):
	default:
	}
}
