package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iotpredict/predictor/internal/api"
	"github.com/iotpredict/predictor/internal/artifact"
	"github.com/iotpredict/predictor/internal/config"
	"github.com/iotpredict/predictor/internal/cycle"
	"github.com/iotpredict/predictor/internal/jobs"
	"github.com/iotpredict/predictor/internal/runner"
	"github.com/iotpredict/predictor/internal/service"
	"github.com/iotpredict/predictor/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// Predictor wires the components of the service together.
type Predictor struct {
	cfg        config.Config
	cache      *artifact.Cache
	store      *jobs.Store
	dir        *telemetry.DirPublisher
	supervisor *service.Supervisor
}

func NewPredictor(ctx context.Context, cfg config.Config) (*Predictor, error) {
	sources, err := newSources(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cache, err := artifact.NewCache(cfg.CacheDir, sources...)
	if err != nil {
		return nil, fmt.Errorf("initializing artifact cache: %w", err)
	}
	p := &Predictor{cfg: cfg, cache: cache}

	client, err := telemetry.NewClient(cfg.MiddlewareURL, cfg.HTTPTimeout)
	if err != nil {
		p.Close(ctx)
		return nil, fmt.Errorf("initializing middleware client: %w", err)
	}

	pubs, err := p.publishers(ctx, client)
	if err != nil {
		p.Close(ctx)
		return nil, fmt.Errorf("initializing publishers: %w", err)
	}

	p.store, err = jobs.Open(ctx)
	if err != nil {
		p.Close(ctx)
		return nil, fmt.Errorf("initializing job registry: %w", err)
	}

	executor := cycle.NewExecutor(cache, runner.NewRunner(runner.LogStderr), client, pubs, cycle.Options{
		Interpreter: cfg.InterpreterArgs(),
		Fanout:      cfg.Fanout,
	})
	p.supervisor = service.NewSupervisor(service.Options{
		MappingPath: cfg.MappingPath,
		Mode:        cfg.Mode,
		Cron:        cfg.Schedule.Cron,
		Every:       cfg.Every(),
	}, executor, p.store)
	return p, nil
}

func newSources(ctx context.Context, cfg config.Config) ([]artifact.Source, error) {
	gh, err := artifact.NewGitHub(cfg.GitHubRawURL, cfg.GitHubToken, cfg.HTTPTimeout)
	if err != nil {
		return nil, fmt.Errorf("initializing github source: %w", err)
	}
	ret := []artifact.Source{gh}
	if cfg.S3.Endpoint != "" {
		s3, err := artifact.NewS3(artifact.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Region:    cfg.S3.Region,
			UseSSL:    cfg.S3.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing s3 source: %w", err)
		}
		slog.DebugContext(ctx, "s3 source enabled", "endpoint", cfg.S3.Endpoint)
		ret = append(ret, s3)
	}
	return ret, nil
}

func (p *Predictor) publishers(ctx context.Context, client *telemetry.Client) (telemetry.Publishers, error) {
	var pubs telemetry.Publishers
	if p.cfg.Publish.DryRun {
		slog.InfoContext(ctx, "dry run: predictions are written to stdout")
		pubs = append(pubs, telemetry.NewWriterPublisher(os.Stdout))
	} else {
		pubs = append(pubs, client)
	}
	if p.cfg.Publish.Dir != "" {
		dir, err := telemetry.NewDirPublisher(p.cfg.Publish.Dir)
		if err != nil {
			return nil, err
		}
		p.dir = dir
		pubs = append(pubs, dir)
	}
	return pubs, nil
}

// Serve runs the control API and the supervisor until ctx is canceled or a
// termination signal arrives.
func (p *Predictor) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	router := api.NewRouter(api.NewHandlers(p.supervisor), api.Options{
		Token:       p.cfg.API.Token,
		CORSOrigins: p.cfg.API.CORSOrigins,
	})
	srv := &http.Server{
		Addr:              p.cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.InfoContext(gctx, "control api listening", "addr", srv.Addr, "mode", p.cfg.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		return p.supervisor.Do(gctx)
	})
	return g.Wait()
}

func (p *Predictor) Close(ctx context.Context) {
	if p.supervisor != nil {
		p.supervisor.Close()
	}
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			slog.ErrorContext(ctx, "closing job registry failed", "error", err)
		}
	}
	if p.dir != nil {
		if err := p.dir.Close(); err != nil {
			slog.ErrorContext(ctx, "closing publish dir failed", "error", err)
		}
	}
	if err := p.cache.Close(); err != nil {
		slog.ErrorContext(ctx, "closing artifact cache failed", "error", err)
	}
}
