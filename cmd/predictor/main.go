package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/iotpredict/predictor/internal/config"
	"github.com/iotpredict/predictor/internal/log"
	"github.com/iotpredict/predictor/internal/model"
)

var (
	cfg config.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagScripts        []string
	flagDevices        []string
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "YAML config file to load, environment and defaults are used without it")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	runCmd.Flags().StringSliceVar(&flagScripts, "script", nil, "run only the named scripts")
	runCmd.Flags().StringSliceVar(&flagDevices, "device", nil, "run only for the given device ids")

	// never print messages
	rootCmd.SilenceErrors = true

	rootCmd.PersistentPreRunE = initPredictor

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("predictor failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "predictor",
	Short:        "Runs prediction scripts over device telemetry",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve starts the control API and, in loop or scheduler mode, periodic cycles",
	RunE:  doServe,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run executes a single cycle and prints its result",
	RunE:  doRun,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "config prints the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(cfg.Redacted()); err != nil {
			return fmt.Errorf("encoding configuration: %w", err)
		}
		return enc.Close()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a predictor",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("predictor: version info not available")
			return
		}

		if flagConfigFilePath != "" {
			fmt.Printf("config:    %s\n", flagConfigFilePath)
		}
		fmt.Printf("predictor: %s\n", info.Main.Version)
		fmt.Printf("go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:    %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:      %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:     %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	ctx = log.ContextAttrs(ctx, slog.Group("predictor",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	))

	p, err := NewPredictor(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.Close(ctx)
	return p.Serve(ctx)
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.ContextAttrs(ctx, slog.Group("predictor",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	))

	p, err := NewPredictor(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.Close(ctx)

	res := p.supervisor.Run(ctx, model.RunRequest{Scripts: flagScripts, DeviceIDs: flagDevices})
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	switch res.Status {
	case model.CycleOK, model.CycleDisabled:
		return nil
	default:
		return fmt.Errorf("cycle %s: %s", res.Status, res.Detail)
	}
}

func initPredictor(cmd *cobra.Command, _ []string) error {
	// a missing .env is the common case
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}

	var err error
	cfg, err = config.Load(flagConfigFilePath)
	if err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		cfg.Verbose = true
	}

	slog.SetDefault(log.New(os.Stderr, log.Options{
		Verbose: cfg.Verbose,
		Format:  cfg.LogFormat,
	}))

	slog.Debug("predictor run", "configPath", flagConfigFilePath)
	slog.Debug("predictor run", "mode", cfg.Mode, "mapping", cfg.MappingPath, "middleware", cfg.MiddlewareURL)
	return nil
}
