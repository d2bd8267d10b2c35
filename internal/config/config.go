// Package config loads the service configuration of the predictor from
// defaults, an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/iotpredict/predictor/internal/model"
)

const (
	ModeServer    = "server"
	ModeLoop      = "loop"
	ModeScheduler = "scheduler"
)

type Config struct {
	MappingPath   string        `mapstructure:"mapping_path" yaml:"mapping_path"`
	MiddlewareURL string        `mapstructure:"middleware_url" yaml:"middleware_url"`
	CacheDir      string        `mapstructure:"cache_dir" yaml:"cache_dir"`
	GitHubToken   string        `mapstructure:"github_token" yaml:"github_token,omitempty"`
	GitHubRawURL  string        `mapstructure:"github_raw_url" yaml:"github_raw_url,omitempty"`
	Host          string        `mapstructure:"host" yaml:"host"`
	Port          int           `mapstructure:"port" yaml:"port"`
	Mode          string        `mapstructure:"mode" yaml:"mode"`
	Verbose       bool          `mapstructure:"verbose" yaml:"verbose"`
	LogFormat     string        `mapstructure:"log_format" yaml:"log_format"`
	Interpreter   string        `mapstructure:"interpreter" yaml:"interpreter"`
	HTTPTimeout   time.Duration `mapstructure:"http_timeout" yaml:"http_timeout"`
	Fanout        int           `mapstructure:"fanout" yaml:"fanout"`
	Schedule      Schedule      `mapstructure:"schedule" yaml:"schedule"`
	S3            S3            `mapstructure:"s3" yaml:"s3"`
	Publish       Publish       `mapstructure:"publish" yaml:"publish"`
	API           API           `mapstructure:"api" yaml:"api"`
}

// Schedule overrides the interval the mapping asks for. At most one of the
// fields may be set.
type Schedule struct {
	Cron     string `mapstructure:"cron" yaml:"cron,omitempty"`
	Duration string `mapstructure:"duration" yaml:"duration,omitempty"` // ISO 8601, e.g. PT30S
}

type S3 struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key,omitempty"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key,omitempty"`
	Region    string `mapstructure:"region" yaml:"region,omitempty"`
	UseSSL    bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
}

type Publish struct {
	Dir    string `mapstructure:"dir" yaml:"dir,omitempty"`
	DryRun bool   `mapstructure:"dry_run" yaml:"dry_run"`
}

type API struct {
	Token       string   `mapstructure:"token" yaml:"token,omitempty"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins,omitempty"`
}

// environment variables understood besides the config file
var envBindings = map[string]string{
	"mapping_path":    "DEVICE_MAPPING_PATH",
	"middleware_url":  "MIDDLEWARE_URL",
	"cache_dir":       "PREDICTOR_CACHE_DIR",
	"github_token":    "GITHUB_TOKEN",
	"github_raw_url":  "PREDICTOR_GITHUB_RAW_URL",
	"port":            "SCRIPT_HANDLER_PORT",
	"mode":            "SCRIPT_HANDLER_MODE",
	"verbose":         "PREDICTOR_VERBOSE",
	"interpreter":     "PREDICTOR_INTERPRETER",
	"s3.endpoint":     "PREDICTOR_S3_ENDPOINT",
	"s3.access_key":   "PREDICTOR_S3_ACCESS_KEY",
	"s3.secret_key":   "PREDICTOR_S3_SECRET_KEY",
	"s3.region":       "PREDICTOR_S3_REGION",
	"s3.use_ssl":      "PREDICTOR_S3_USE_SSL",
	"publish.dir":     "PREDICTOR_PUBLISH_DIR",
	"publish.dry_run": "PREDICTOR_DRY_RUN",
	"api.token":       "PREDICTOR_API_TOKEN",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mapping_path", "/app/data/devices.ifc.json")
	v.SetDefault("middleware_url", "http://middleware:8000")
	v.SetDefault("cache_dir", "/app/cache")
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8100)
	v.SetDefault("mode", ModeServer)
	v.SetDefault("log_format", "json")
	v.SetDefault("interpreter", "python3")
	v.SetDefault("http_timeout", 10*time.Second)
	v.SetDefault("fanout", 4)
}

// Load reads the configuration. An empty path means defaults and
// environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	cfg.MiddlewareURL = strings.TrimRight(cfg.MiddlewareURL, "/")
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.Mode {
	case ModeServer, ModeLoop, ModeScheduler:
	default:
		errs = append(errs, fmt.Errorf("mode %q: possible values (server,loop,scheduler)", c.Mode))
	}
	if c.MappingPath == "" {
		errs = append(errs, errors.New("mapping_path is empty"))
	}
	if c.CacheDir == "" {
		errs = append(errs, errors.New("cache_dir is empty"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Schedule.Cron != "" && c.Schedule.Duration != "" {
		errs = append(errs, errors.New("schedule: both cron and duration are set"))
	}
	if c.Schedule.Cron != "" {
		if _, _, err := model.ParseCron(c.Schedule.Cron); err != nil {
			errs = append(errs, fmt.Errorf("parsing schedule.cron: %w", err))
		}
	}
	if c.Schedule.Duration != "" {
		if _, err := model.ParseISODuration(c.Schedule.Duration); err != nil {
			errs = append(errs, fmt.Errorf("parsing schedule.duration: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Addr is the control API listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// Scheduled reports whether the mode runs periodic cycles.
func (c Config) Scheduled() bool {
	return c.Mode == ModeLoop || c.Mode == ModeScheduler
}

// InterpreterArgs splits the interpreter command line. Nil means scripts
// are executed directly, which is what "none" asks for.
func (c Config) InterpreterArgs() []string {
	if strings.EqualFold(strings.TrimSpace(c.Interpreter), "none") {
		return nil
	}
	return strings.Fields(c.Interpreter)
}

// Every is the parsed schedule.duration, zero when unset.
func (c Config) Every() time.Duration {
	if c.Schedule.Duration == "" {
		return 0
	}
	d, err := model.ParseISODuration(c.Schedule.Duration)
	if err != nil {
		return 0
	}
	return d
}

// Redacted returns a copy with secrets masked.
func (c Config) Redacted() Config {
	for _, s := range []*string{&c.GitHubToken, &c.S3.SecretKey, &c.API.Token} {
		if *s != "" {
			*s = "***"
		}
	}
	return c
}
