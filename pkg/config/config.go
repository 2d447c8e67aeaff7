package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/knobd/pkg/canary"
	"github.com/cuemby/knobd/pkg/retry"
	"github.com/cuemby/knobd/pkg/tuner"
	"github.com/cuemby/knobd/pkg/types"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Environment variables that override the file configuration
const (
	EnvBaseURL   = "KNOBD_BASE_URL"
	EnvStatePath = "KNOBD_STATE_PATH"
	EnvDataDir   = "KNOBD_DATA_DIR"
	EnvLogLevel  = "KNOBD_LOG_LEVEL"
)

// Config is the complete knobd configuration
type Config struct {
	BaseURL    string `koanf:"base_url" validate:"required,url"`
	StatePath  string `koanf:"state_path" validate:"required"`
	DataDir    string `koanf:"data_dir" validate:"required"`
	PolicyFile string `koanf:"policy_file"`

	Log        LogConfig        `koanf:"log"`
	Server     ServerConfig     `koanf:"server"`
	Client     ClientConfig     `koanf:"client"`
	Lock       LockConfig       `koanf:"lock"`
	Tuner      TunerConfig      `koanf:"tuner"`
	Canary     CanaryConfig     `koanf:"canary"`
	Regression RegressionConfig `koanf:"regression"`
	Reconciler ReconcilerConfig `koanf:"reconciler"`
}

// LogConfig configures pkg/log
type LogConfig struct {
	Level string `koanf:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `koanf:"json"`
}

// ServerConfig configures the operator HTTP surface
type ServerConfig struct {
	Addr string `koanf:"addr" validate:"required"`
}

// ClientConfig configures calls to the retrieval service
type ClientConfig struct {
	Timeout     time.Duration `koanf:"timeout" validate:"gt=0"`
	MaxAttempts int           `koanf:"max_attempts" validate:"gte=1"`
}

// LockConfig bounds state lock acquisition
type LockConfig struct {
	MaxAttempts    int           `koanf:"max_attempts" validate:"gte=1"`
	InitialBackoff time.Duration `koanf:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `koanf:"max_backoff" validate:"gtefield=InitialBackoff"`
}

// KnobConfig is the initial knob and its bounds
type KnobConfig struct {
	Value      int `koanf:"value"`
	LowerBound int `koanf:"lower_bound"`
	UpperBound int `koanf:"upper_bound" validate:"gtefield=LowerBound"`
	StepSize   int `koanf:"step_size" validate:"gt=0"`
}

// TunerConfig configures the adaptive controller
type TunerConfig struct {
	Knob           KnobConfig    `koanf:"knob"`
	P95Ms          float64       `koanf:"slo_p95_ms" validate:"gt=0"`
	Recall         float64       `koanf:"slo_recall" validate:"gt=0,lte=1"`
	MinSamples     int           `koanf:"min_samples" validate:"gte=1"`
	SampleInterval time.Duration `koanf:"sample_interval" validate:"gte=0"`
	WindowHorizon  time.Duration `koanf:"window_horizon" validate:"gte=0"`
	TickInterval   time.Duration `koanf:"tick_interval" validate:"gte=0"`
}

// CanaryConfig configures canary runs
type CanaryConfig struct {
	ControlArm          string            `koanf:"control_arm"`
	TreatmentArm        string            `koanf:"treatment_arm"`
	Requests            int               `koanf:"requests" validate:"gte=1"`
	Concurrency         int               `koanf:"concurrency" validate:"gte=1"`
	RateLimit           float64           `koanf:"rate_limit" validate:"gte=0"`
	K                   int               `koanf:"k" validate:"gte=1"`
	BucketWidth         time.Duration     `koanf:"bucket_width" validate:"gt=0"`
	MinBucketPopulation int               `koanf:"min_bucket_population" validate:"gte=1"`
	Timeout             time.Duration     `koanf:"timeout" validate:"gte=0"`
	Trials              int               `koanf:"trials" validate:"gte=1"`
	QueriesFile         string            `koanf:"queries_file"`
	ReportPath          string            `koanf:"report_path"`
	Gate                canary.GateConfig `koanf:"gate"`
}

// ReconcilerConfig configures policy drift detection in serve. A zero
// interval disables it.
type ReconcilerConfig struct {
	Interval time.Duration `koanf:"interval" validate:"gte=0"`
	Repair   bool          `koanf:"repair"`
}

// RegressionConfig configures the regression harness
type RegressionConfig struct {
	Ticks       int    `koanf:"ticks" validate:"gte=1"`
	Seed        uint64 `koanf:"seed"`
	SummaryPath string `koanf:"summary_path"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		BaseURL:   "http://localhost:8080",
		StatePath: "state/policy.json",
		DataDir:   "data",
		Log:       LogConfig{Level: "info"},
		Server:    ServerConfig{Addr: ":9090"},
		Client:    ClientConfig{Timeout: 10 * time.Second, MaxAttempts: 3},
		Lock: LockConfig{
			MaxAttempts:    8,
			InitialBackoff: 50 * time.Millisecond,
			MaxBackoff:     time.Second,
		},
		Tuner: TunerConfig{
			Knob:           KnobConfig{Value: 128, LowerBound: 64, UpperBound: 256, StepSize: 16},
			P95Ms:          1000,
			Recall:         0.90,
			MinSamples:     tuner.DefaultMinSamples,
			SampleInterval: 10 * time.Second,
			WindowHorizon:  5 * time.Minute,
			TickInterval:   5 * time.Second,
		},
		Canary: CanaryConfig{
			ControlArm:          "balanced_v1",
			TreatmentArm:        "fast_v1",
			Requests:            400,
			Concurrency:         8,
			RateLimit:           50,
			K:                   10,
			BucketWidth:         10 * time.Second,
			MinBucketPopulation: canary.DefaultMinBucketPopulation,
			Trials:              1000,
			ReportPath:          "reports/canary.json",
			Gate:                canary.DefaultGateConfig(),
		},
		Regression: RegressionConfig{
			Ticks:       120,
			Seed:        42,
			SummaryPath: "reports/regression.json",
		},
		Reconciler: ReconcilerConfig{Interval: 30 * time.Second},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path and the KNOBD_* environment variables, in increasing precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		k := koanf.New(".")
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config from %q: %w", path, err)
		}
		if err := k.Unmarshal("", cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config from %q: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	overrides := map[string]*string{
		EnvBaseURL:   &c.BaseURL,
		EnvStatePath: &c.StatePath,
		EnvDataDir:   &c.DataDir,
		EnvLogLevel:  &c.Log.Level,
	}
	for env, dst := range overrides {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			*dst = v
		}
	}
}

// Validate checks field constraints and the knob invariants
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Knob().Validate(); err != nil {
		return fmt.Errorf("invalid configuration: tuner.knob: %w", err)
	}
	return nil
}

// Knob returns the configured initial knob
func (c *Config) Knob() types.KnobState {
	k := c.Tuner.Knob
	return types.KnobState{Value: k.Value, LowerBound: k.LowerBound, UpperBound: k.UpperBound, StepSize: k.StepSize}
}

// TunerConfig returns the controller configuration; persistence and events
// are wired by the caller
func (c *Config) TunerConfig() tuner.Config {
	return tuner.Config{
		Knob:           c.Knob(),
		SLO:            types.SLO{P95Ms: c.Tuner.P95Ms, Recall: c.Tuner.Recall},
		MinSamples:     c.Tuner.MinSamples,
		SampleInterval: c.Tuner.SampleInterval,
		WindowHorizon:  c.Tuner.WindowHorizon,
	}
}

// RunConfig returns the canary run described by this section; the event
// publisher and clock are left to the caller
func (c CanaryConfig) RunConfig(queries []canary.Query) canary.Config {
	return canary.Config{
		Runner: canary.RunnerConfig{
			ControlArm:   c.ControlArm,
			TreatmentArm: c.TreatmentArm,
			Requests:     c.Requests,
			Concurrency:  c.Concurrency,
			RateLimit:    c.RateLimit,
			K:            c.K,
			Queries:      queries,
		},
		BucketWidth:         c.BucketWidth,
		MinBucketPopulation: c.MinBucketPopulation,
		Gate:                c.Gate,
		Timeout:             c.Timeout,
	}
}

// LockRetry returns the state lock retry policy
func (c *Config) LockRetry() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Lock.MaxAttempts,
		Backoff:     retry.Exponential(c.Lock.InitialBackoff, c.Lock.MaxBackoff),
	}
}

// ClientRetry returns the retry policy for service calls
func (c *Config) ClientRetry() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Client.MaxAttempts,
		Backoff:     retry.Exponential(100*time.Millisecond, 2*time.Second),
	}
}
