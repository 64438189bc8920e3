package config

import (
	"time"

	"github.com/caarlos0/env/v10"

	errs "github.com/copyleftdev/hybridml/internal/errors"
	"github.com/copyleftdev/hybridml/internal/logging"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
		MaxBodyBytes    int64         `env:"HTTP_MAX_BODY_BYTES" envDefault:"67108864"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Estimation struct {
		NApprox        int     `env:"LIL_N_APPROX" envDefault:"10"`
		BatchSize      int     `env:"LIL_BATCH_SIZE" envDefault:"500"`
		Workers        int     `env:"LIL_WORKERS" envDefault:"0"`
		MinSplit       int     `env:"LIL_TREE_MIN_SPLIT" envDefault:"20"`
		MinLeaf        int     `env:"LIL_TREE_MIN_LEAF" envDefault:"7"`
		MaxDepth       int     `env:"LIL_TREE_MAX_DEPTH" envDefault:"30"`
		Complexity     float64 `env:"LIL_TREE_COMPLEXITY" envDefault:"0.01"`
		Representative string  `env:"LIL_REPRESENTATIVE" envDefault:"median"`
		KeepAllBatches bool    `env:"LIL_KEEP_ALL_BATCHES" envDefault:"false"`
		Verify         bool    `env:"LIL_VERIFY_PARTITIONS" envDefault:"false"`
	}
	Server struct {
		JobRate     float64       `env:"JOB_RATE" envDefault:"5"`
		JobBurst    int           `env:"JOB_BURST" envDefault:"10"`
		JobTTL      time.Duration `env:"JOB_TTL" envDefault:"1h"`
		MaxSamples  int           `env:"MAX_SAMPLES" envDefault:"1000000"`
		MaxParallel int           `env:"MAX_PARALLEL_JOBS" envDefault:"4"`
	}
}

func Load() (*Config, error) {
	cfg := &Config{}

	// Parse environment variables
	if err := env.Parse(cfg); err != nil {
		return nil, errs.Wrap(err, "parsing environment").WithOperation("Load").WithComponent("config")
	}

	// Set default logging level based on environment
	if cfg.Logging.Level == "" {
		if cfg.Environment == "development" {
			cfg.Logging.Level = "debug"
		} else {
			cfg.Logging.Level = "info"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the estimation and server settings for values the
// estimator would reject at run time.
func (c *Config) Validate() error {
	switch {
	case c.Estimation.NApprox < 1:
		return invalid("LIL_N_APPROX must be positive, got %d", c.Estimation.NApprox)
	case c.Estimation.BatchSize < 2:
		return invalid("LIL_BATCH_SIZE must be at least 2, got %d", c.Estimation.BatchSize)
	case c.Estimation.MinLeaf < 1:
		return invalid("LIL_TREE_MIN_LEAF must be positive, got %d", c.Estimation.MinLeaf)
	case c.Estimation.Complexity < 0:
		return invalid("LIL_TREE_COMPLEXITY must not be negative, got %g", c.Estimation.Complexity)
	case c.Server.JobRate <= 0:
		return invalid("JOB_RATE must be positive, got %g", c.Server.JobRate)
	case c.Server.JobBurst < 1:
		return invalid("JOB_BURST must be positive, got %d", c.Server.JobBurst)
	case c.Server.MaxParallel < 1:
		return invalid("MAX_PARALLEL_JOBS must be positive, got %d", c.Server.MaxParallel)
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return errs.Errorf(format, args...).WithOperation("Validate").WithComponent("config")
}

// LoggingConfig returns the logging section in the form logging.NewLogger
// accepts.
func (c *Config) LoggingConfig() *logging.Config {
	return &logging.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Output: c.Logging.Output,
	}
}
