package durablite

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/davidroman0O/durablite/internal/io"
	"github.com/davidroman0O/durablite/pkg/logs"
)

// Config is the environment configuration of an engine process.
type Config struct {
	DBPath             string        `env:"DURABLITE_DB_PATH"`
	Destructive        bool          `env:"DURABLITE_DESTRUCTIVE"`
	DispatchWorkers    int           `env:"DURABLITE_DISPATCH_WORKERS" envDefault:"4"`
	ActivityWorkers    int           `env:"DURABLITE_ACTIVITY_WORKERS" envDefault:"4"`
	PollInterval       time.Duration `env:"DURABLITE_POLL_INTERVAL" envDefault:"1s"`
	RecordLateOutcomes bool          `env:"DURABLITE_RECORD_LATE_OUTCOMES"`
	Codec              string        `env:"DURABLITE_CODEC" envDefault:"cbor"`
	DeadlockDetection  bool          `env:"DURABLITE_DEADLOCK_DETECTION"`
	LogLevel           string        `env:"DURABLITE_LOG_LEVEL" envDefault:"info"`
	LogFormat          string        `env:"DURABLITE_LOG_FORMAT" envDefault:"text"`
	HTTPAddr           string        `env:"DURABLITE_HTTP_ADDR" envDefault:":8080"`
	WaitTimeout        time.Duration `env:"DURABLITE_WAIT_TIMEOUT" envDefault:"30s"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Logger builds the logger described by LogLevel and LogFormat.
func (c Config) Logger() (logs.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	format := logs.LogFormat(c.LogFormat)
	switch format {
	case logs.TextFormat, logs.JSONFormat:
	default:
		return nil, fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return logs.NewDefaultLogger(level, format), nil
}

// Options translates the configuration into engine options.
func (c Config) Options() ([]Option, error) {
	logger, err := c.Logger()
	if err != nil {
		return nil, err
	}
	codec, err := io.CodecByName(c.Codec)
	if err != nil {
		return nil, err
	}

	opts := []Option{
		WithLogger(logger),
		WithCodec(codec),
		WithDispatchWorkers(c.DispatchWorkers),
		WithActivityWorkers(c.ActivityWorkers),
		WithPollInterval(c.PollInterval),
		WithRecordLateOutcomes(c.RecordLateOutcomes),
		WithDeadlockDetection(c.DeadlockDetection),
	}
	if c.DBPath != "" {
		opts = append(opts, WithPath(c.DBPath))
		if c.Destructive {
			opts = append(opts, WithDestructive())
		}
	} else {
		opts = append(opts, WithMemory())
	}
	return opts, nil
}
