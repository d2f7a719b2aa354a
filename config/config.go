package config

import (
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

const (
	WorkerModeInProcess = "inprocess"
	WorkerModeProcess   = "process"
)

// EnvPrefix is prepended to every environment variable, so workers.count is
// read from FWDPROXY_WORKERS_COUNT.
const EnvPrefix = "FWDPROXY"

const configName = "fwdproxy"

type ServerConfig struct {
	Environment string `mapstructure:"environment"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type WorkersConfig struct {
	Count        int           `mapstructure:"count"`
	Mode         string        `mapstructure:"mode"`
	Respawn      bool          `mapstructure:"respawn"`
	RespawnDelay time.Duration `mapstructure:"respawn_delay"`
}

type UpstreamConfig struct {
	MaxConns              int           `mapstructure:"max_conns"`
	MaxIdleConns          int           `mapstructure:"max_idle_conns"`
	IdleTimeout           time.Duration `mapstructure:"idle_timeout"`
	DialTimeout           time.Duration `mapstructure:"dial_timeout"`
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout"`
}

type ListenerConfig struct {
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

type MetricsConfig struct {
	Address string `mapstructure:"address"`
}

type HealthCheckConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type CircuitBreakerConfig struct {
	Threshold    int           `mapstructure:"threshold"`
	ResetTimeout time.Duration `mapstructure:"reset_timeout"`
}

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Workers        WorkersConfig        `mapstructure:"workers"`
	Upstream       UpstreamConfig       `mapstructure:"upstream"`
	Listener       ListenerConfig       `mapstructure:"listener"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
	HealthCheck    HealthCheckConfig    `mapstructure:"health_check"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("logging.level", LogLevelInfo)

	v.SetDefault("workers.count", 0)
	v.SetDefault("workers.mode", WorkerModeInProcess)
	v.SetDefault("workers.respawn", false)
	v.SetDefault("workers.respawn_delay", "1s")

	v.SetDefault("upstream.max_conns", 256)
	v.SetDefault("upstream.max_idle_conns", 64)
	v.SetDefault("upstream.idle_timeout", "90s")
	v.SetDefault("upstream.dial_timeout", "10s")
	v.SetDefault("upstream.response_header_timeout", "60s")

	v.SetDefault("listener.read_header_timeout", "15s")
	v.SetDefault("listener.idle_timeout", "60s")
	v.SetDefault("listener.shutdown_timeout", "5s")

	v.SetDefault("metrics.address", "")
	v.SetDefault("health_check.interval", "0s")

	v.SetDefault("circuit_breaker.threshold", 0)
	v.SetDefault("circuit_breaker.reset_timeout", "30s")
}

// Load reads fwdproxy.yaml from ./config or the working directory if present,
// applies FWDPROXY_* environment overrides and validates the result.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Debug("config file not found, using defaults and environment variables")
	} else {
		slog.Debug("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server, validation.By(func(value interface{}) error {
			sc, ok := value.(ServerConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a ServerConfig")
			}
			return validation.ValidateStruct(&sc,
				validation.Field(&sc.Environment,
					validation.Required,
					validation.In(EnvDev, EnvStaging, EnvProd),
				),
			)
		})),
		validation.Field(&c.Logging, validation.By(func(value interface{}) error {
			lc, ok := value.(LoggingConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
			}
			return validation.ValidateStruct(&lc,
				validation.Field(&lc.Level,
					validation.Required,
					validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
				),
			)
		})),
		validation.Field(&c.Workers, validation.By(func(value interface{}) error {
			wc, ok := value.(WorkersConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a WorkersConfig")
			}
			return validation.ValidateStruct(&wc,
				validation.Field(&wc.Count, validation.Min(0)),
				validation.Field(&wc.Mode,
					validation.Required,
					validation.In(WorkerModeInProcess, WorkerModeProcess),
				),
				validation.Field(&wc.RespawnDelay, validation.Min(time.Duration(0))),
			)
		})),
		validation.Field(&c.Upstream, validation.By(func(value interface{}) error {
			uc, ok := value.(UpstreamConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be an UpstreamConfig")
			}
			return validation.ValidateStruct(&uc,
				validation.Field(&uc.MaxConns, validation.Required, validation.Min(1)),
				validation.Field(&uc.MaxIdleConns, validation.Min(0)),
				validation.Field(&uc.IdleTimeout, validation.Required, validation.Min(time.Duration(0))),
				validation.Field(&uc.DialTimeout, validation.Required, validation.Min(time.Duration(0))),
				validation.Field(&uc.ResponseHeaderTimeout, validation.Required, validation.Min(time.Duration(0))),
			)
		})),
		validation.Field(&c.Listener, validation.By(func(value interface{}) error {
			lc, ok := value.(ListenerConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a ListenerConfig")
			}
			return validation.ValidateStruct(&lc,
				validation.Field(&lc.ReadHeaderTimeout, validation.Required, validation.Min(time.Duration(0))),
				validation.Field(&lc.IdleTimeout, validation.Required, validation.Min(time.Duration(0))),
				validation.Field(&lc.ShutdownTimeout, validation.Required, validation.Min(time.Duration(0))),
			)
		})),
		validation.Field(&c.Metrics, validation.By(func(value interface{}) error {
			mc, ok := value.(MetricsConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a MetricsConfig")
			}
			return validation.ValidateStruct(&mc,
				validation.Field(&mc.Address,
					validation.When(mc.Address != "", validation.By(validateHostPort)),
				),
			)
		})),
		validation.Field(&c.HealthCheck, validation.By(func(value interface{}) error {
			hc, ok := value.(HealthCheckConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a HealthCheckConfig")
			}
			return validation.ValidateStruct(&hc,
				validation.Field(&hc.Interval, validation.Min(time.Duration(0))),
			)
		})),
		validation.Field(&c.CircuitBreaker, validation.By(func(value interface{}) error {
			cc, ok := value.(CircuitBreakerConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a CircuitBreakerConfig")
			}
			return validation.ValidateStruct(&cc,
				validation.Field(&cc.Threshold, validation.Min(0)),
				validation.Field(&cc.ResetTimeout, validation.Required, validation.Min(time.Duration(0))),
			)
		})),
	)
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}
