package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Observe ObserveConfig `mapstructure:"observe"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	StaticDir       string        `mapstructure:"static_dir"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type MetricsConfig struct {
	Window           time.Duration `mapstructure:"window"`
	Instant          time.Duration `mapstructure:"instant"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	CompactThreshold int           `mapstructure:"compact_threshold"`
}

type StreamConfig struct {
	KeepAlive    time.Duration `mapstructure:"keepalive"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Buffer       int           `mapstructure:"buffer"`
	ConnectRate  float64       `mapstructure:"connect_rate"`
	ConnectBurst int           `mapstructure:"connect_burst"`
	WebSocket    bool          `mapstructure:"websocket"`
}

type ObserveConfig struct {
	Exclude []string `mapstructure:"exclude"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.static_dir", "public")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("metrics.window", "60s")
	v.SetDefault("metrics.instant", "1s")
	v.SetDefault("metrics.tick_interval", "1s")
	v.SetDefault("metrics.compact_threshold", 5000)
	v.SetDefault("stream.keepalive", "15s")
	v.SetDefault("stream.write_timeout", "5s")
	v.SetDefault("stream.buffer", 8)
	v.SetDefault("stream.connect_rate", 50)
	v.SetDefault("stream.connect_burst", 100)
	v.SetDefault("stream.websocket", true)
	v.SetDefault("observe.exclude", []string{"/live", "/ws", "/healthz", "/metrics"})
	v.SetDefault("logging.level", "info")

	// Environment variable support
	v.SetEnvPrefix("LIVETRAFFIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// PORT is the conventional override on hosted platforms.
	_ = v.BindEnv("server.port", "LIVETRAFFIC_SERVER_PORT", "PORT")

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("livetraffic")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout must be > 0"))
	}
	if c.Metrics.Window < time.Second {
		errs = append(errs, fmt.Errorf("metrics.window must be >= 1s"))
	}
	if c.Metrics.Instant <= 0 || c.Metrics.Instant > c.Metrics.Window {
		errs = append(errs, fmt.Errorf("metrics.instant must be > 0 and <= metrics.window"))
	}
	if c.Metrics.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("metrics.tick_interval must be > 0"))
	}
	if c.Metrics.CompactThreshold < 1 {
		errs = append(errs, fmt.Errorf("metrics.compact_threshold must be >= 1"))
	}
	if c.Stream.KeepAlive <= 0 {
		errs = append(errs, fmt.Errorf("stream.keepalive must be > 0"))
	}
	if c.Stream.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("stream.write_timeout must be > 0"))
	}
	if c.Stream.Buffer < 1 {
		errs = append(errs, fmt.Errorf("stream.buffer must be >= 1"))
	}
	if c.Stream.ConnectRate <= 0 || c.Stream.ConnectBurst < 1 {
		errs = append(errs, fmt.Errorf("stream.connect_rate must be > 0 and stream.connect_burst >= 1"))
	}
	for _, p := range c.Observe.Exclude {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("observe.exclude entry %q must start with /", p))
		}
	}
	return errors.Join(errs...)
}
