package rtcore

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for a runtime coordination core instance.
type Config struct {
	Pool     PoolConfig     `mapstructure:"pool"`
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
	Socket   SocketConfig   `mapstructure:"socket"`
	Protocol ProtocolConfig `mapstructure:"protocol"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	HA       HAConfig       `mapstructure:"ha"`
	Signal   SignalConfig   `mapstructure:"signal"`
}

// PoolConfig defines worker pool settings.
type PoolConfig struct {
	Size                         int           `mapstructure:"size"`
	ProcessInitialResponseTimeout time.Duration `mapstructure:"process_initial_response_timeout"`
	KillTimeout                  time.Duration `mapstructure:"kill_timeout"`
	Restart                      RestartConfig `mapstructure:"restart"`
}

// RestartConfig defines the worker restart/backoff policy.
type RestartConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`
}

// RuntimeConfig defines the worker subprocess launch settings.
type RuntimeConfig struct {
	Executable string            `mapstructure:"executable"`
	ClassName  string            `mapstructure:"class_name"`
	Env        map[string]string `mapstructure:"env"`
}

// SocketConfig defines Unix domain socket settings.
type SocketConfig struct {
	RunstateDir string `mapstructure:"runstate_dir"`
	Name        string `mapstructure:"name"`
	Permissions uint32 `mapstructure:"permissions"`
}

// ProtocolConfig defines framing settings.
type ProtocolConfig struct {
	MaxFrameSize      int           `mapstructure:"max_frame_size"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level        string `mapstructure:"level"`
	Format       string `mapstructure:"format"`
	TraceEnabled bool   `mapstructure:"trace_enabled"`
}

// MetricsConfig defines metrics collection settings.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Endpoint   string `mapstructure:"endpoint"`
	Path       string `mapstructure:"path"`
	StatusPath string `mapstructure:"status_path"`
}

// HAConfig defines the HA failover subsystem settings.
type HAConfig struct {
	Enabled                    bool          `mapstructure:"enabled"`
	URI                        string        `mapstructure:"uri"`
	UnhealthyMinTime           time.Duration `mapstructure:"unhealthy_min_time"`
	UnexpectedDisconnectsPercent int         `mapstructure:"unexpected_disconnects_percent"`
}

// SignalConfig defines which OS signals the process-wide Signal
// Controller registry should be prepared to intercept.
type SignalConfig struct {
	Names []string `mapstructure:"names"`
}

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/rtcore")
	}

	v.SetEnvPrefix("RTCORE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// viper reads these as bare seconds/milliseconds; normalize to real
	// time.Duration values the rest of the program can use directly.
	cfg.Pool.ProcessInitialResponseTimeout *= time.Second
	cfg.Pool.KillTimeout *= time.Second
	cfg.Pool.Restart.InitialBackoff *= time.Millisecond
	cfg.Pool.Restart.MaxBackoff *= time.Millisecond
	cfg.Protocol.RequestTimeout *= time.Second
	cfg.Protocol.ConnectionTimeout *= time.Second
	cfg.HA.UnhealthyMinTime *= time.Second

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.size", 4)
	v.SetDefault("pool.process_initial_response_timeout", 60)
	v.SetDefault("pool.kill_timeout", 10)
	v.SetDefault("pool.restart.max_attempts", 5)
	v.SetDefault("pool.restart.initial_backoff", 1000)
	v.SetDefault("pool.restart.max_backoff", 30000)
	v.SetDefault("pool.restart.multiplier", 2.0)

	v.SetDefault("runtime.executable", "")
	v.SetDefault("runtime.class_name", "")
	v.SetDefault("runtime.env", map[string]string{})

	v.SetDefault("socket.runstate_dir", "/tmp/rtcore")
	v.SetDefault("socket.name", "rtcore")
	v.SetDefault("socket.permissions", 0600)

	v.SetDefault("protocol.max_frame_size", 10485760)
	v.SetDefault("protocol.request_timeout", 60)
	v.SetDefault("protocol.connection_timeout", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.trace_enabled", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.endpoint", ":9090")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.status_path", "/status")

	v.SetDefault("ha.enabled", false)
	v.SetDefault("ha.uri", "")
	v.SetDefault("ha.unhealthy_min_time", 30)
	v.SetDefault("ha.unexpected_disconnects_percent", 60)

	v.SetDefault("signal.names", []string{"SIGTERM", "SIGINT", "SIGHUP", "SIGUSR1"})
}
