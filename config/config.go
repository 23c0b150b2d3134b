package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/mbocsi/camlink/motion"
	"github.com/mbocsi/camlink/signaling"
	"github.com/mbocsi/camlink/socket"
	"github.com/mbocsi/camlink/transport"
)

type Config struct {
	Role       string `yaml:"role"       env:"CAMLINK_ROLE"`
	Connection string `yaml:"connection" env:"CAMLINK_CONNECTION"`

	Log     LogConfig     `yaml:"log"`
	Socket  SocketConfig  `yaml:"socket"`
	Network NetworkConfig `yaml:"network"`
	Direct  DirectConfig  `yaml:"direct"`
	Aware   AwareConfig   `yaml:"aware"`
	Robust  RobustConfig  `yaml:"robust"`
	Motion  MotionConfig  `yaml:"motion"`
	Media   MediaConfig   `yaml:"media"`
	Web     WebConfig     `yaml:"web"`
	MCP     MCPConfig     `yaml:"mcp"`
}

type LogConfig struct {
	Level  string `yaml:"level"  env:"CAMLINK_LOG_LEVEL"`
	Format string `yaml:"format" env:"CAMLINK_LOG_FORMAT"` // text or json
}

type SocketConfig struct {
	QueueCapacity int           `yaml:"queue_capacity" env:"CAMLINK_SOCKET_QUEUE_CAPACITY"`
	DialTimeout   time.Duration `yaml:"dial_timeout"   env:"CAMLINK_SOCKET_DIAL_TIMEOUT"`
}

type NetworkConfig struct {
	Port    int    `yaml:"port"    env:"CAMLINK_NETWORK_PORT"` // 0 picks an ephemeral port
	Service string `yaml:"service" env:"CAMLINK_NETWORK_SERVICE"`
}

type DirectConfig struct {
	Port int `yaml:"port" env:"CAMLINK_DIRECT_PORT"`
}

type AwareConfig struct {
	Service string `yaml:"service" env:"CAMLINK_AWARE_SERVICE"`
	Port    int    `yaml:"port"    env:"CAMLINK_AWARE_PORT"`
}

type RobustConfig struct {
	FallbackDelay    time.Duration `yaml:"fallback_delay"    env:"CAMLINK_ROBUST_FALLBACK_DELAY"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval" env:"CAMLINK_ROBUST_WATCHDOG_INTERVAL"`
}

type MotionConfig struct {
	NotificationCooldown time.Duration `yaml:"notification_cooldown" env:"CAMLINK_MOTION_NOTIFICATION_COOLDOWN"`
}

type MediaConfig struct {
	ICEServers []string `yaml:"ice_servers" env:"CAMLINK_MEDIA_ICE_SERVERS" envSeparator:","`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled" env:"CAMLINK_WEB_ENABLED"`
	Addr    string `yaml:"addr"    env:"CAMLINK_WEB_ADDR"`
}

type MCPConfig struct {
	Enabled bool `yaml:"enabled" env:"CAMLINK_MCP_ENABLED"`
}

func DefaultConfig() *Config {
	return &Config{
		Role:       string(signaling.RoleCapture),
		Connection: string(transport.Auto),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Socket: SocketConfig{
			QueueCapacity: socket.DefaultQueueCapacity,
			DialTimeout:   socket.DefaultDialTimeout,
		},
		Network: NetworkConfig{
			Service: transport.DefaultServiceType,
		},
		Direct: DirectConfig{
			Port: transport.DefaultDirectPort,
		},
		Aware: AwareConfig{
			Service: transport.DefaultAwareService,
		},
		Robust: RobustConfig{
			FallbackDelay:    transport.DefaultFallbackDelay,
			WatchdogInterval: transport.DefaultWatchdogInterval,
		},
		Motion: MotionConfig{
			NotificationCooldown: motion.DefaultNotificationCooldown,
		},
		Media: MediaConfig{
			ICEServers: []string{"stun:stun.l.google.com:19302"},
		},
		Web: WebConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8080",
		},
	}
}

// Load reads path over the defaults, applies CAMLINK_* environment overrides
// and validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if _, err := signaling.ParseRole(c.Role); err != nil {
		errs = append(errs, err)
	}
	if _, err := transport.ParseType(c.Connection); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log format must be text or json, got %q", c.Log.Format))
	}
	if c.Socket.QueueCapacity <= 0 {
		errs = append(errs, errors.New("socket queue_capacity must be positive"))
	}
	for name, port := range map[string]int{"network": c.Network.Port, "direct": c.Direct.Port, "aware": c.Aware.Port} {
		if port < 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s port %d out of range", name, port))
		}
	}
	if c.Robust.FallbackDelay <= 0 || c.Robust.WatchdogInterval <= 0 {
		errs = append(errs, errors.New("robust timers must be positive"))
	}
	if c.Motion.NotificationCooldown <= 0 {
		errs = append(errs, errors.New("motion notification_cooldown must be positive"))
	}
	if c.Web.Enabled && c.Web.Addr == "" {
		errs = append(errs, errors.New("web addr is required when web is enabled"))
	}
	return errors.Join(errs...)
}

func (c *Config) ConnectionType() transport.Type {
	t, _ := transport.ParseType(c.Connection)
	return t
}

func (c *Config) SignalingRole() signaling.Role {
	r, _ := signaling.ParseRole(c.Role)
	return r
}
