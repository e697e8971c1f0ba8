package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the fleetd configuration loaded from config/config.yaml
type Config struct {
	App       AppConfig
	NATS      NATSConfig
	Poll      PollConfig
	Action    ActionConfig
	Storage   StorageConfig
	Transport TransportConfig
}

// AppConfig holds application-level settings
type AppConfig struct {
	Name string
}

// NATSConfig holds NATS connection settings
type NATSConfig struct {
	URL            string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
}

// PollConfig holds poller and reconciler settings
type PollConfig struct {
	Interval         time.Duration
	ClassIntervals   map[string]time.Duration
	FetchTimeout     time.Duration
	BackoffMax       time.Duration
	BackoffFactor    float64
	FailureThreshold int
}

// ActionConfig holds dispatcher settings
type ActionConfig struct {
	Attempts      int
	RetryDelay    time.Duration
	InvokeTimeout time.Duration
	AuditMaxAge   time.Duration
}

// StorageConfig holds persistence settings
type StorageConfig struct {
	Path string
}

// TransportConfig holds per-adapter settings
type TransportConfig struct {
	SSHUser           string
	SSHPrivateKeyPath string
	SSHStatusCommand  string
	DockerEnabled     bool
}

// Load reads configuration from the given directory
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)

	v.SetDefault("app.name", "fleetd")
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.connect_timeout", "5s")
	v.SetDefault("poll.interval", "15s")
	v.SetDefault("poll.fetch_timeout", "5s")
	v.SetDefault("poll.backoff_max", "2m")
	v.SetDefault("poll.backoff_factor", 2.0)
	v.SetDefault("poll.failure_threshold", 3)
	v.SetDefault("action.attempts", 3)
	v.SetDefault("action.retry_delay", "500ms")
	v.SetDefault("action.invoke_timeout", "10s")
	v.SetDefault("action.audit_max_age", "720h")
	v.SetDefault("storage.path", "fleet.db")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	classIntervals := make(map[string]time.Duration)
	for class := range v.GetStringMap("poll.class_intervals") {
		classIntervals[class] = v.GetDuration("poll.class_intervals." + class)
	}

	return &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
		},
		NATS: NATSConfig{
			URL:            v.GetString("nats.url"),
			MaxReconnects:  v.GetInt("nats.max_reconnects"),
			ReconnectWait:  v.GetDuration("nats.reconnect_wait"),
			ConnectTimeout: v.GetDuration("nats.connect_timeout"),
		},
		Poll: PollConfig{
			Interval:         v.GetDuration("poll.interval"),
			ClassIntervals:   classIntervals,
			FetchTimeout:     v.GetDuration("poll.fetch_timeout"),
			BackoffMax:       v.GetDuration("poll.backoff_max"),
			BackoffFactor:    v.GetFloat64("poll.backoff_factor"),
			FailureThreshold: v.GetInt("poll.failure_threshold"),
		},
		Action: ActionConfig{
			Attempts:      v.GetInt("action.attempts"),
			RetryDelay:    v.GetDuration("action.retry_delay"),
			InvokeTimeout: v.GetDuration("action.invoke_timeout"),
			AuditMaxAge:   v.GetDuration("action.audit_max_age"),
		},
		Storage: StorageConfig{
			Path: v.GetString("storage.path"),
		},
		Transport: TransportConfig{
			SSHUser:           v.GetString("transport.ssh.user"),
			SSHPrivateKeyPath: v.GetString("transport.ssh.private_key_path"),
			SSHStatusCommand:  v.GetString("transport.ssh.status_command"),
			DockerEnabled:     v.GetBool("transport.docker.enabled"),
		},
	}, nil
}
