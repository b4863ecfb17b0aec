// Package config loads the YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log        LogConfig        `yaml:"log"`
	CTI        CTIConfig        `yaml:"cti"`
	Directory  DirectoryConfig  `yaml:"directory"`
	Store      StoreConfig      `yaml:"store"`
	Broadcast  BroadcastConfig  `yaml:"broadcast"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Presence   PresenceConfig   `yaml:"presence"`
	Phone      PhoneConfig      `yaml:"phone"`
	Health     HealthConfig     `yaml:"health"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type CTIConfig struct {
	BaseURL         string        `yaml:"base_url"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	Timeout         time.Duration `yaml:"timeout"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	ReconnectDelay  time.Duration `yaml:"reconnect_delay"`
}

// DirectoryConfig is optional: an empty base_url disables contact resolution.
type DirectoryConfig struct {
	BaseURL         string        `yaml:"base_url"`
	DeviceID        string        `yaml:"device_id"`
	Token           string        `yaml:"token"`
	PageSize        int           `yaml:"page_size"`
	Concurrency     int           `yaml:"concurrency"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	FieldTypes      []string      `yaml:"field_types"`
}

// Enabled reports whether a directory is configured.
func (d DirectoryConfig) Enabled() bool { return d.BaseURL != "" }

type StoreConfig struct {
	// Driver is sqlite, postgres or memory.
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type BroadcastConfig struct {
	// Driver is mqtt, redis or none.
	Driver      string      `yaml:"driver"`
	TopicPrefix string      `yaml:"topic_prefix"`
	MQTT        MQTTConfig  `yaml:"mqtt"`
	Redis       RedisConfig `yaml:"redis"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      int    `yaml:"qos"`
	Retain   bool   `yaml:"retain"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AggregatorConfig struct {
	StaleAfter   time.Duration `yaml:"stale_after"`
	ReapInterval time.Duration `yaml:"reap_interval"`
}

type PresenceConfig struct {
	Enabled bool `yaml:"enabled"`
}

type PhoneConfig struct {
	MobilePrefixes  []string `yaml:"mobile_prefixes"`
	SpecialPrefixes []string `yaml:"special_prefixes"`
}

type HealthConfig struct {
	// Addr is the listen address of the ops endpoint. Empty disables it.
	Addr string `yaml:"addr"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Default returns the configuration used for keys absent from the file.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		CTI: CTIConfig{
			BaseURL:         "https://providersupportdata.cloud-cfg.com",
			Timeout:         15 * time.Second,
			RefreshInterval: 4 * time.Minute,
			ReconnectDelay:  5 * time.Second,
		},
		Directory: DirectoryConfig{
			PageSize:        100,
			Concurrency:     10,
			RefreshInterval: 15 * time.Minute,
			FieldTypes:      []string{"TEL", "TEL_VOICE", "TEL_MOBILE"},
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "callmonitor.db",
		},
		Broadcast: BroadcastConfig{
			Driver:      "mqtt",
			TopicPrefix: "nfon",
			MQTT: MQTTConfig{
				Broker:   "tcp://localhost:1883",
				ClientID: "callmonitor",
				QoS:      1,
			},
			Redis: RedisConfig{Addr: "localhost:6379"},
		},
		Aggregator: AggregatorConfig{
			StaleAfter:   5 * time.Minute,
			ReapInterval: 60 * time.Second,
		},
		Presence: PresenceConfig{Enabled: true},
		Health:   HealthConfig{Addr: ":8080"},
	}
}

// Load reads path, applies defaults, expands ${VAR} references in secrets
// and validates the result. A .env file next to the config file is loaded
// into the environment first; existing variables win.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.expandEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("loading %s: %w", path, err)
}

func (c *Config) expandEnv() {
	for _, s := range []*string{
		&c.CTI.Username,
		&c.CTI.Password,
		&c.Directory.DeviceID,
		&c.Directory.Token,
		&c.Store.DSN,
		&c.Broadcast.MQTT.Username,
		&c.Broadcast.MQTT.Password,
		&c.Broadcast.Redis.Password,
	} {
		*s = substituteEnvVars(*s)
	}
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) validate() error {
	if c.CTI.BaseURL == "" {
		return fmt.Errorf("cti.base_url is required")
	}
	if c.CTI.Username == "" {
		return fmt.Errorf("cti.username is required")
	}
	if c.CTI.Password == "" {
		return fmt.Errorf("cti.password is required")
	}
	if c.Directory.Enabled() {
		if c.Directory.DeviceID == "" {
			return fmt.Errorf("directory.device_id is required")
		}
		if c.Directory.Token == "" {
			return fmt.Errorf("directory.token is required")
		}
		if c.Directory.Concurrency < 1 {
			return fmt.Errorf("directory.concurrency must be at least 1, got %d", c.Directory.Concurrency)
		}
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required")
		}
	case "memory":
	default:
		return fmt.Errorf("store.driver must be sqlite, postgres or memory, got %q", c.Store.Driver)
	}
	switch c.Broadcast.Driver {
	case "mqtt":
		if c.Broadcast.MQTT.Broker == "" {
			return fmt.Errorf("broadcast.mqtt.broker is required")
		}
		if c.Broadcast.MQTT.QoS < 0 || c.Broadcast.MQTT.QoS > 2 {
			return fmt.Errorf("broadcast.mqtt.qos must be between 0 and 2, got %d", c.Broadcast.MQTT.QoS)
		}
	case "redis":
		if c.Broadcast.Redis.Addr == "" {
			return fmt.Errorf("broadcast.redis.addr is required")
		}
	case "none":
	default:
		return fmt.Errorf("broadcast.driver must be mqtt, redis or none, got %q", c.Broadcast.Driver)
	}
	if c.Broadcast.Driver != "none" && c.Broadcast.TopicPrefix == "" {
		return fmt.Errorf("broadcast.topic_prefix is required")
	}
	if c.Aggregator.StaleAfter <= 0 {
		return fmt.Errorf("aggregator.stale_after must be positive")
	}
	if c.Aggregator.ReapInterval <= 0 {
		return fmt.Errorf("aggregator.reap_interval must be positive")
	}
	return nil
}
