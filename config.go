// Package coordinator holds the deployment configuration shared by the
// server and CLI binaries.
package coordinator

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml"
)

// ServerConfig is read from the environment at startup.
type ServerConfig struct {
	StorageRoot     string        `env:"COORDINATOR_STORAGE_ROOT" envDefault:"./data"`
	KeysDir         string        `env:"COORDINATOR_KEYS_DIR" envDefault:"./data/keys"`
	BindAddress     string        `env:"COORDINATOR_BIND_ADDRESS" envDefault:"localhost:8080"`
	Workers         int           `env:"COORDINATOR_WORKERS" envDefault:"5"`
	SecurityEnabled bool          `env:"COORDINATOR_SECURITY_ENABLED" envDefault:"true"`
	SinkEndpoint    string        `env:"COORDINATOR_SINK_ENDPOINT"`
	MQTTURL         string        `env:"COORDINATOR_MQTT_URL"`
	LogLevel        string        `env:"COORDINATOR_LOG_LEVEL" envDefault:"info"`
	ClientStaleness time.Duration `env:"COORDINATOR_CLIENT_STALENESS" envDefault:"10m"`
	TestSetPath     string        `env:"COORDINATOR_TEST_SET"`
	ConfigFile      string        `env:"COORDINATOR_CONFIG_FILE"`
}

func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	if err := env.Parse(&cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("error reading environment: %w", err)
	}
	if cfg.Workers < 1 {
		return ServerConfig{}, fmt.Errorf("COORDINATOR_WORKERS must be at least 1, got %d", cfg.Workers)
	}

	return cfg, nil
}

// Config is the optional TOML file carrying settings that do not belong in
// the environment: broker credentials and token policy.
type Config struct {
	MQTT MQTTConfig `toml:"mqtt"`
	Auth AuthConfig `toml:"auth"`
}

type MQTTConfig struct {
	ClientID string `toml:"client_id"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	QoS      int    `toml:"qos"`
	CAPath   string `toml:"ca_path"`
	CertPath string `toml:"cert_path"`
	KeyPath  string `toml:"key_path"` // Client key used for mutual TLS against the broker
}

type AuthConfig struct {
	TokenTTLRaw string `toml:"token_ttl"`

	TokenTTL time.Duration `toml:"-"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	tree, err := toml.Load(string(data))
	if err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	var cfg Config
	if err := tree.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Auth.TokenTTL = 24 * time.Hour
	if cfg.Auth.TokenTTLRaw != "" {
		ttl, err := time.ParseDuration(cfg.Auth.TokenTTLRaw)
		if err != nil {
			return nil, fmt.Errorf("error parsing auth.token_ttl: %w", err)
		}
		cfg.Auth.TokenTTL = ttl
	}

	return &cfg, nil
}
