package util

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const Name = "agora"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host         string `yaml:"host" validate:"required"`
		HttpPort     int    `yaml:"httpPort" validate:"min=1,max=65535"`
		SslDomain    string `yaml:"sslDomain"`
		Protocol     string `yaml:"protocol" validate:"oneof=http https"`
		WithAp       bool   `yaml:"withAp"`
		DatabasePath string `yaml:"databasePath" validate:"required"`
		Debug        bool   `yaml:"debug"`
	} `yaml:"conf"`
	Federation FederationConfig `yaml:"federation"`
	Site       struct {
		Name       string `yaml:"name"`
		SlurFilter string `yaml:"slurFilter"`
	} `yaml:"site"`
}

// FederationConfig holds the tunables of the federation engine.
type FederationConfig struct {
	Enabled                 bool          `yaml:"enabled"`
	AllowedInstances        []string      `yaml:"allowedInstances"`
	BlockedInstances        []string      `yaml:"blockedInstances"`
	AllowPrivateHosts       bool          `yaml:"allowPrivateHosts"`
	RefreshInterval         time.Duration `yaml:"refreshInterval" validate:"gt=0"`
	RecursionBudget         int           `yaml:"recursionBudget" validate:"min=1"`
	QueueSize               int           `yaml:"queueSize" validate:"min=1"`
	Lanes                   int           `yaml:"lanes" validate:"min=1"`
	MaxConcurrentDeliveries int           `yaml:"maxConcurrentDeliveries" validate:"min=1"`
	RetryInterval           time.Duration `yaml:"retryInterval" validate:"gt=0"`
	MaxAttempts             int           `yaml:"maxAttempts" validate:"min=1"`
	OutboxPrefetch          int           `yaml:"outboxPrefetch" validate:"min=0"`
	FetchTimeout            time.Duration `yaml:"fetchTimeout" validate:"gt=0"`
	DeliveryTimeout         time.Duration `yaml:"deliveryTimeout" validate:"gt=0"`
}

// Domain is the public host[:port] of this instance as it appears in refs.
func (c *AppConfig) Domain() string {
	if c.Conf.SslDomain != "" {
		return c.Conf.SslDomain
	}
	return fmt.Sprintf("%s:%d", c.Conf.Host, c.Conf.HttpPort)
}

// ReadConf loads the config file (local first, then the user config dir,
// then the embedded defaults), applies AGORA_* overrides and validates it.
func ReadConf(logger *zap.Logger) (*AppConfig, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &AppConfig{}

	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		logger.Info("Config file not found, using embedded defaults", zap.String("path", configPath))
		buf = embeddedConfig

		if configDir, dirErr := GetConfigDir(); dirErr == nil {
			userConfigPath := filepath.Join(configDir, ConfigFileName)
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
				logger.Warn("Could not write default config", zap.String("path", userConfigPath), zap.Error(writeErr))
			} else {
				logger.Info("Created default config file", zap.String("path", userConfigPath))
			}
		}
	}

	// Defaults first so a partial file only overrides what it names.
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in embedded config: %w", err)
	}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	if err := applyEnv(c); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

func applyEnv(c *AppConfig) error {
	if v := os.Getenv("AGORA_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("AGORA_HTTPPORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AGORA_HTTPPORT: %w", err)
		}
		c.Conf.HttpPort = port
	}
	if v := os.Getenv("AGORA_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}
	if v := os.Getenv("AGORA_PROTOCOL"); v != "" {
		c.Conf.Protocol = v
	}
	if v := os.Getenv("AGORA_DATABASE"); v != "" {
		c.Conf.DatabasePath = v
	}
	if os.Getenv("AGORA_WITH_AP") == "true" {
		c.Conf.WithAp = true
	}
	if os.Getenv("AGORA_DEBUG") == "true" {
		c.Conf.Debug = true
	}
	if v := os.Getenv("AGORA_FEDERATION_ENABLED"); v != "" {
		c.Federation.Enabled = v == "true"
	}
	if v := os.Getenv("AGORA_ALLOWED_INSTANCES"); v != "" {
		c.Federation.AllowedInstances = splitList(v)
	}
	if v := os.Getenv("AGORA_BLOCKED_INSTANCES"); v != "" {
		c.Federation.BlockedInstances = splitList(v)
	}
	if v := os.Getenv("AGORA_REFRESH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("AGORA_REFRESH_INTERVAL: %w", err)
		}
		c.Federation.RefreshInterval = d
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
