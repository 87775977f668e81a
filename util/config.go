package util

import (
	_ "embed"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const Name = "fedletic"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host                string
		HttpPort            int           `yaml:"httpPort"`
		SslDomain           string        `yaml:"sslDomain"`
		DatabasePath        string        `yaml:"databasePath"`
		MediaDir            string        `yaml:"mediaDir"`
		RedisUrl            string        `yaml:"redisUrl"`
		ActorCacheTtl       time.Duration `yaml:"actorCacheTtl"`
		HttpTimeout         time.Duration `yaml:"httpTimeout"`
		SignatureMaxSkew    time.Duration `yaml:"signatureMaxSkew"`
		WorkerInterval      time.Duration `yaml:"workerInterval"`
		WorkerConcurrency   int           `yaml:"workerConcurrency"`
		MaxDeliveryAttempts int           `yaml:"maxDeliveryAttempts"`
		LogLevel            string        `yaml:"logLevel"`
		LogFormat           string        `yaml:"logFormat"`
		MetricsEnabled      bool          `yaml:"metricsEnabled"`
		OpenRegistrations   bool          `yaml:"openRegistrations"`
	}
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	if err := applyEnv(c); err != nil {
		return nil, err
	}

	c.applyDefaults()
	return c, nil
}

// applyEnv overrides file values with FEDLETIC_* environment variables.
func applyEnv(c *AppConfig) error {
	if v := os.Getenv("FEDLETIC_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("FEDLETIC_HTTPPORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FEDLETIC_HTTPPORT: %w", err)
		}
		c.Conf.HttpPort = port
	}
	if v := os.Getenv("FEDLETIC_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}
	if v := os.Getenv("FEDLETIC_DATABASE_PATH"); v != "" {
		c.Conf.DatabasePath = v
	}
	if v := os.Getenv("FEDLETIC_MEDIA_DIR"); v != "" {
		c.Conf.MediaDir = v
	}
	if v := os.Getenv("FEDLETIC_REDIS_URL"); v != "" {
		c.Conf.RedisUrl = v
	}
	if v := os.Getenv("FEDLETIC_ACTOR_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid FEDLETIC_ACTOR_CACHE_TTL: %w", err)
		}
		c.Conf.ActorCacheTtl = d
	}
	if v := os.Getenv("FEDLETIC_HTTP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid FEDLETIC_HTTP_TIMEOUT: %w", err)
		}
		c.Conf.HttpTimeout = d
	}
	if v := os.Getenv("FEDLETIC_WORKER_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FEDLETIC_WORKER_CONCURRENCY: %w", err)
		}
		c.Conf.WorkerConcurrency = n
	}
	if v := os.Getenv("FEDLETIC_LOG_LEVEL"); v != "" {
		c.Conf.LogLevel = v
	}
	if v := os.Getenv("FEDLETIC_LOG_FORMAT"); v != "" {
		c.Conf.LogFormat = v
	}
	if v := os.Getenv("FEDLETIC_METRICS"); v != "" {
		c.Conf.MetricsEnabled = v == "true"
	}
	if v := os.Getenv("FEDLETIC_OPEN_REGISTRATIONS"); v != "" {
		c.Conf.OpenRegistrations = v == "true"
	}
	return nil
}

func (c *AppConfig) applyDefaults() {
	if c.Conf.HttpPort == 0 {
		c.Conf.HttpPort = 9999
	}
	if c.Conf.DatabasePath == "" {
		c.Conf.DatabasePath = "database.db"
	}
	if c.Conf.MediaDir == "" {
		c.Conf.MediaDir = "media"
	}
	if c.Conf.ActorCacheTtl <= 0 {
		c.Conf.ActorCacheTtl = time.Hour
	}
	if c.Conf.HttpTimeout <= 0 {
		c.Conf.HttpTimeout = 10 * time.Second
	}
	if c.Conf.SignatureMaxSkew <= 0 {
		c.Conf.SignatureMaxSkew = 12 * time.Hour
	}
	if c.Conf.WorkerInterval <= 0 {
		c.Conf.WorkerInterval = 10 * time.Second
	}
	if c.Conf.WorkerConcurrency <= 0 {
		c.Conf.WorkerConcurrency = 4
	}
	if c.Conf.MaxDeliveryAttempts <= 0 {
		c.Conf.MaxDeliveryAttempts = 10
	}
	if c.Conf.LogLevel == "" {
		c.Conf.LogLevel = "info"
	}
	if c.Conf.LogFormat == "" {
		c.Conf.LogFormat = "json"
	}
}

// NewTestConfig returns a config with defaults applied for the given domain.
func NewTestConfig(domain string) *AppConfig {
	c := &AppConfig{}
	c.Conf.SslDomain = domain
	c.applyDefaults()
	return c
}

// BaseURL is the https origin of this server.
func (c *AppConfig) BaseURL() string {
	return fmt.Sprintf("https://%s", c.Conf.SslDomain)
}
