package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location relative to the working
// directory.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port             string   `yaml:"port"`
	LogLevel         string   `yaml:"logLevel"`
	DatabaseURL      string   `yaml:"databaseURL"`
	RedisAddr        string   `yaml:"redisAddr"`
	RedisPassword    string   `yaml:"redisPassword"`
	JWTSecret        string   `yaml:"jwtSecret"`
	JWTIssuer        string   `yaml:"jwtIssuer"`
	JWTAudience      string   `yaml:"jwtAudience"`
	JWTLeewaySeconds int      `yaml:"jwtLeewaySeconds"`
	RosterServiceURL string   `yaml:"rosterServiceURL"`
	AMQPURL          string   `yaml:"amqpURL"`
	AnnouncementQ    string   `yaml:"announcementQueue"`
	AllowedOrigins   []string `yaml:"allowedOrigins"`
	HistoryPageSize  int      `yaml:"historyPageSize"`
	MessagesPerMin   int      `yaml:"messagesPerMinute"`
	DeliveryWorkers  int      `yaml:"deliveryWorkers"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("ROSTER_SERVICE_URL"); v != "" {
		cfg.RosterServiceURL = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("MESSAGES_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return cfg, fmt.Errorf("config: MESSAGES_PER_MINUTE must be a non-negative integer, got %q", v)
		}
		cfg.MessagesPerMin = n
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.JWTSecret == "" {
		return errors.New("config: jwtSecret is required (set in config.yaml or JWT_SECRET)")
	}
	if cfg.RosterServiceURL == "" {
		return errors.New("config: rosterServiceURL is required (set in config.yaml or ROSTER_SERVICE_URL)")
	}
	if !strings.HasPrefix(cfg.RosterServiceURL, "http://") && !strings.HasPrefix(cfg.RosterServiceURL, "https://") {
		return fmt.Errorf("config: rosterServiceURL must be an http(s) URL, got %q", cfg.RosterServiceURL)
	}
	if cfg.HistoryPageSize < 0 {
		return errors.New("config: historyPageSize must be non-negative")
	}
	if cfg.MessagesPerMin < 0 {
		return errors.New("config: messagesPerMinute must be non-negative")
	}
	if cfg.DeliveryWorkers < 0 {
		return errors.New("config: deliveryWorkers must be non-negative")
	}
	return nil
}

// JWTLeeway returns the configured clock-skew allowance.
func (c FileConfig) JWTLeeway() time.Duration {
	return time.Duration(c.JWTLeewaySeconds) * time.Second
}
