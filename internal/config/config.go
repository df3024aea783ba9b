// Package config loads service configuration once at startup: an optional
// YAML file seeds defaults, environment variables override it. No other
// package reads environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Broker   BrokerConfig   `yaml:"broker"`
	Database DatabaseConfig `yaml:"database"`
	Kernel   KernelConfig   `yaml:"kernel"`
	Keys     KeysConfig     `yaml:"keys"`
	Session  SessionConfig  `yaml:"session"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type AuthConfig struct {
	Mode      string `yaml:"mode"` // dev | bearer
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`

	// Dev mode: the fixed local actor every unadorned request acts as.
	DevOrgID  string `yaml:"dev_org_id"`
	DevUserID string `yaml:"dev_user_id"`
	DevName   string `yaml:"dev_name"`
}

type BrokerConfig struct {
	Project      string `yaml:"project"`
	Subscription string `yaml:"subscription"`
	OpsProject   string `yaml:"ops_project"`
	OpsTopic     string `yaml:"ops_topic"`
	OpsEnabled   bool   `yaml:"ops_enabled"`
}

type DatabaseConfig struct {
	URL  string `yaml:"url"`  // postgres when set
	Path string `yaml:"path"` // sqlite file otherwise
}

type KernelConfig struct {
	URL               string `yaml:"url"`
	AutoReportEnabled bool   `yaml:"auto_report_enabled"`
	FallbackEnabled   bool   `yaml:"fallback_enabled"`
	TasksProject      string `yaml:"tasks_project"`
	TasksLocation     string `yaml:"tasks_location"`
	TasksQueue        string `yaml:"tasks_queue"`
}

type KeysConfig struct {
	StaticJSON  string `yaml:"static_json"` // kid → {algorithm, publicKey, revokedAt?}
	IdentityURL string `yaml:"identity_url"`
	RedisAddr   string `yaml:"redis_addr"`
}

type SessionConfig struct {
	GapSeconds     int `yaml:"gap_seconds"`
	SilenceSeconds int `yaml:"silence_seconds"`
}

// Load builds the effective config: defaults, then the YAML file at path (if
// any), then the environment. A .env file in the working directory is folded
// into the environment first.
func Load(path string) (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{Port: "8080"},
		Auth: AuthConfig{
			Mode:      "dev",
			DevOrgID:  "dev-org",
			DevUserID: "dev-user",
			DevName:   "Local Developer",
		},
		Database: DatabaseConfig{Path: "./var/ingestion.db"},
		Kernel:   KernelConfig{URL: "http://127.0.0.1:3000"},
		Session:  SessionConfig{GapSeconds: 30, SilenceSeconds: 15},
	}

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config %s: %w", path, err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envStr(&cfg.Server.Port, "PORT")

	envStr(&cfg.Auth.Mode, "AUTH_MODE")
	envStr(&cfg.Auth.JWTSecret, "AUTH_JWT_SECRET")
	envStr(&cfg.Auth.Issuer, "AUTH_JWT_ISSUER")
	envStr(&cfg.Auth.Audience, "AUTH_JWT_AUDIENCE")
	envStr(&cfg.Auth.DevOrgID, "AUTH_DEV_ORG_ID")
	envStr(&cfg.Auth.DevUserID, "AUTH_DEV_USER_ID")
	envStr(&cfg.Auth.DevName, "AUTH_DEV_NAME")

	envStr(&cfg.Broker.Project, "INGESTION_BROKER_PROJECT")
	envStr(&cfg.Broker.Subscription, "INGESTION_BROKER_SUBSCRIPTION")
	envStr(&cfg.Broker.OpsProject, "INGESTION_OPS_PROJECT")
	envStr(&cfg.Broker.OpsTopic, "INGESTION_OPS_TOPIC")
	envBool(&cfg.Broker.OpsEnabled, "INGESTION_OPS_EVENTS_ENABLED")

	envStr(&cfg.Database.URL, "INGESTION_DATABASE_URL")
	envStr(&cfg.Database.Path, "INGESTION_DB_PATH")

	envStr(&cfg.Kernel.URL, "INGESTION_KERNEL_URL")
	envBool(&cfg.Kernel.AutoReportEnabled, "AUTO_REPORT_MISSIONS_ENABLED")
	envBool(&cfg.Kernel.FallbackEnabled, "INGESTION_KERNEL_ENQUEUE_FALLBACK_ENABLED")
	envStr(&cfg.Kernel.TasksProject, "INGESTION_TASKS_PROJECT")
	envStr(&cfg.Kernel.TasksLocation, "INGESTION_TASKS_LOCATION")
	envStr(&cfg.Kernel.TasksQueue, "INGESTION_TASKS_QUEUE")

	envStr(&cfg.Keys.StaticJSON, "INGESTION_DEVICE_KEYS_JSON")
	envStr(&cfg.Keys.IdentityURL, "INGESTION_IDENTITY_URL")
	envStr(&cfg.Keys.RedisAddr, "INGESTION_REDIS_ADDR")

	envInt(&cfg.Session.GapSeconds, "SESSION_GAP_SECONDS")
	envInt(&cfg.Session.SilenceSeconds, "CLOSE_SILENCE_SECONDS")
}

func (c *Config) validate() error {
	switch c.Auth.Mode {
	case "dev":
	case "bearer":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("AUTH_MODE=bearer requires AUTH_JWT_SECRET")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be dev or bearer, got %q", c.Auth.Mode)
	}
	if c.Session.GapSeconds <= 0 || c.Session.SilenceSeconds <= 0 {
		return fmt.Errorf("session gap and silence must be positive")
	}
	if c.Keys.StaticJSON != "" && !json.Valid([]byte(c.Keys.StaticJSON)) {
		return fmt.Errorf("INGESTION_DEVICE_KEYS_JSON is not valid JSON")
	}
	return nil
}

// SessionGap returns the gap threshold as a duration.
func (c *Config) SessionGap() time.Duration {
	return time.Duration(c.Session.GapSeconds) * time.Second
}

// CloseSilence returns the silence-close threshold as a duration.
func (c *Config) CloseSilence() time.Duration {
	return time.Duration(c.Session.SilenceSeconds) * time.Second
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			*dst = b
		}
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			*dst = n
		}
	}
}
