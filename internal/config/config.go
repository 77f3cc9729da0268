// Package config loads dashboard configuration from environment variables
// with sensible defaults, plus an optional YAML file for the engine
// instance registry.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"trading-dashboard/internal/model"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Server addresses
	APIAddr     string
	WebAddr     string
	MetricsAddr string

	// Browser-reachable API base URL, rendered into the frontend page.
	APIBaseURL string

	LogLevel slog.Level

	// Run logs (historical results)
	RunsRoot string

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	JournalPath   string

	// Admin auth: static token, or TOTP secret when set
	AdminToken      string
	AdminTOTPSecret string

	// Instance registry
	InstancesFile string
	PollInterval  time.Duration

	// Alerting
	WebhookURL       string
	TelegramBotToken string
	TelegramChatID   string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		APIAddr:     getEnv("API_ADDR", ":8000"),
		WebAddr:     getEnv("WEB_ADDR", ":8501"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		APIBaseURL: getEnv("API_BASE_URL", "http://localhost:8000"),

		LogLevel: getEnvLevel("LOG_LEVEL", slog.LevelInfo),

		RunsRoot: getEnv("RUNS_ROOT", "data/runs"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		JournalPath:   getEnv("JOURNAL_PATH", "data/journal.db"),

		AdminToken:      getEnv("ADMIN_TOKEN", ""),
		AdminTOTPSecret: getEnv("ADMIN_TOTP_SECRET", ""),

		InstancesFile: getEnv("INSTANCES_FILE", "instances.yaml"),
		PollInterval:  getEnvDuration("POLL_INTERVAL", 10*time.Second),

		WebhookURL:       getEnv("ALERT_WEBHOOK_URL", ""),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
	}
}

// instancesFile is the YAML shape of the instance registry file.
type instancesFile struct {
	Instances []instanceEntry `yaml:"instances"`
}

type instanceEntry struct {
	Name        string `yaml:"name"`
	BaseURL     string `yaml:"base_url"`
	Category    string `yaml:"category"`
	Description string `yaml:"description"`
}

// DefaultInstances mirrors the conventional local deployment: three paper
// configs and one live engine on adjacent ports.
func DefaultInstances() []model.InstanceRef {
	return []model.InstanceRef{
		{Name: "fixed", BaseURL: "http://localhost:8081", Category: model.CategoryPaper, Description: "Fixed risk paper trading", Health: model.HealthUnknown},
		{Name: "relative", BaseURL: "http://localhost:8082", Category: model.CategoryPaper, Description: "Relative risk paper trading", Health: model.HealthUnknown},
		{Name: "1year", BaseURL: "http://localhost:8083", Category: model.CategoryPaper, Description: "1-year backtest config", Health: model.HealthUnknown},
		{Name: "live", BaseURL: "http://localhost:8090", Category: model.CategoryLive, Description: "Live trading", Health: model.HealthUnknown},
	}
}

// LoadInstances reads the instance registry from a YAML file, falling back
// to DefaultInstances when the file does not exist.
func LoadInstances(path string) ([]model.InstanceRef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultInstances(), nil
		}
		return nil, fmt.Errorf("read instances file: %w", err)
	}

	var f instancesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse instances file: %w", err)
	}
	if len(f.Instances) == 0 {
		return DefaultInstances(), nil
	}

	refs := make([]model.InstanceRef, 0, len(f.Instances))
	for _, e := range f.Instances {
		if e.Name == "" || e.BaseURL == "" {
			return nil, fmt.Errorf("instances file: entry missing name or base_url")
		}
		cat := model.InstanceCategory(e.Category)
		if cat != model.CategoryLive {
			cat = model.CategoryPaper
		}
		refs = append(refs, model.InstanceRef{
			Name:        e.Name,
			BaseURL:     e.BaseURL,
			Category:    cat,
			Description: e.Description,
			Health:      model.HealthUnknown,
		})
	}
	return refs, nil
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	switch strings.ToLower(os.Getenv(key)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return fallback
	}
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}
