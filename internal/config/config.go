package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for MedAssist
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Inference InferenceConfig `mapstructure:"inference"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Timezone  string          `mapstructure:"timezone"`
}

// ServerConfig holds HTTP status server settings
type ServerConfig struct {
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
}

// StorageConfig holds database settings
type StorageConfig struct {
	DataDir    string `mapstructure:"data_dir"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// TelegramConfig holds Telegram bot settings
type TelegramConfig struct {
	BotToken  string  `mapstructure:"bot_token"`
	AllowList []int64 `mapstructure:"allow_list"`
}

// InferenceConfig holds the intent/safety oracle settings
type InferenceConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	Timeout   int    `mapstructure:"timeout"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// JobsConfig holds schedules for the periodic jobs (standard cron format,
// evaluated in the configured timezone)
type JobsConfig struct {
	ScanSpec        string `mapstructure:"scan"`
	AppointmentSpec string `mapstructure:"appointments"`
	ReconcileSpec   string `mapstructure:"reconcile"`
	AggregateSpec   string `mapstructure:"aggregate"`
	SnoozeMinutes   int    `mapstructure:"snooze_minutes"`
	ConfirmTTL      int    `mapstructure:"confirm_ttl_minutes"`
}

// Load loads configuration from file, env, and defaults
func Load(configPath, dataDir string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if dataDir == "" {
		dataDir = getDefaultDataDir()
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	v.Set("storage.data_dir", dataDir)
	v.Set("storage.sqlite_path", filepath.Join(dataDir, "medassist.db"))

	if configPath == "" {
		configPath = filepath.Join(dataDir, "medassist.yaml")
	}

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// Environment variables (MEDASSIST_TELEGRAM_BOT_TOKEN, etc.)
	v.SetEnvPrefix("MEDASSIST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	loadEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("timezone", "Europe/Madrid")

	v.SetDefault("inference.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("inference.model", "llama-3.3-70b-versatile")
	v.SetDefault("inference.timeout", 30)
	v.SetDefault("inference.max_tokens", 1024)

	v.SetDefault("jobs.scan", "* * * * *")
	v.SetDefault("jobs.appointments", "0 * * * *")
	v.SetDefault("jobs.reconcile", "50 23 * * *")
	v.SetDefault("jobs.aggregate", "0 18 * * 0")
	v.SetDefault("jobs.snooze_minutes", 10)
	v.SetDefault("jobs.confirm_ttl_minutes", 30)
}

func getDefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "medassist")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}

	return filepath.Join(home, ".local", "share", "medassist")
}

// loadEnvOverrides loads specific env vars that Viper doesn't handle well
func loadEnvOverrides(cfg *Config) {
	getEnv := func(key, fallback string) string {
		if val := os.Getenv(key); val != "" {
			return val
		}
		return fallback
	}

	cfg.Telegram.BotToken = getEnv("MEDASSIST_TELEGRAM_BOT_TOKEN", cfg.Telegram.BotToken)
	cfg.Inference.APIKey = getEnv("MEDASSIST_INFERENCE_API_KEY", cfg.Inference.APIKey)
	cfg.Inference.BaseURL = getEnv("MEDASSIST_INFERENCE_BASE_URL", cfg.Inference.BaseURL)
	cfg.Inference.Model = getEnv("MEDASSIST_INFERENCE_MODEL", cfg.Inference.Model)
	cfg.Timezone = getEnv("MEDASSIST_TIMEZONE", cfg.Timezone)
	cfg.Storage.DataDir = getEnv("MEDASSIST_STORAGE_DATA_DIR", cfg.Storage.DataDir)

	if port := os.Getenv("MEDASSIST_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required")
	}

	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}

	if cfg.Jobs.SnoozeMinutes <= 0 {
		cfg.Jobs.SnoozeMinutes = 10
	}
	if cfg.Jobs.ConfirmTTL <= 0 {
		cfg.Jobs.ConfirmTTL = 30
	}

	return nil
}

// Location returns the configured timezone. Validity is checked at load time.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
