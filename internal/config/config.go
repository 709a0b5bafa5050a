package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`
	Port        string `mapstructure:"port"`

	// Trigger guards
	DedupWindowSeconds     int      `mapstructure:"dedup_window_seconds"`
	DefaultCooldownSeconds int      `mapstructure:"default_cooldown_seconds"`
	DedupContextKeys       []string `mapstructure:"dedup_context_keys"` // empty = all context keys

	// Dispatch worker
	DispatchPollSeconds int `mapstructure:"dispatch_poll_seconds"`
	DispatchBatchSize   int `mapstructure:"dispatch_batch_size"`
	SendTimeoutSeconds  int `mapstructure:"send_timeout_seconds"`

	// Channel provider endpoints (gateway URLs, not provider SDKs)
	Providers ProviderConfig `mapstructure:"providers"`

	// Audit stream
	AuditStream string `mapstructure:"audit_stream"`
}

type ProviderConfig struct {
	EmailURL    string `mapstructure:"email_url"`
	SMSURL      string `mapstructure:"sms_url"`
	VoiceURL    string `mapstructure:"voice_url"`
	WhatsAppURL string `mapstructure:"whatsapp_url"`
	APIToken    string `mapstructure:"api_token"`
}

// App holds the global config instance
var App Config

// LoadConfig loads configuration from file and environment variables
func LoadConfig(path string) error {
	// Auto-load .env file if present so `go run` works without
	// manually exporting env vars. Missing .env is fine.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded .env file")
	}

	v := viper.New()

	// Defaults
	v.SetDefault("port", "8080")
	v.SetDefault("dedup_window_seconds", 300)
	v.SetDefault("default_cooldown_seconds", 3600)
	v.SetDefault("dispatch_poll_seconds", 15)
	v.SetDefault("dispatch_batch_size", 50)
	v.SetDefault("send_timeout_seconds", 10)
	v.SetDefault("audit_stream", "siren:audit")

	// Config file settings
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.SetConfigName("siren.config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("siren")

	// Bind standard environment variables (Docker/deploy compatibility)
	_ = v.BindEnv("database_url", "DATABASE_URL")
	_ = v.BindEnv("redis_url", "REDIS_URL")
	_ = v.BindEnv("port", "PORT")
	_ = v.BindEnv("dedup_window_seconds", "SIREN_DEDUP_WINDOW_SECONDS")
	_ = v.BindEnv("default_cooldown_seconds", "SIREN_DEFAULT_COOLDOWN_SECONDS")
	_ = v.BindEnv("dispatch_poll_seconds", "SIREN_DISPATCH_POLL_SECONDS")
	_ = v.BindEnv("send_timeout_seconds", "SIREN_SEND_TIMEOUT_SECONDS")
	_ = v.BindEnv("audit_stream", "SIREN_AUDIT_STREAM")
	_ = v.BindEnv("providers.email_url", "SIREN_EMAIL_PROVIDER_URL")
	_ = v.BindEnv("providers.sms_url", "SIREN_SMS_PROVIDER_URL")
	_ = v.BindEnv("providers.voice_url", "SIREN_VOICE_PROVIDER_URL")
	_ = v.BindEnv("providers.whatsapp_url", "SIREN_WHATSAPP_PROVIDER_URL")
	_ = v.BindEnv("providers.api_token", "SIREN_PROVIDER_API_TOKEN")

	v.AutomaticEnv()

	// 1. Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and environment variables")
		} else {
			return err
		}
	} else {
		log.Printf("Loaded config from: %s", v.ConfigFileUsed())
	}

	// 2. Unmarshal into struct
	if err := v.Unmarshal(&App); err != nil {
		return err
	}

	// 3. Backfill environment variables for code reading os.Getenv directly
	setEnvIfEmpty("DATABASE_URL", App.DatabaseURL)
	setEnvIfEmpty("REDIS_URL", App.RedisURL)
	setEnvIfEmpty("PORT", App.Port)

	return nil
}

func setEnvIfEmpty(key, value string) {
	if value != "" && os.Getenv(key) == "" {
		os.Setenv(key, value)
	}
}
