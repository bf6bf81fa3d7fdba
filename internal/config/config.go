package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Port        string
	Debug       bool
	LogLevel    string
	CORSOrigins []string

	// Database configuration
	DatabaseDriver string `validate:"oneof=mysql sqlite"`
	DatabaseURL    string `validate:"required"`

	// Twitter / X credentials
	TwitterAPIKey            string
	TwitterAPISecret         string
	TwitterAccessToken       string
	TwitterAccessTokenSecret string
	TwitterBearerToken       string `validate:"required"`
	TwitterBotUserID         string `validate:"required"`
	TwitterBotUsername       string `validate:"required"`
	TwitterAPIBaseURL        string `validate:"required,url"`

	// Upstream inference API
	UpstreamAPIBaseURL  string        `validate:"required,url"`
	UpstreamAPIKey      string        `validate:"required"`
	UpstreamMaxRetries  int           `validate:"min=1"`
	UpstreamRetryBase   time.Duration `validate:"gt=0"`
	UpstreamLookupLimit int           `validate:"min=1"`

	// Intent resolution
	IntentStrategy string `validate:"oneof=classifier pattern"`
	LLMProvider    string `validate:"oneof=openai claude gemini"`
	LLMAPIKey      string
	LLMModel       string
	LLMBaseURL     string
	TriggersFile   string

	// Stream and dispatch
	MaxConcurrentProcessing int           `validate:"min=1"`
	StreamBackoffMin        time.Duration `validate:"gt=0"`
	StreamBackoffMax        time.Duration `validate:"gtefield=StreamBackoffMin"`
	StreamConnectTimeout    time.Duration `validate:"gt=0"`
	StreamAlertThreshold    int
	ReplyDelayMin           time.Duration `validate:"gte=0"`
	ReplyDelayMax           time.Duration `validate:"gtefield=ReplyDelayMin"`

	// Active roast (proactive scheduler)
	ActiveRoastEnabled      bool
	ActiveRoastInterval     time.Duration `validate:"gt=0"`
	ActiveRoastJitter       time.Duration `validate:"gte=0,ltefield=ActiveRoastInterval"`
	ActiveRoastRecovery     time.Duration `validate:"gt=0"`
	ActiveRoastTimelineSize int           `validate:"min=5,max=100"`
	RedisURL                string

	// Report schedule configuration
	ReportSchedule string `validate:"oneof=daily weekly off"` // "daily", "weekly" or "off"
	TimeZone       string

	// Azure Storage configuration (event archive)
	StorageAccount   string
	StorageContainer string

	// Notification configuration
	TeamsWebhookURL   string
	NotificationEmail string
	SMTPHost          string
	SMTPPort          int
	SMTPUsername      string
	SMTPPassword      string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Debug:       getBoolEnv("DEBUG", false),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		CORSOrigins: getSliceEnv("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		DatabaseDriver: getEnv("DATABASE_DRIVER", "mysql"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),

		TwitterAPIKey:            getEnv("TWITTER_API_KEY", ""),
		TwitterAPISecret:         getEnv("TWITTER_API_SECRET", ""),
		TwitterAccessToken:       getEnv("TWITTER_ACCESS_TOKEN", ""),
		TwitterAccessTokenSecret: getEnv("TWITTER_ACCESS_TOKEN_SECRET", ""),
		TwitterBearerToken:       getEnv("TWITTER_BEARER_TOKEN", ""),
		TwitterBotUserID:         getEnv("TWITTER_BOT_USER_ID", ""),
		TwitterBotUsername:       strings.TrimPrefix(getEnv("TWITTER_BOT_USERNAME", ""), "@"),
		TwitterAPIBaseURL:        getEnv("TWITTER_API_BASE_URL", "https://api.x.com/2"),

		UpstreamAPIBaseURL:  getEnv("UPSTREAM_API_BASE_URL", "https://wtf.nuwa.world/api/v1"),
		UpstreamAPIKey:      getEnv("UPSTREAM_API_KEY", ""),
		UpstreamMaxRetries:  getIntEnv("UPSTREAM_MAX_RETRIES", 3),
		UpstreamRetryBase:   getDurationEnv("UPSTREAM_RETRY_BASE", time.Second),
		UpstreamLookupLimit: getIntEnv("UPSTREAM_LOOKUP_LIMIT", 3),

		IntentStrategy: getEnv("INTENT_STRATEGY", "classifier"),
		LLMProvider:    strings.ToLower(getEnv("LLM_PROVIDER", "openai")),
		LLMAPIKey:      getEnv("LLM_API_KEY", os.Getenv("OPENAI_API_KEY")),
		LLMModel:       getEnv("LLM_MODEL", ""),
		LLMBaseURL:     getEnv("LLM_BASE_URL", ""),
		TriggersFile:   getEnv("TRIGGERS_FILE", ""),

		MaxConcurrentProcessing: getIntEnv("MAX_CONCURRENT_PROCESSING", 10),
		StreamBackoffMin:        getDurationEnv("STREAM_BACKOFF_MIN", 5*time.Second),
		StreamBackoffMax:        getDurationEnv("STREAM_BACKOFF_MAX", 60*time.Second),
		StreamConnectTimeout:    getDurationEnv("STREAM_CONNECT_TIMEOUT", 30*time.Second),
		StreamAlertThreshold:    getIntEnv("STREAM_ALERT_THRESHOLD", 5),
		ReplyDelayMin:           getDurationEnv("REPLY_DELAY_MIN", 45*time.Second),
		ReplyDelayMax:           getDurationEnv("REPLY_DELAY_MAX", 60*time.Second),

		ActiveRoastEnabled:      getBoolEnv("ACTIVE_ROAST_ENABLED", true),
		ActiveRoastInterval:     getDurationEnv("ACTIVE_ROAST_INTERVAL", 600*time.Second),
		ActiveRoastJitter:       getDurationEnv("ACTIVE_ROAST_JITTER", 60*time.Second),
		ActiveRoastRecovery:     getDurationEnv("ACTIVE_ROAST_RECOVERY", 60*time.Second),
		ActiveRoastTimelineSize: getIntEnv("ACTIVE_ROAST_TIMELINE_SIZE", 20),
		RedisURL:                getEnv("REDIS_URL", ""),

		ReportSchedule: getEnv("REPORT_SCHEDULE", "daily"),
		TimeZone:       getEnv("TIMEZONE", "UTC"),

		StorageAccount:   getEnv("AZURE_STORAGE_ACCOUNT", ""),
		StorageContainer: getEnv("AZURE_STORAGE_CONTAINER", "stream-events"),

		TeamsWebhookURL:   getEnv("TEAMS_WEBHOOK_URL", ""),
		NotificationEmail: getEnv("NOTIFICATION_EMAIL", ""),
		SMTPHost:          getEnv("SMTP_HOST", ""),
		SMTPPort:          getIntEnv("SMTP_PORT", 587),
		SMTPUsername:      getEnv("SMTP_USERNAME", ""),
		SMTPPassword:      getEnv("SMTP_PASSWORD", ""),
	}

	// Validate required configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if c.IntentStrategy == "classifier" && c.LLMAPIKey == "" {
		return fmt.Errorf("LLM_API_KEY is required when INTENT_STRATEGY is 'classifier'")
	}

	if c.NotificationEmail != "" {
		if c.SMTPHost == "" || c.SMTPUsername == "" || c.SMTPPassword == "" {
			return fmt.Errorf("SMTP configuration is required when NOTIFICATION_EMAIL is set")
		}
	}

	return nil
}

// NotificationsEnabled reports whether any notification channel is configured
func (c *Config) NotificationsEnabled() bool {
	return c.TeamsWebhookURL != "" || c.NotificationEmail != ""
}

// CanPost reports whether user-context credentials for posting are present
func (c *Config) CanPost() bool {
	return c.TwitterAPIKey != "" && c.TwitterAPISecret != "" &&
		c.TwitterAccessToken != "" && c.TwitterAccessTokenSecret != ""
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getDurationEnv accepts Go durations ("90s") or plain seconds ("90")
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func getSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
