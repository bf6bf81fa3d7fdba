package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "user:pass@tcp(localhost:3306)/skyeye?parseTime=true")
	t.Setenv("TWITTER_BEARER_TOKEN", "bearer")
	t.Setenv("TWITTER_BOT_USER_ID", "bot999")
	t.Setenv("TWITTER_BOT_USERNAME", "@SkyeyeBot")
	t.Setenv("UPSTREAM_API_KEY", "key")
	t.Setenv("LLM_API_KEY", "sk-test")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "SkyeyeBot", cfg.TwitterBotUsername)
	assert.Equal(t, 10, cfg.MaxConcurrentProcessing)
	assert.Equal(t, 5*time.Second, cfg.StreamBackoffMin)
	assert.Equal(t, 60*time.Second, cfg.StreamBackoffMax)
	assert.Equal(t, 45*time.Second, cfg.ReplyDelayMin)
	assert.Equal(t, 60*time.Second, cfg.ReplyDelayMax)
	assert.Equal(t, 3, cfg.UpstreamMaxRetries)
	assert.Equal(t, 600*time.Second, cfg.ActiveRoastInterval)
	assert.Equal(t, 60*time.Second, cfg.ActiveRoastJitter)
	assert.Equal(t, "classifier", cfg.IntentStrategy)
	assert.True(t, cfg.ActiveRoastEnabled)
	assert.False(t, cfg.NotificationsEnabled())
}

func TestLoad_DurationFormats(t *testing.T) {
	setRequired(t)
	t.Setenv("ACTIVE_ROAST_INTERVAL", "900")
	t.Setenv("ACTIVE_ROAST_JITTER", "90s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 900*time.Second, cfg.ActiveRoastInterval)
	assert.Equal(t, 90*time.Second, cfg.ActiveRoastJitter)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "Missing database URL", env: map[string]string{"DATABASE_URL": ""}},
		{name: "Unknown intent strategy", env: map[string]string{"INTENT_STRATEGY": "magic"}},
		{name: "Classifier without key", env: map[string]string{"LLM_API_KEY": "", "OPENAI_API_KEY": ""}},
		{name: "Backoff ceiling below floor", env: map[string]string{"STREAM_BACKOFF_MIN": "30s", "STREAM_BACKOFF_MAX": "10s"}},
		{name: "Reply delay inverted", env: map[string]string{"REPLY_DELAY_MIN": "60s", "REPLY_DELAY_MAX": "45s"}},
		{name: "Email without SMTP", env: map[string]string{"NOTIFICATION_EMAIL": "ops@example.com"}},
		{name: "Bad report schedule", env: map[string]string{"REPORT_SCHEDULE": "hourly"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_PatternStrategyNeedsNoLLMKey(t *testing.T) {
	setRequired(t)
	t.Setenv("LLM_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("INTENT_STRATEGY", "pattern")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "pattern", cfg.IntentStrategy)
}
