package intent

import (
	"context"
	"fmt"

	"github.com/nuwa/skyeye-bot/internal/config"
	"github.com/nuwa/skyeye-bot/internal/llm"
	"github.com/sirupsen/logrus"
)

// NewResolver builds the resolver selected by the intent strategy
func NewResolver(ctx context.Context, cfg *config.Config) (Resolver, error) {
	switch cfg.IntentStrategy {
	case "pattern":
		phrases, err := LoadPhrases(cfg.TriggersFile)
		if err != nil {
			return nil, err
		}
		logrus.Info("Using pattern intent resolver")
		return NewPatternResolver(cfg.TwitterBotUsername, phrases)

	case "classifier", "":
		client, err := llm.NewClient(ctx, llm.Config{
			Provider: cfg.LLMProvider,
			APIKey:   cfg.LLMAPIKey,
			Model:    cfg.LLMModel,
			BaseURL:  cfg.LLMBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create llm client: %w", err)
		}
		logrus.Infof("Using %s intent classifier", cfg.LLMProvider)
		return NewClassifierResolver(client, cfg.TwitterBotUsername), nil

	default:
		return nil, fmt.Errorf("unsupported intent strategy: %s", cfg.IntentStrategy)
	}
}
