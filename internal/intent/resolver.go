// Package intent decides what a mention asks the bot to do.
package intent

import (
	"context"
	"regexp"
	"strings"

	"github.com/nuwa/skyeye-bot/internal/models"
)

// Result is the outcome of intent resolution
type Result struct {
	TriggerType  models.TriggerType
	TargetHandle string // insult only; empty when the text names nobody
	Confidence   float64
}

// Resolver is implemented by both the pattern matcher and the LLM classifier
type Resolver interface {
	Resolve(ctx context.Context, text string, hasImage bool) Result
}

var mentionPattern = regexp.MustCompile(`@(\w+)`)

// CleanText removes @-mentions of the bot itself
func CleanText(text, botUsername string) string {
	botUsername = strings.TrimPrefix(strings.ToLower(botUsername), "@")
	if botUsername == "" {
		return strings.TrimSpace(text)
	}
	self := regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(botUsername) + `\b`)
	return strings.TrimSpace(self.ReplaceAllString(text, ""))
}

// ExtractTarget returns the first @-mention in text that is not the bot
func ExtractTarget(text, botUsername string) string {
	for _, match := range mentionPattern.FindAllStringSubmatch(text, -1) {
		if !strings.EqualFold(match[1], strings.TrimPrefix(botUsername, "@")) {
			return match[1]
		}
	}
	return ""
}
