package intent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/nuwa/skyeye-bot/internal/models"
)

// PatternResolver is the deterministic strategy: an alternation regex per
// trigger set. Image lookup is checked before insult.
type PatternResolver struct {
	botUsername string
	imageLookup *regexp.Regexp
	insult      *regexp.Regexp
}

var _ Resolver = (*PatternResolver)(nil)

// NewPatternResolver compiles the phrase sets
func NewPatternResolver(botUsername string, phrases Phrases) (*PatternResolver, error) {
	imageLookup, err := compileAlternation(phrases.ImageLookup)
	if err != nil {
		return nil, fmt.Errorf("invalid image lookup phrases: %w", err)
	}
	insult, err := compileAlternation(phrases.Insult)
	if err != nil {
		return nil, fmt.Errorf("invalid insult phrases: %w", err)
	}

	return &PatternResolver{
		botUsername: strings.TrimPrefix(strings.ToLower(botUsername), "@"),
		imageLookup: imageLookup,
		insult:      insult,
	}, nil
}

func compileAlternation(fragments []string) (*regexp.Regexp, error) {
	if len(fragments) == 0 {
		return nil, fmt.Errorf("empty phrase set")
	}
	return regexp.Compile(`(?i)` + strings.Join(fragments, "|"))
}

// Resolve classifies text. hasImage does not influence the deterministic
// strategy: a lookup request without an image still resolves to image_lookup
// and is answered with a "no image" reply.
func (p *PatternResolver) Resolve(_ context.Context, text string, _ bool) Result {
	cleaned := CleanText(text, p.botUsername)

	if p.imageLookup.MatchString(cleaned) {
		return Result{TriggerType: models.TriggerImageLookup, Confidence: 1.0}
	}

	if p.insult.MatchString(cleaned) {
		return Result{
			TriggerType:  models.TriggerInsult,
			TargetHandle: ExtractTarget(cleaned, p.botUsername),
			Confidence:   1.0,
		}
	}

	return Result{TriggerType: models.TriggerUnknown}
}
