package intent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nuwa/skyeye-bot/internal/llm"
	"github.com/nuwa/skyeye-bot/internal/models"
	"github.com/sirupsen/logrus"
)

const classifierSystemPrompt = `You classify messages sent to a Twitter/X bot. The user @-mentioned the bot; decide what they want it to do.

Valid intents:

1. IMAGE_LOOKUP - the user wants to know who the person in an attached image is.
   All of the following must hold:
   a) the message comes with an image
   b) the user explicitly asks for the identity of the person in it
   c) a clear lookup phrase is used: 这是谁, 这人是谁, who is this, 查这人, 搜脸, 认脸, 找人, identify
   Not IMAGE_LOOKUP: an image with no lookup request; vague phrases like 查一下 or 看看;
   asking the bot to judge the person in the image (that is INSULT).

2. INSULT - the user directs the bot to critique, roast or attack someone.
   Typical phrasing: 喷他, 骂他, 点评, 锐评, roast, 开干, 冲, 搞他, 说说这人.
   Any instruction for the bot to do something to a person is INSULT.

Key boundary:
INSULT: the user commands the bot to act ("喷他", "来 开干", "点评一下").
UNKNOWN: the user is venting with no instruction to the bot ("你他妈的", "草", "傻逼").
Directed action -> INSULT. Bare emotion -> UNKNOWN.

Reply with strict JSON only, one of:
{"intent": "IMAGE_LOOKUP", "confidence": 0.95}
{"intent": "INSULT", "confidence": 0.90}
{"intent": "UNKNOWN", "confidence": 0.80}`

// ClassifierResolver delegates classification to an LLM. Any failure
// resolves to unknown with zero confidence.
type ClassifierResolver struct {
	client      llm.LLMClient
	botUsername string
}

var _ Resolver = (*ClassifierResolver)(nil)

// NewClassifierResolver creates an LLM-backed resolver
func NewClassifierResolver(client llm.LLMClient, botUsername string) *ClassifierResolver {
	return &ClassifierResolver{
		client:      client,
		botUsername: strings.TrimPrefix(strings.ToLower(botUsername), "@"),
	}
}

type classification struct {
	Intent     string      `json:"intent"`
	Confidence json.Number `json:"confidence"`
}

// Resolve classifies text with the LLM
func (c *ClassifierResolver) Resolve(ctx context.Context, text string, hasImage bool) Result {
	cleaned := CleanText(text, c.botUsername)

	prompt := "User message: " + cleaned
	if hasImage {
		prompt += "\n[The message has an image attached]"
	}

	out, err := c.client.Generate(ctx, llm.Request{
		System:      classifierSystemPrompt,
		Prompt:      prompt,
		Temperature: 0.1,
		MaxTokens:   100,
		JSON:        true,
	})
	if err != nil {
		logrus.Errorf("Intent classification failed: %v", err)
		return unknown()
	}
	logrus.Debugf("Intent classification result: %s", out)

	var parsed classification
	if err := json.Unmarshal([]byte(extractJSONObject(out)), &parsed); err != nil {
		logrus.Errorf("Intent classification returned malformed JSON: %v", err)
		return unknown()
	}

	confidence := 0.5
	if parsed.Confidence != "" {
		value, err := parsed.Confidence.Float64()
		if err != nil {
			logrus.Errorf("Intent classification returned bad confidence %q", parsed.Confidence)
			return unknown()
		}
		confidence = value
	}

	switch strings.ToUpper(strings.TrimSpace(parsed.Intent)) {
	case "IMAGE_LOOKUP":
		return Result{TriggerType: models.TriggerImageLookup, Confidence: confidence}
	case "INSULT":
		return Result{
			TriggerType:  models.TriggerInsult,
			TargetHandle: ExtractTarget(cleaned, c.botUsername),
			Confidence:   confidence,
		}
	default:
		return Result{TriggerType: models.TriggerUnknown, Confidence: confidence}
	}
}

func unknown() Result {
	return Result{TriggerType: models.TriggerUnknown, Confidence: 0.0}
}

// extractJSONObject tolerates providers that wrap JSON in prose or fences
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}
