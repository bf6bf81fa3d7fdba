package intent

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Phrases holds the trigger phrase sets. Entries are regular expression
// fragments, matched case-insensitively anywhere in the cleaned text.
type Phrases struct {
	ImageLookup []string `toml:"image_lookup"`
	Insult      []string `toml:"insult"`
}

// DefaultPhrases are the curated bilingual trigger sets
func DefaultPhrases() Phrases {
	return Phrases{
		ImageLookup: []string{
			`查一下`,
			`这是谁`,
			`这谁`,
			`人脸搜索`,
			`找人`,
			`搜一下`,
			`帮我查`,
			`查查`,
			`face\s*search`,
			`who\s*is\s*this`,
			`find\s*this`,
			`search\s*face`,
		},
		Insult: []string{
			// 点评
			`点评`,
			`评价`,
			`锐评`,
			// 吐槽
			`吐槽`,
			// 喷
			`喷一下`,
			`喷他`,
			`喷她`,
			`喷它`,
			`开喷`,
			`去喷`,
			`帮喷`,
			`给我喷`,
			// 骂
			`骂一下`,
			`骂他`,
			`骂她`,
			`开骂`,
			`roast`,
			`critique`,
		},
	}
}

// LoadPhrases reads phrase sets from a TOML file. Sets missing from the
// file keep their defaults.
func LoadPhrases(path string) (Phrases, error) {
	phrases := DefaultPhrases()
	if path == "" {
		return phrases, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return phrases, fmt.Errorf("failed to read triggers file '%s': %w", path, err)
	}

	var fromFile Phrases
	if err := toml.Unmarshal(data, &fromFile); err != nil {
		return phrases, fmt.Errorf("failed to parse TOML: %w", err)
	}

	if len(fromFile.ImageLookup) > 0 {
		phrases.ImageLookup = fromFile.ImageLookup
	}
	if len(fromFile.Insult) > 0 {
		phrases.Insult = fromFile.Insult
	}
	return phrases, nil
}
