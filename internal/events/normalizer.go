// Package events turns raw filtered-stream payloads into Mention records.
//
// Stream payloads look like:
//
//	{
//	  "data": {
//	    "id": "...", "text": "...", "author_id": "...",
//	    "in_reply_to_user_id": "...",
//	    "referenced_tweets": [{"type": "replied_to", "id": "..."}],
//	    "attachments": {"media_keys": ["..."]},
//	    "entities": {"mentions": [{"username": "...", "start": 0, "end": 5}]}
//	  },
//	  "includes": {
//	    "users": [{"id": "...", "username": "..."}],
//	    "media": [{"media_key": "...", "type": "photo", "url": "..."}],
//	    "tweets": [{"id": "...", "attachments": {...}, "entities": {...}}]
//	  }
//	}
//
// Nested fields are read with gjson so that missing or mistyped fields
// degrade to empty values instead of failing the whole event.
package events

import (
	"strings"

	"github.com/nuwa/skyeye-bot/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// UnknownUsername is used when an author id has no entry in includes.users
const UnknownUsername = "unknown"

const referenceRepliedTo = "replied_to"

// Normalize converts one raw stream event into a Mention. It returns nil when
// the input is not JSON, has no "data" object with an id, or was authored by
// selfID.
func Normalize(raw []byte, selfID string) *models.Mention {
	if !gjson.ValidBytes(raw) {
		return nil
	}
	payload := gjson.ParseBytes(raw)

	data := payload.Get("data")
	if !data.IsObject() || data.Get("id").String() == "" {
		return nil
	}

	authorID := data.Get("author_id").String()
	if authorID != "" && authorID == selfID {
		return nil
	}

	includes := payload.Get("includes")
	users := userTable(includes)

	authorUsername := users[authorID]
	if authorUsername == "" {
		authorUsername = UnknownUsername
	}

	parent := parentTweet(data, includes)

	// Prefer media on the post itself, fall back to the replied-to post
	imageURLs := extractImages(data, includes)
	if len(imageURLs) == 0 && parent.Exists() {
		imageURLs = extractImages(parent, includes)
	}

	var replyToUsername string
	if replyToID := data.Get("in_reply_to_user_id").String(); replyToID != "" {
		replyToUsername = users[replyToID]
	}

	var parentMentions []string
	if parent.Exists() {
		parentMentions = extractMentions(parent)
	}

	mention := &models.Mention{
		TweetID:         data.Get("id").String(),
		AuthorID:        authorID,
		AuthorUsername:  authorUsername,
		Text:            data.Get("text").String(),
		CreatedAt:       data.Get("created_at").String(),
		ImageURLs:       nonNil(imageURLs),
		ThreadRootID:    RepliedToID(data),
		ReplyToUsername: replyToUsername,
		CurrentMentions: nonNil(extractMentions(data)),
		ParentMentions:  nonNil(parentMentions),
		Positions:       extractPositions(data),
		Users:           users,
	}

	logrus.Debugf("Parsed stream tweet %s from @%s", mention.TweetID, authorUsername)
	return mention
}

// RepliedToID returns the id of the first "replied_to" reference. Quote and
// retweet references never define thread linkage.
func RepliedToID(tweet gjson.Result) string {
	var id string
	tweet.Get("referenced_tweets").ForEach(func(_, ref gjson.Result) bool {
		if ref.Get("type").String() == referenceRepliedTo {
			id = ref.Get("id").String()
			return false
		}
		return true
	})
	return id
}

func userTable(includes gjson.Result) map[string]string {
	users := make(map[string]string)
	includes.Get("users").ForEach(func(_, u gjson.Result) bool {
		id := u.Get("id").String()
		if id != "" {
			users[id] = u.Get("username").String()
		}
		return true
	})
	return users
}

// parentTweet finds the replied-to post in includes.tweets. Only one level of
// indirection is followed.
func parentTweet(data, includes gjson.Result) gjson.Result {
	refID := RepliedToID(data)
	if refID == "" {
		return gjson.Result{}
	}
	var parent gjson.Result
	includes.Get("tweets").ForEach(func(_, t gjson.Result) bool {
		if t.Get("id").String() == refID {
			parent = t
			return false
		}
		return true
	})
	return parent
}

// extractImages resolves attachment media keys against includes.media.
// Photos contribute their url; videos and GIFs their preview image.
func extractImages(tweet, includes gjson.Result) []string {
	keys := tweet.Get("attachments.media_keys").Array()
	if len(keys) == 0 {
		return nil
	}

	media := make(map[string]gjson.Result)
	includes.Get("media").ForEach(func(_, m gjson.Result) bool {
		if key := m.Get("media_key").String(); key != "" {
			media[key] = m
		}
		return true
	})

	var urls []string
	for _, key := range keys {
		m, ok := media[key.String()]
		if !ok {
			continue
		}
		switch m.Get("type").String() {
		case "photo":
			if u := m.Get("url").String(); u != "" {
				urls = append(urls, u)
			}
		case "video", "animated_gif":
			if u := m.Get("preview_image_url").String(); u != "" {
				urls = append(urls, u)
			}
		}
	}
	return urls
}

func extractMentions(tweet gjson.Result) []string {
	var names []string
	tweet.Get("entities.mentions").ForEach(func(_, m gjson.Result) bool {
		if username := m.Get("username").String(); username != "" {
			names = append(names, strings.ToLower(username))
		}
		return true
	})
	return names
}

func extractPositions(tweet gjson.Result) []models.MentionPosition {
	positions := []models.MentionPosition{}
	tweet.Get("entities.mentions").ForEach(func(_, m gjson.Result) bool {
		username := m.Get("username").String()
		if username == "" {
			return true
		}
		positions = append(positions, models.MentionPosition{
			Username: strings.ToLower(username),
			Start:    int(m.Get("start").Int()),
			End:      int(m.Get("end").Int()),
		})
		return true
	})
	return positions
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
