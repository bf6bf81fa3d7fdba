package models

import (
	"strings"
	"time"
)

// TriggerType is the action a mention asks the bot to perform
type TriggerType string

const (
	TriggerImageLookup TriggerType = "image_lookup"
	TriggerInsult      TriggerType = "insult"
	TriggerUnknown     TriggerType = "unknown"
)

// ProcessingStatus is the lifecycle state of a processed mention
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// MentionPosition is an @-mention with its offsets in the raw text
type MentionPosition struct {
	Username string `json:"username"` // lower-cased
	Start    int    `json:"start"`
	End      int    `json:"end"`
}

// Mention is one inbound event directed at the bot. It is built once by the
// normalizer and never mutated afterwards.
type Mention struct {
	TweetID         string            `json:"tweet_id"`
	AuthorID        string            `json:"author_id"`
	AuthorUsername  string            `json:"author_username"`
	Text            string            `json:"text"`
	CreatedAt       string            `json:"created_at,omitempty"`
	ImageURLs       []string          `json:"image_urls"`               // current post first, else replied-to post
	ThreadRootID    string            `json:"thread_root_id,omitempty"` // id of the "replied_to" reference
	ReplyToUsername string            `json:"reply_to_username,omitempty"`
	CurrentMentions []string          `json:"current_mentions"`
	ParentMentions  []string          `json:"parent_mentions"`
	Positions       []MentionPosition `json:"mentions_with_positions"`
	Users           map[string]string `json:"users,omitempty"` // user id -> username, from includes
}

// HasImage reports whether any image was resolved for the mention
func (m *Mention) HasImage() bool {
	return len(m.ImageURLs) > 0
}

// CanonicalHandle maps a handle taken from the text onto a known username.
// A handle that equals a user id in the event's user table resolves to that
// user's username; anything else is returned without the leading "@".
func (m *Mention) CanonicalHandle(handle string) string {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if handle == "" {
		return ""
	}
	for _, username := range m.Users {
		if strings.EqualFold(username, handle) {
			return username
		}
	}
	if username, ok := m.Users[handle]; ok && username != "" {
		return username
	}
	return handle
}

// PostSummary is a timeline post considered by the proactive scheduler
type PostSummary struct {
	TweetID         string `json:"tweet_id"`
	Text            string `json:"text"`
	AuthorID        string `json:"author_id"`
	AuthorUsername  string `json:"author_username"`
	IsRetweet       bool   `json:"is_retweet"`
	InReplyToUserID string `json:"in_reply_to_user_id,omitempty"`
	CreatedAt       string `json:"created_at,omitempty"`
}

// FavoriteTarget is one entry of a requester's ranked target list
type FavoriteTarget struct {
	Handle string `json:"handle"`
	Count  int    `json:"count"`
}

// Report represents a periodic activity report
type Report struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Period      string         `json:"period"` // "daily" or "weekly"
	Stats       GlobalStats    `json:"stats"`
	Leaderboard []RoastProfile `json:"leaderboard"`
}

// Alert represents an operator notification
type Alert struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"` // "critical", "urgent", "info"
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Mention   *Mention  `json:"mention,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HandleCount pairs a handle with a counter
type HandleCount struct {
	Handle string `json:"handle"`
	Count  int    `json:"count"`
}

// GlobalStats is the aggregate view served by the stats endpoint
type GlobalStats struct {
	TotalRoasts     int64        `json:"total_roasts"`
	TotalTargets    int64        `json:"total_targets"`
	TotalRequesters int64        `json:"total_requesters"`
	TopVictim       *HandleCount `json:"top_victim"`
	TopRoaster      *HandleCount `json:"top_roaster"`
}

// RecentRoast is one completed insult shown on a target's profile
type RecentRoast struct {
	Roaster string    `json:"roaster"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}
