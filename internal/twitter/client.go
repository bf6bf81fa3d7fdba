// Package twitter wraps the X API v2 endpoints the bot uses: posting,
// the home timeline, media download and the filtered stream.
package twitter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dghubble/oauth1"
	"github.com/go-resty/resty/v2"
	"github.com/nuwa/skyeye-bot/internal/config"
	"github.com/nuwa/skyeye-bot/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	// RuleTag tags the filtered-stream rule owned by the bot
	RuleTag = "bot-mention"

	userAgent = "SkyeyeBot/3.0"
)

// StreamParams are the query parameters requested on the filtered stream so
// that events carry authors, media and referenced posts
var StreamParams = map[string]string{
	"tweet.fields": "created_at,author_id,in_reply_to_user_id,referenced_tweets,attachments,entities",
	"expansions":   "author_id,in_reply_to_user_id,attachments.media_keys,referenced_tweets.id,referenced_tweets.id.attachments.media_keys",
	"user.fields":  "username",
	"media.fields": "url,type,preview_image_url",
}

// API is the subset of the platform the bot talks to
type API interface {
	CreateReply(ctx context.Context, parentID, text string) (string, error)
	CreatePost(ctx context.Context, text string) (string, error)
	GetHomeTimeline(ctx context.Context, limit int) ([]models.PostSummary, error)
	DownloadMedia(ctx context.Context, url string) ([]byte, error)
	SyncStreamRules(ctx context.Context) error
	OpenStream(ctx context.Context) (io.ReadCloser, error)
}

// Client implements API.
//
// Posting and the home timeline need user context and are signed with
// OAuth 1.0a; stream and rule endpoints use the app bearer token.
type Client struct {
	botUserID   string
	botUsername string
	user        *resty.Client
	app         *resty.Client
	stream      *resty.Client
	media       *resty.Client
}

var _ API = (*Client)(nil)

// NewClient creates a new platform client
func NewClient(cfg *config.Config) *Client {
	baseURL := strings.TrimRight(cfg.TwitterAPIBaseURL, "/")

	var user *resty.Client
	if cfg.CanPost() {
		oauthCfg := oauth1.NewConfig(cfg.TwitterAPIKey, cfg.TwitterAPISecret)
		token := oauth1.NewToken(cfg.TwitterAccessToken, cfg.TwitterAccessTokenSecret)
		user = resty.NewWithClient(oauthCfg.Client(oauth1.NoContext, token))
	} else {
		logrus.Warn("Twitter user-context credentials missing - posting will be rejected by the API")
		user = resty.New().SetAuthToken(cfg.TwitterBearerToken)
	}
	user.SetBaseURL(baseURL).
		SetTimeout(30*time.Second).
		SetHeader("User-Agent", userAgent)

	app := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(cfg.TwitterBearerToken).
		SetTimeout(30*time.Second).
		SetHeader("User-Agent", userAgent)

	// No overall timeout on the stream: only dialing and response headers
	// are bounded, the body is read for as long as the connection lives.
	connectTimeout := cfg.StreamConnectTimeout
	stream := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(cfg.TwitterBearerToken).
		SetHeader("User-Agent", userAgent).
		SetTransport(&http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
			TLSHandshakeTimeout:   connectTimeout,
			ResponseHeaderTimeout: connectTimeout,
		})

	media := resty.New().
		SetTimeout(30*time.Second).
		SetHeader("User-Agent", userAgent)

	return &Client{
		botUserID:   cfg.TwitterBotUserID,
		botUsername: cfg.TwitterBotUsername,
		user:        user,
		app:         app,
		stream:      stream,
		media:       media,
	}
}

type createTweetRequest struct {
	Text  string             `json:"text"`
	Reply *createTweetParent `json:"reply,omitempty"`
}

type createTweetParent struct {
	InReplyToTweetID string `json:"in_reply_to_tweet_id"`
}

type createTweetResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

// CreateReply replies to parentID and returns the new post id
func (c *Client) CreateReply(ctx context.Context, parentID, text string) (string, error) {
	id, err := c.createTweet(ctx, createTweetRequest{
		Text:  text,
		Reply: &createTweetParent{InReplyToTweetID: parentID},
	})
	if err != nil {
		return "", fmt.Errorf("failed to reply to tweet %s: %w", parentID, err)
	}
	return id, nil
}

// CreatePost publishes a standalone post and returns its id
func (c *Client) CreatePost(ctx context.Context, text string) (string, error) {
	id, err := c.createTweet(ctx, createTweetRequest{Text: text})
	if err != nil {
		return "", fmt.Errorf("failed to create post: %w", err)
	}
	return id, nil
}

func (c *Client) createTweet(ctx context.Context, body createTweetRequest) (string, error) {
	resp, err := c.user.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post("/tweets")
	if err != nil {
		return "", err
	}

	if resp.StatusCode() == http.StatusTooManyRequests {
		if reset := resp.Header().Get("x-rate-limit-reset"); reset != "" {
			logrus.Warnf("Twitter rate limit will reset at: %s", reset)
		}
	}

	if resp.StatusCode() != http.StatusCreated && resp.StatusCode() != http.StatusOK {
		logrus.Errorf("Twitter API error: status %d, body: %s", resp.StatusCode(), truncate(resp.String(), 500))
		return "", fmt.Errorf("twitter API returned status %d: %s", resp.StatusCode(), truncate(resp.String(), 500))
	}

	var created createTweetResponse
	if err := json.Unmarshal(resp.Body(), &created); err != nil {
		return "", fmt.Errorf("failed to parse Twitter response: %w", err)
	}
	if created.Data.ID == "" {
		return "", fmt.Errorf("twitter API response carried no post id")
	}
	return created.Data.ID, nil
}

type timelineResponse struct {
	Data []struct {
		ID               string `json:"id"`
		Text             string `json:"text"`
		AuthorID         string `json:"author_id"`
		CreatedAt        string `json:"created_at"`
		InReplyToUserID  string `json:"in_reply_to_user_id"`
		ReferencedTweets []struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		} `json:"referenced_tweets"`
	} `json:"data"`
	Includes struct {
		Users []struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"users"`
	} `json:"includes"`
}

// GetHomeTimeline returns the bot account's reverse-chronological timeline
func (c *Client) GetHomeTimeline(ctx context.Context, limit int) ([]models.PostSummary, error) {
	resp, err := c.user.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"max_results":  strconv.Itoa(limit),
			"tweet.fields": "author_id,created_at,referenced_tweets,in_reply_to_user_id",
			"user.fields":  "username",
			"expansions":   "author_id",
		}).
		Get(fmt.Sprintf("/users/%s/timelines/reverse_chronological", c.botUserID))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch home timeline: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("twitter API returned status %d: %s", resp.StatusCode(), truncate(resp.String(), 500))
	}

	var timeline timelineResponse
	if err := json.Unmarshal(resp.Body(), &timeline); err != nil {
		return nil, fmt.Errorf("failed to parse Twitter response: %w", err)
	}

	users := make(map[string]string, len(timeline.Includes.Users))
	for _, u := range timeline.Includes.Users {
		users[u.ID] = u.Username
	}

	posts := make([]models.PostSummary, 0, len(timeline.Data))
	for _, tweet := range timeline.Data {
		isRetweet := false
		for _, ref := range tweet.ReferencedTweets {
			if ref.Type == "retweeted" {
				isRetweet = true
				break
			}
		}

		posts = append(posts, models.PostSummary{
			TweetID:         tweet.ID,
			Text:            tweet.Text,
			AuthorID:        tweet.AuthorID,
			AuthorUsername:  users[tweet.AuthorID],
			IsRetweet:       isRetweet,
			InReplyToUserID: tweet.InReplyToUserID,
			CreatedAt:       tweet.CreatedAt,
		})
	}

	logrus.Debugf("Home timeline returned %d posts", len(posts))
	return posts, nil
}

// DownloadMedia fetches an image by URL
func (c *Client) DownloadMedia(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.media.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to download media: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("media download returned status %d", resp.StatusCode())
	}
	return resp.Body(), nil
}

type streamRulesResponse struct {
	Data []struct {
		ID    string `json:"id"`
		Value string `json:"value"`
		Tag   string `json:"tag"`
	} `json:"data"`
}

// SyncStreamRules replaces every filtered-stream rule with a single rule
// matching mentions of the bot, excluding retweets
func (c *Client) SyncStreamRules(ctx context.Context) error {
	resp, err := c.app.R().SetContext(ctx).Get("/tweets/search/stream/rules")
	if err != nil {
		return fmt.Errorf("failed to list stream rules: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("listing stream rules returned status %d: %s", resp.StatusCode(), truncate(resp.String(), 500))
	}

	var existing streamRulesResponse
	if err := json.Unmarshal(resp.Body(), &existing); err != nil {
		return fmt.Errorf("failed to parse stream rules: %w", err)
	}

	if len(existing.Data) > 0 {
		ids := make([]string, 0, len(existing.Data))
		for _, rule := range existing.Data {
			ids = append(ids, rule.ID)
		}
		resp, err := c.app.R().
			SetContext(ctx).
			SetBody(map[string]interface{}{"delete": map[string][]string{"ids": ids}}).
			Post("/tweets/search/stream/rules")
		if err != nil {
			return fmt.Errorf("failed to delete stream rules: %w", err)
		}
		if resp.IsError() {
			return fmt.Errorf("deleting stream rules returned status %d", resp.StatusCode())
		}
		logrus.Infof("Deleted %d old stream rules", len(ids))
	}

	rule := fmt.Sprintf("@%s -is:retweet", c.botUsername)
	resp, err = c.app.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"add": []map[string]string{{"value": rule, "tag": RuleTag}},
		}).
		Post("/tweets/search/stream/rules")
	if err != nil {
		return fmt.Errorf("failed to add stream rule: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("adding stream rule returned status %d: %s", resp.StatusCode(), truncate(resp.String(), 500))
	}

	logrus.Infof("Stream rule configured: %s", rule)
	return nil
}

// StatusError is returned by OpenStream when the endpoint answers with
// anything other than 200
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stream connect failed: %d %s", e.StatusCode, e.Body)
}

// OpenStream connects to the filtered stream. The caller owns the returned
// body and must close it.
func (c *Client) OpenStream(ctx context.Context) (io.ReadCloser, error) {
	resp, err := c.stream.R().
		SetContext(ctx).
		SetQueryParams(StreamParams).
		SetDoNotParseResponse(true).
		Get("/tweets/search/stream")
	if err != nil {
		return nil, err
	}

	body := resp.RawBody()
	if resp.StatusCode() != http.StatusOK {
		defer body.Close()
		data, _ := io.ReadAll(io.LimitReader(body, 500))
		return nil, &StatusError{StatusCode: resp.StatusCode(), Body: string(data)}
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
