package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/nuwa/skyeye-bot/internal/config"
	"github.com/nuwa/skyeye-bot/internal/handlers"
	"github.com/nuwa/skyeye-bot/internal/lock"
	"github.com/nuwa/skyeye-bot/internal/models"
	"github.com/nuwa/skyeye-bot/internal/storage"
	"github.com/nuwa/skyeye-bot/internal/upstream"
	"github.com/sirupsen/logrus"
)

// ProactiveLockKey is the lease shared by all bot instances
const ProactiveLockKey = "skyeye:active-roast"

// Timeline reads the bot's home timeline and replies to posts
type Timeline interface {
	GetHomeTimeline(ctx context.Context, limit int) ([]models.PostSummary, error)
	CreateReply(ctx context.Context, parentID, text string) (string, error)
}

// RunOutcome describes what one proactive iteration did
type RunOutcome string

const (
	OutcomeBusy         RunOutcome = "busy"
	OutcomeLocked       RunOutcome = "locked"
	OutcomeNoCandidates RunOutcome = "no_candidates"
	OutcomeRoastFailed  RunOutcome = "roast_failed"
	OutcomeReplyFailed  RunOutcome = "reply_failed"
	OutcomeRoasted      RunOutcome = "roasted"
)

// RunResult is the result of one proactive iteration
type RunResult struct {
	Outcome        RunOutcome `json:"outcome"`
	TweetID        string     `json:"tweet_id,omitempty"`
	TargetUsername string     `json:"target_username,omitempty"`
	ReplyTweetID   string     `json:"reply_tweet_id,omitempty"`
}

// ProactiveMetrics holds proactive loop counters
type ProactiveMetrics struct {
	Runs       int                 `json:"runs"`
	Roasted    int                 `json:"roasted"`
	Errors     int                 `json:"errors"`
	Outcomes   map[string]int      `json:"outcomes"`
	LastRunAt  time.Time           `json:"last_run_at"`
	LastTarget *models.PostSummary `json:"last_target,omitempty"`
}

// Proactive periodically roasts a random post from the home timeline
type Proactive struct {
	config   *config.Config
	timeline Timeline
	api      upstream.API
	store    storage.StorageInterface
	locker   lock.Locker
	sleep    func(ctx context.Context, d time.Duration) bool

	running sync.Mutex
	mu      sync.RWMutex
	metrics ProactiveMetrics
}

// NewProactive creates a new proactive scheduler
func NewProactive(cfg *config.Config, timeline Timeline, api upstream.API, store storage.StorageInterface, locker lock.Locker) *Proactive {
	if locker == nil {
		locker = lock.NoopLocker{}
	}
	return &Proactive{
		config:   cfg,
		timeline: timeline,
		api:      api,
		store:    store,
		locker:   locker,
		sleep:    sleepCtx,
		metrics:  ProactiveMetrics{Outcomes: make(map[string]int)},
	}
}

// Run loops until ctx is cancelled: sleep a jittered interval, then run one
// iteration. An iteration that errors is followed by the recovery sleep.
func (p *Proactive) Run(ctx context.Context) error {
	if !p.config.ActiveRoastEnabled {
		logrus.Info("Active roast disabled, skipping...")
		return nil
	}

	logrus.Infof("Active roast started (interval=%s, jitter=±%s)", p.config.ActiveRoastInterval, p.config.ActiveRoastJitter)

	wait := p.nextInterval()
	for {
		logrus.Debugf("Active roast sleeping for %s", wait)
		if !p.sleep(ctx, wait) {
			logrus.Info("Active roast stopped")
			return nil
		}

		if _, err := p.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				logrus.Info("Active roast stopped")
				return nil
			}
			logrus.Errorf("Active roast error: %v", err)
			wait = p.config.ActiveRoastRecovery
			continue
		}
		wait = p.nextInterval()
	}
}

// RunOnce performs one iteration. Concurrent calls do not overlap: a call
// made while another is running returns OutcomeBusy.
func (p *Proactive) RunOnce(ctx context.Context) (*RunResult, error) {
	if !p.running.TryLock() {
		return &RunResult{Outcome: OutcomeBusy}, nil
	}
	defer p.running.Unlock()

	result, err := p.runOnce(ctx)
	p.record(result, err)
	return result, err
}

func (p *Proactive) runOnce(ctx context.Context) (*RunResult, error) {
	release, ok, err := p.locker.TryLock(ctx, ProactiveLockKey, p.leaseTTL())
	if err != nil {
		return nil, err
	}
	if !ok {
		logrus.Debug("Another instance holds the active roast lease, skipping")
		return &RunResult{Outcome: OutcomeLocked}, nil
	}
	// The lease is kept after a posted roast so other instances skip this interval
	posted := false
	defer func() {
		if !posted {
			release()
		}
	}()

	posts, err := p.timeline.GetHomeTimeline(ctx, p.config.ActiveRoastTimelineSize)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch home timeline: %w", err)
	}

	candidates, err := p.Candidates(ctx, posts)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		logrus.Debug("No valid candidates after filtering, skipping...")
		return &RunResult{Outcome: OutcomeNoCandidates}, nil
	}

	target := candidates[rand.Intn(len(candidates))]
	result := &RunResult{TweetID: target.TweetID, TargetUsername: target.AuthorUsername}
	log := logrus.WithFields(logrus.Fields{"tweet_id": target.TweetID, "target": target.AuthorUsername})
	log.Info("Active roast target selected")

	roast := p.api.Insult(ctx, target.AuthorUsername)
	if !roast.OK() || roast.Text == "" {
		log.Warnf("Roast failed (%s): %s", roast.Kind, roast.Error)
		result.Outcome = OutcomeRoastFailed
		return result, nil
	}

	replyID, err := p.timeline.CreateReply(ctx, target.TweetID, handlers.InsultReply(roast.Text, target.AuthorUsername))
	if err != nil {
		log.Errorf("Failed to send active roast reply: %v", err)
		result.Outcome = OutcomeReplyFailed
		return result, nil
	}
	posted = true
	result.Outcome = OutcomeRoasted
	result.ReplyTweetID = replyID
	log.Infof("Active roast sent: reply_id=%s", replyID)

	record := &models.ActiveRoastRecord{
		TweetID:        target.TweetID,
		AuthorID:       target.AuthorID,
		AuthorUsername: target.AuthorUsername,
		RoastContent:   roast.Text,
		ReplyTweetID:   &replyID,
	}
	if err := p.store.CreateActiveRoast(context.WithoutCancel(ctx), record); err != nil {
		if !errors.Is(err, storage.ErrAlreadyProcessed) {
			return result, fmt.Errorf("replied as %s but failed to record active roast: %w", replyID, err)
		}
		log.Warn("Active roast already recorded by another instance")
	}
	return result, nil
}

// Candidates filters out self-authored posts, reposts, replies and posts
// already roasted
func (p *Proactive) Candidates(ctx context.Context, posts []models.PostSummary) ([]models.PostSummary, error) {
	candidates := make([]models.PostSummary, 0, len(posts))
	for _, post := range posts {
		if post.AuthorID == p.config.TwitterBotUserID || post.IsRetweet || post.InReplyToUserID != "" {
			continue
		}

		roasted, err := p.store.IsTweetRoasted(ctx, post.TweetID)
		if err != nil {
			return nil, err
		}
		if roasted {
			continue
		}
		candidates = append(candidates, post)
	}
	return candidates, nil
}

func (p *Proactive) nextInterval() time.Duration {
	interval, jitter := p.config.ActiveRoastInterval, p.config.ActiveRoastJitter
	if jitter <= 0 {
		return interval
	}
	return interval + time.Duration(rand.Int63n(int64(2*jitter)+1)) - jitter
}

func (p *Proactive) leaseTTL() time.Duration {
	ttl := p.config.ActiveRoastInterval - p.config.ActiveRoastJitter
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (p *Proactive) record(result *RunResult, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.metrics.Runs++
	p.metrics.LastRunAt = time.Now()
	if err != nil {
		p.metrics.Errors++
	}
	if result == nil {
		return
	}
	p.metrics.Outcomes[string(result.Outcome)]++
	if result.Outcome == OutcomeRoasted {
		p.metrics.Roasted++
		p.metrics.LastTarget = &models.PostSummary{TweetID: result.TweetID, AuthorUsername: result.TargetUsername}
	}
}

// GetMetrics returns a copy of the proactive counters
func (p *Proactive) GetMetrics() ProactiveMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()

	metrics := p.metrics
	metrics.Outcomes = make(map[string]int, len(p.metrics.Outcomes))
	for k, v := range p.metrics.Outcomes {
		metrics.Outcomes[k] = v
	}
	return metrics
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
