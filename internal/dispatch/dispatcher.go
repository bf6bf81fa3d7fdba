// Package dispatch processes one accepted mention end to end: dedup,
// intent, action, paced reply, persistence and enrichment.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nuwa/skyeye-bot/internal/config"
	"github.com/nuwa/skyeye-bot/internal/handlers"
	"github.com/nuwa/skyeye-bot/internal/intent"
	"github.com/nuwa/skyeye-bot/internal/models"
	"github.com/nuwa/skyeye-bot/internal/notifications"
	"github.com/nuwa/skyeye-bot/internal/storage"
	"github.com/sirupsen/logrus"
)

// IgnoredReplyText is stored for mentions with no recognizable intent
const IgnoredReplyText = "[ignored - unknown intent]"

// Outcome is the terminal result of one dispatch
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Replier posts replies
type Replier interface {
	CreateReply(ctx context.Context, parentID, text string) (string, error)
}

// Metrics holds dispatch counters
type Metrics struct {
	Received       int            `json:"received"`
	Skipped        int            `json:"skipped"`
	Ignored        int            `json:"ignored"`
	Completed      int            `json:"completed"`
	Failed         int            `json:"failed"`
	TriggerMetrics map[string]int `json:"trigger_metrics"`
	LastDispatch   time.Time      `json:"last_dispatch"`
}

// Dispatcher runs the per-mention state machine
// pending -> processing -> {completed, failed}
type Dispatcher struct {
	config        *config.Config
	store         storage.StorageInterface
	resolver      intent.Resolver
	replier       Replier
	imageLookup   handlers.ActionHandler
	insult        handlers.ActionHandler
	notifications notifications.NotificationInterface
	metrics       *Metrics
	mu            sync.RWMutex
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(
	cfg *config.Config,
	store storage.StorageInterface,
	resolver intent.Resolver,
	replier Replier,
	imageLookup handlers.ActionHandler,
	insult handlers.ActionHandler,
	notificationService notifications.NotificationInterface,
) *Dispatcher {
	return &Dispatcher{
		config:        cfg,
		store:         store,
		resolver:      resolver,
		replier:       replier,
		imageLookup:   imageLookup,
		insult:        insult,
		notifications: notificationService,
		metrics: &Metrics{
			TriggerMetrics: make(map[string]int),
		},
	}
}

// Dispatch processes m. It never panics on collaborator failures and never
// returns an error: failures end in the failed state.
func (d *Dispatcher) Dispatch(ctx context.Context, m *models.Mention) Outcome {
	log := logrus.WithFields(logrus.Fields{"tweet_id": m.TweetID, "author": m.AuthorUsername})
	outcome := d.dispatch(ctx, m, log)
	d.record(outcome)
	return outcome
}

func (d *Dispatcher) dispatch(ctx context.Context, m *models.Mention, log *logrus.Entry) Outcome {
	processed, err := d.store.IsMentionProcessed(ctx, m.TweetID)
	if err != nil {
		log.Errorf("Dedup check failed, dropping mention: %v", err)
		return OutcomeFailed
	}
	if processed {
		log.Debug("Mention already processed, skipping")
		return OutcomeSkipped
	}

	log.Info("Processing mention")

	result := d.resolver.Resolve(ctx, m.Text, m.HasImage())
	log.Infof("Intent: %s, confidence: %.2f", result.TriggerType, result.Confidence)
	d.countTrigger(result.TriggerType)

	target := ""
	if result.TriggerType == models.TriggerInsult {
		target = d.resolveTarget(m, result.TargetHandle)

		handled, err := d.store.IsThreadRequesterProcessed(ctx, m.ThreadRootID, m.AuthorID)
		if err != nil {
			log.Errorf("Thread dedup check failed, dropping mention: %v", err)
			return OutcomeFailed
		}
		if handled {
			log.Infof("Thread %s + requester %s already processed, skipping", m.ThreadRootID, m.AuthorID)
			return OutcomeSkipped
		}
	}

	record := &models.ProcessedMention{
		TweetID:        m.TweetID,
		AuthorID:       m.AuthorID,
		AuthorUsername: m.AuthorUsername,
		TweetText:      m.Text,
		TriggerType:    result.TriggerType,
		Status:         models.StatusProcessing,
		ThreadRootID:   optional(m.ThreadRootID),
		TargetHandle:   optional(target),
	}
	if err := d.store.CreateMention(ctx, record); err != nil {
		if errors.Is(err, storage.ErrAlreadyProcessed) {
			log.Debug("Lost insert race, mention already processed")
			return OutcomeSkipped
		}
		log.Errorf("Failed to create mention record: %v", err)
		return OutcomeFailed
	}

	var handler handlers.ActionHandler
	switch result.TriggerType {
	case models.TriggerImageLookup:
		handler = d.imageLookup
	case models.TriggerInsult:
		handler = d.insult
	default:
		log.Info("Unknown intent, ignoring")
		if err := d.store.CompleteMention(ctx, m.TweetID, "", IgnoredReplyText); err != nil {
			log.Errorf("Failed to complete ignored mention: %v", err)
		}
		return OutcomeIgnored
	}

	req := handlers.Request{Mention: m, TargetHandle: target}
	if target != "" {
		req.RoastCount, req.Revenge = d.history(ctx, target, m.AuthorUsername, log)
	}

	resp := handler.Handle(ctx, req)
	if !resp.Success {
		// Apologize right away; the reply pacing delay only applies to successful actions
		cause := resp.Err
		if cause == nil {
			cause = errors.New("action failed")
		}
		return d.fail(ctx, m, cause, resp.ReplyText, log)
	}

	delay := d.replyDelay()
	log.Infof("Waiting %.1fs before replying...", delay.Seconds())
	if err := sleep(ctx, delay); err != nil {
		return d.fail(ctx, m, err, "", log)
	}

	replyID, err := d.replier.CreateReply(ctx, m.TweetID, resp.ReplyText)
	if err != nil {
		return d.fail(ctx, m, err, handlers.ErrorReply(), log)
	}

	if err := d.store.CompleteMention(ctx, m.TweetID, replyID, resp.ReplyText); err != nil {
		// The reply is out but the record stays in processing
		log.Errorf("Replied as %s but failed to persist completion: %v", replyID, err)
		return OutcomeFailed
	}
	log.Infof("Successfully replied to mention as %s", replyID)

	if result.TriggerType == models.TriggerInsult && target != "" {
		d.enrich(ctx, m, target, log)
	}
	return OutcomeCompleted
}

// resolveTarget canonicalizes the resolver's target, falling back to the
// user being replied to. The bot itself is never a target.
func (d *Dispatcher) resolveTarget(m *models.Mention, fromText string) string {
	for _, candidate := range []string{fromText, m.ReplyToUsername} {
		handle := m.CanonicalHandle(candidate)
		if handle != "" && !strings.EqualFold(handle, d.config.TwitterBotUsername) {
			return handle
		}
	}
	return ""
}

// history reads the target's roast count and any revenge edge. Failures
// only cost the decoration.
func (d *Dispatcher) history(ctx context.Context, target, requester string, log *logrus.Entry) (int, *models.RevengeRelation) {
	roastCount := 0
	profile, err := d.store.GetRoastProfile(ctx, target)
	switch {
	case err == nil:
		roastCount = profile.RoastCount
	case !errors.Is(err, storage.ErrNotFound):
		log.Warnf("Failed to load roast profile of %s: %v", target, err)
	}

	revenge, err := d.store.GetRevengeRelation(ctx, target, requester)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Warnf("Failed to load revenge relation %s -> %s: %v", target, requester, err)
		}
		revenge = nil
	}
	return roastCount, revenge
}

// enrich updates the three aggregates independently
func (d *Dispatcher) enrich(ctx context.Context, m *models.Mention, target string, log *logrus.Entry) {
	if _, err := d.store.UpdateRoastProfileAfterRoast(ctx, target); err != nil {
		log.Errorf("Failed to update roast profile of %s: %v", target, err)
	}
	if _, err := d.store.UpdateRequesterAfterRoast(ctx, m.AuthorID, m.AuthorUsername, target); err != nil {
		log.Errorf("Failed to update requester profile of %s: %v", m.AuthorID, err)
	}
	if _, err := d.store.RecordRevengeRelation(ctx, m.AuthorUsername, target); err != nil {
		log.Errorf("Failed to record revenge relation %s -> %s: %v", m.AuthorUsername, target, err)
	}
}

// fail records the failure, posts apology when non-empty and alerts
func (d *Dispatcher) fail(ctx context.Context, m *models.Mention, cause error, apology string, log *logrus.Entry) Outcome {
	log.Errorf("Failed to process mention: %v", cause)

	// Record the failure even when ctx was cancelled
	persistCtx := context.WithoutCancel(ctx)
	if err := d.store.FailMention(persistCtx, m.TweetID, cause.Error()); err != nil {
		log.Errorf("Failed to persist failed status: %v", err)
	}

	if apology != "" && ctx.Err() == nil {
		if _, err := d.replier.CreateReply(ctx, m.TweetID, apology); err != nil {
			log.Errorf("Failed to send error reply: %v", err)
		}
	}

	if d.notifications != nil {
		alert := &models.Alert{
			ID:        uuid.NewString(),
			Type:      "urgent",
			Title:     "Mention processing failed",
			Message:   fmt.Sprintf("Mention %s from @%s failed: %v", m.TweetID, m.AuthorUsername, cause),
			Mention:   m,
			CreatedAt: time.Now().UTC(),
		}
		if err := d.notifications.SendAlert(alert); err != nil {
			log.Warnf("Failed to send failure alert: %v", err)
		}
	}
	return OutcomeFailed
}

func (d *Dispatcher) replyDelay() time.Duration {
	lo, hi := d.config.ReplyDelayMin, d.config.ReplyDelayMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (d *Dispatcher) countTrigger(trigger models.TriggerType) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metrics.TriggerMetrics[string(trigger)]++
}

func (d *Dispatcher) record(outcome Outcome) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.metrics.Received++
	d.metrics.LastDispatch = time.Now()
	switch outcome {
	case OutcomeSkipped:
		d.metrics.Skipped++
	case OutcomeIgnored:
		d.metrics.Ignored++
	case OutcomeCompleted:
		d.metrics.Completed++
	case OutcomeFailed:
		d.metrics.Failed++
	}
}

// GetMetrics returns a copy of the current counters
func (d *Dispatcher) GetMetrics() Metrics {
	d.mu.RLock()
	defer d.mu.RUnlock()

	metrics := *d.metrics
	metrics.TriggerMetrics = make(map[string]int, len(d.metrics.TriggerMetrics))
	for k, v := range d.metrics.TriggerMetrics {
		metrics.TriggerMetrics[k] = v
	}
	return metrics
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
