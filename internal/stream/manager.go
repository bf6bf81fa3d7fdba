// Package stream owns the long-lived filtered-stream connection.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nuwa/skyeye-bot/internal/archive"
	"github.com/nuwa/skyeye-bot/internal/config"
	"github.com/nuwa/skyeye-bot/internal/dispatch"
	"github.com/nuwa/skyeye-bot/internal/events"
	"github.com/nuwa/skyeye-bot/internal/models"
	"github.com/nuwa/skyeye-bot/internal/notifications"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/semaphore"
)

// maxLineSize bounds one framed event
const maxLineSize = 1 << 20

const readBufferSize = 64 * 1024

// archiveTimeout bounds one archive upload
const archiveTimeout = 30 * time.Second

// ErrStreamClosed is reported when the server ends the response body
var ErrStreamClosed = errors.New("stream closed by server")

// State is the connection state
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Opener opens one streaming response
type Opener interface {
	OpenStream(ctx context.Context) (io.ReadCloser, error)
}

// Dispatcher processes one mention
type Dispatcher interface {
	Dispatch(ctx context.Context, m *models.Mention) dispatch.Outcome
}

// Status is a snapshot of the manager for the metrics endpoint
type Status struct {
	State         State     `json:"state"`
	Connects      int       `json:"connects"`
	ConnectErrors int       `json:"connect_errors"`
	Disconnects   int       `json:"disconnects"`
	Events        int       `json:"events"`
	Malformed     int       `json:"malformed"`
	Dropped       int       `json:"dropped"`
	Dispatched    int       `json:"dispatched"`
	LastEventAt   time.Time `json:"last_event_at"`
}

// Manager connects, consumes framed events and reconnects with exponential
// backoff. Dispatch units run concurrently, bounded by an admission gate.
type Manager struct {
	config        *config.Config
	opener        Opener
	dispatcher    Dispatcher
	archive       archive.Archiver
	notifications notifications.NotificationInterface
	gate          *semaphore.Weighted
	sleep         func(ctx context.Context, d time.Duration) bool

	wg     sync.WaitGroup
	mu     sync.RWMutex
	status Status
}

// NewManager creates a new stream manager. archiver and notificationService may
// be nil. A NoopArchive disables archiving.
func NewManager(
	cfg *config.Config,
	opener Opener,
	dispatcher Dispatcher,
	archiver archive.Archiver,
	notificationService notifications.NotificationInterface,
) *Manager {
	// Nothing to upload for a discarding archive
	if _, ok := archiver.(archive.NoopArchive); ok {
		archiver = nil
	}
	capacity := cfg.MaxConcurrentProcessing
	if capacity < 1 {
		capacity = 1
	}
	return &Manager{
		config:        cfg,
		opener:        opener,
		dispatcher:    dispatcher,
		archive:       archiver,
		notifications: notificationService,
		gate:          semaphore.NewWeighted(int64(capacity)),
		sleep:         sleepCtx,
		status:        Status{State: StateDisconnected},
	}
}

// Run consumes the stream until ctx is cancelled. It never returns on its
// own; connection failures are logged and retried.
func (m *Manager) Run(ctx context.Context) error {
	logrus.Info("Starting stream manager...")

	backoff := m.config.StreamBackoffMin
	failures := 0

	for ctx.Err() == nil {
		m.setState(StateConnecting)
		body, err := m.opener.OpenStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			failures++
			m.update(func(s *Status) { s.ConnectErrors++ })
			logrus.Warnf("Stream connect failed (attempt %d): %v, retrying in %s", failures, err, backoff)
			if failures == m.config.StreamAlertThreshold {
				m.alertOutage(failures, err)
			}
		} else {
			failures = 0
			backoff = m.config.StreamBackoffMin
			m.update(func(s *Status) { s.Connects++ })
			m.setState(StateConnected)
			logrus.Info("Stream connected")

			err = m.consume(ctx, body)
			body.Close()
			if ctx.Err() != nil {
				break
			}
			m.update(func(s *Status) { s.Disconnects++ })
			logrus.Warnf("Stream disconnected: %v, reconnecting in %s", err, backoff)
		}

		m.setState(StateDisconnected)
		if !m.sleep(ctx, backoff) {
			break
		}
		backoff *= 2
		if backoff > m.config.StreamBackoffMax {
			backoff = m.config.StreamBackoffMax
		}
	}

	m.setState(StateDisconnected)
	logrus.Info("Stream manager stopped")
	return nil
}

// consume reads newline-framed events until the body fails or ends. A line
// longer than maxLineSize is counted as malformed and skipped.
func (m *Manager) consume(ctx context.Context, body io.ReadCloser) error {
	// Unblock a pending read on cancellation
	stop := context.AfterFunc(ctx, func() { body.Close() })
	defer stop()

	reader := bufio.NewReaderSize(body, readBufferSize)
	var (
		line     []byte
		oversize bool
	)
	for {
		chunk, err := reader.ReadSlice('\n')
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) && !errors.Is(err, io.EOF) {
			return fmt.Errorf("stream read failed: %w", err)
		}
		if !oversize && len(line)+len(chunk) > maxLineSize {
			oversize = true
		}
		if !oversize {
			line = append(line, chunk...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		switch {
		case oversize:
			m.update(func(s *Status) { s.Malformed++ })
			logrus.Warnf("Dropping stream line over %d bytes", maxLineSize)
		case len(bytes.TrimSpace(line)) == 0:
			// keep-alive
		default:
			m.handleLine(ctx, bytes.TrimRight(line, "\r\n"))
		}
		line, oversize = line[:0], false

		if err != nil {
			return ErrStreamClosed
		}
	}
}

func (m *Manager) handleLine(ctx context.Context, line []byte) {
	if !gjson.ValidBytes(line) {
		m.update(func(s *Status) { s.Malformed++ })
		logrus.Debugf("Dropping malformed stream line (%d bytes)", len(line))
		return
	}
	m.update(func(s *Status) {
		s.Events++
		s.LastEventAt = time.Now()
	})

	mention := events.Normalize(line, m.config.TwitterBotUserID)
	if mention == nil {
		m.update(func(s *Status) { s.Dropped++ })
		return
	}
	logrus.WithFields(logrus.Fields{
		"tweet_id": mention.TweetID,
		"author":   mention.AuthorUsername,
	}).Info("Received mention")

	// consume reuses the line buffer
	raw := append([]byte(nil), line...)
	if m.archive != nil {
		m.archiveEvent(mention.TweetID, raw)
	}
	m.schedule(ctx, mention)
}

// schedule runs one dispatch unit without blocking the read loop. Units
// queue for a free gate slot. Stopping the stream does not cancel units
// already scheduled.
func (m *Manager) schedule(ctx context.Context, mention *models.Mention) {
	m.update(func(s *Status) { s.Dispatched++ })

	unitCtx := context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.gate.Acquire(unitCtx, 1); err != nil {
			logrus.Warnf("Abandoning mention %s: %v", mention.TweetID, err)
			return
		}
		defer m.gate.Release(1)

		m.dispatcher.Dispatch(unitCtx, mention)
	}()
}

func (m *Manager) archiveEvent(tweetID string, raw []byte) {
	receivedAt := time.Now().UTC()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := m.archive.Archive(ctx, tweetID, receivedAt, raw); err != nil {
			logrus.Warnf("Failed to archive event %s: %v", tweetID, err)
		}
	}()
}

func (m *Manager) alertOutage(failures int, cause error) {
	if m.notifications == nil {
		return
	}
	alert := &models.Alert{
		ID:        uuid.NewString(),
		Type:      "critical",
		Title:     "Stream unavailable",
		Message:   fmt.Sprintf("%d consecutive stream connect failures, last error: %v", failures, cause),
		CreatedAt: time.Now().UTC(),
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.notifications.SendAlert(alert); err != nil {
			logrus.Warnf("Failed to send stream alert: %v", err)
		}
	}()
}

// Wait blocks until every scheduled dispatch, archive and alert unit has finished
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Status returns a snapshot of the connection counters
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Manager) setState(state State) {
	m.update(func(s *Status) { s.State = state })
}

func (m *Manager) update(fn func(s *Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.status)
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
