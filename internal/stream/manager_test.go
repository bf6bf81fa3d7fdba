package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nuwa/skyeye-bot/internal/archive"
	"github.com/nuwa/skyeye-bot/internal/config"
	"github.com/nuwa/skyeye-bot/internal/dispatch"
	"github.com/nuwa/skyeye-bot/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeOpener serves scripted responses, then fails every further attempt
type fakeOpener struct {
	mu        sync.Mutex
	calls     int
	responses []func() (io.ReadCloser, error)
}

func (f *fakeOpener) OpenStream(ctx context.Context) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.responses) == 0 {
		return nil, errors.New("stream connect failed: 503")
	}
	next := f.responses[0]
	f.responses = f.responses[1:]
	return next()
}

func body(lines ...string) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(strings.Join(lines, "\n") + "\n")), nil
	}
}

func failure() func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) { return nil, errors.New("connection refused") }
}

// recordingDispatcher records mentions and optionally blocks on release
type recordingDispatcher struct {
	mu       sync.Mutex
	mentions []*models.Mention
	inFlight int32
	peak     int32
	release  chan struct{}
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, m *models.Mention) dispatch.Outcome {
	n := atomic.AddInt32(&d.inFlight, 1)
	defer atomic.AddInt32(&d.inFlight, -1)
	for {
		peak := atomic.LoadInt32(&d.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&d.peak, peak, n) {
			break
		}
	}
	if d.release != nil {
		<-d.release
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.mentions = append(d.mentions, m)
	return dispatch.OutcomeCompleted
}

func (d *recordingDispatcher) ids() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.mentions))
	for _, m := range d.mentions {
		ids = append(ids, m.TweetID)
	}
	return ids
}

// MockArchiver is a mock implementation of archive.Archiver
type MockArchiver struct {
	mock.Mock
}

func (m *MockArchiver) Archive(ctx context.Context, tweetID string, receivedAt time.Time, raw []byte) error {
	args := m.Called(ctx, tweetID, receivedAt, raw)
	return args.Error(0)
}

func (m *MockArchiver) List(ctx context.Context, day time.Time) ([]string, error) {
	args := m.Called(ctx, day)
	names, _ := args.Get(0).([]string)
	return names, args.Error(1)
}

// MockNotificationService is a mock implementation of NotificationInterface
type MockNotificationService struct {
	mock.Mock
}

func (m *MockNotificationService) SendReport(report *models.Report) error {
	args := m.Called(report)
	return args.Error(0)
}

func (m *MockNotificationService) SendAlert(alert *models.Alert) error {
	args := m.Called(alert)
	return args.Error(0)
}

// sleepRecorder records backoff sleeps and cancels after the given count
type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
	limit  int
	cancel context.CancelFunc
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) bool {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	done := len(s.sleeps) >= s.limit
	s.mu.Unlock()
	if done {
		s.cancel()
		return false
	}
	return ctx.Err() == nil
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

func testConfig() *config.Config {
	return &config.Config{
		TwitterBotUserID:        "bot999",
		MaxConcurrentProcessing: 10,
		StreamBackoffMin:        time.Millisecond,
		StreamBackoffMax:        8 * time.Millisecond,
	}
}

func event(id, author string) string {
	return fmt.Sprintf(`{"data":{"id":"%s","author_id":"%s","text":"@bot 喷他"},"includes":{"users":[{"id":"%s","username":"user%s"}]}}`,
		id, author, author, author)
}

func run(t *testing.T, m *Manager, sleeps int) *sleepRecorder {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recorder := &sleepRecorder{limit: sleeps, cancel: cancel}
	m.sleep = recorder.sleep

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("stream manager did not stop")
	}
	m.Wait()
	return recorder
}

func TestManager_ConsumesEvents(t *testing.T) {
	opener := &fakeOpener{responses: []func() (io.ReadCloser, error){
		body(
			event("1", "u1"),
			"",
			"   ",
			"not json at all",
			`{"data":{"id":"2","author_id":"bot999","text":"self"}}`,
			`{"errors":[{"title":"operational-disconnect"}]}`,
			event("3", "u2"),
		),
	}}
	dispatcher := &recordingDispatcher{}
	m := NewManager(testConfig(), opener, dispatcher, nil, nil)

	run(t, m, 1)

	assert.ElementsMatch(t, []string{"1", "3"}, dispatcher.ids())

	status := m.Status()
	assert.Equal(t, StateDisconnected, status.State)
	assert.Equal(t, 1, status.Connects)
	assert.Equal(t, 1, status.Disconnects)
	assert.Equal(t, 4, status.Events)
	assert.Equal(t, 1, status.Malformed)
	assert.Equal(t, 2, status.Dropped)
	assert.Equal(t, 2, status.Dispatched)
}

func TestManager_SkipsOversizedLines(t *testing.T) {
	oversized := `{"data":"` + strings.Repeat("x", 2*maxLineSize) + `"}`

	tests := []struct {
		name  string
		lines []string
		ids   []string
	}{
		{
			name:  "Between events",
			lines: []string{event("1", "u1"), oversized, event("2", "u2")},
			ids:   []string{"1", "2"},
		},
		{
			name:  "Last line",
			lines: []string{event("1", "u1"), "\r", event("2", "u2"), oversized},
			ids:   []string{"1", "2"},
		},
		{
			name:  "First line",
			lines: []string{oversized, event("2", "u2")},
			ids:   []string{"2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opener := &fakeOpener{responses: []func() (io.ReadCloser, error){body(tt.lines...)}}
			dispatcher := &recordingDispatcher{}
			m := NewManager(testConfig(), opener, dispatcher, nil, nil)

			run(t, m, 1)

			assert.ElementsMatch(t, tt.ids, dispatcher.ids())

			status := m.Status()
			assert.Equal(t, 1, status.Connects)
			assert.Equal(t, 1, status.Disconnects)
			assert.Equal(t, 1, status.Malformed)
			assert.Equal(t, len(tt.ids), status.Dispatched)
		})
	}
}

func TestNewManager_ArchiveSelection(t *testing.T) {
	tests := []struct {
		name     string
		archiver archive.Archiver
		enabled  bool
	}{
		{name: "Nil", archiver: nil, enabled: false},
		{name: "Noop", archiver: archive.NoopArchive{}, enabled: false},
		{name: "Real", archiver: new(MockArchiver), enabled: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(testConfig(), &fakeOpener{}, &recordingDispatcher{}, tt.archiver, nil)
			assert.Equal(t, tt.enabled, m.archive != nil)
		})
	}
}

func TestManager_BackoffDoublesAndResets(t *testing.T) {
	opener := &fakeOpener{responses: []func() (io.ReadCloser, error){
		failure(), failure(), failure(), failure(), failure(),
		body(event("1", "u1")),
		failure(),
	}}
	m := NewManager(testConfig(), opener, &recordingDispatcher{}, nil, nil)

	recorder := run(t, m, 8)

	ms := time.Millisecond
	assert.Equal(t, []time.Duration{
		1 * ms, 2 * ms, 4 * ms, 8 * ms, 8 * ms, // capped
		1 * ms, // reset after a successful connect, then disconnect
		2 * ms,
		4 * ms,
	}, recorder.recorded())
}

func TestManager_AlertsOncePerOutage(t *testing.T) {
	cfg := testConfig()
	cfg.StreamAlertThreshold = 3

	notifier := new(MockNotificationService)
	notifier.On("SendAlert", mock.MatchedBy(func(a *models.Alert) bool {
		return a.Type == "critical" && strings.Contains(a.Message, "3 consecutive")
	})).Return(nil).Once()

	m := NewManager(cfg, &fakeOpener{}, &recordingDispatcher{}, nil, notifier)
	run(t, m, 6)

	notifier.AssertExpectations(t)
	notifier.AssertNumberOfCalls(t, "SendAlert", 1)
	assert.Equal(t, 6, m.Status().ConnectErrors)
}

func TestManager_AdmissionGate(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentProcessing = 2

	lines := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		lines = append(lines, event(fmt.Sprint(i), "u1"))
	}
	dispatcher := &recordingDispatcher{release: make(chan struct{})}
	m := NewManager(cfg, &fakeOpener{responses: []func() (io.ReadCloser, error){body(lines...)}}, dispatcher, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The read loop finishes the body while every unit is still blocked
	sleeping := make(chan struct{}, 1)
	m.sleep = func(ctx context.Context, d time.Duration) bool {
		select {
		case sleeping <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return false
	}

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case <-sleeping:
	case <-time.After(5 * time.Second):
		t.Fatal("read loop blocked on dispatch")
	}
	assert.Equal(t, 6, m.Status().Dispatched)

	close(dispatcher.release)
	require.Eventually(t, func() bool { return len(dispatcher.ids()) == 6 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	m.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&dispatcher.peak), int32(2))
}

func TestManager_ArchivesAcceptedEvents(t *testing.T) {
	archiver := new(MockArchiver)
	archiver.On("Archive", mock.Anything, "1", mock.Anything, mock.MatchedBy(func(raw []byte) bool {
		return strings.Contains(string(raw), `"id":"1"`)
	})).Return(errors.New("blob unavailable"))

	opener := &fakeOpener{responses: []func() (io.ReadCloser, error){
		body(event("1", "u1"), `{"data":{"id":"2","author_id":"bot999","text":"self"}}`),
	}}
	dispatcher := &recordingDispatcher{}
	m := NewManager(testConfig(), opener, dispatcher, archiver, nil)

	run(t, m, 1)

	archiver.AssertNumberOfCalls(t, "Archive", 1)
	assert.Equal(t, []string{"1"}, dispatcher.ids())
}

func TestManager_CancelDuringRead(t *testing.T) {
	reader, writer := io.Pipe()
	defer writer.Close()

	opener := &fakeOpener{responses: []func() (io.ReadCloser, error){
		func() (io.ReadCloser, error) { return reader, nil },
	}}
	dispatcher := &recordingDispatcher{}
	m := NewManager(testConfig(), opener, dispatcher, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	_, err := writer.Write([]byte(event("1", "u1") + "\n\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(dispatcher.ids()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnected, m.Status().State)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not unblock the read")
	}
	m.Wait()
	assert.Equal(t, StateDisconnected, m.Status().State)
}
