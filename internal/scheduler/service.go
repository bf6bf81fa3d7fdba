// Package scheduler runs the bot's periodic jobs: the proactive roast loop
// and the cron-driven activity report.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/nuwa/skyeye-bot/internal/config"
	"github.com/nuwa/skyeye-bot/internal/models"
	"github.com/nuwa/skyeye-bot/internal/notifications"
	"github.com/nuwa/skyeye-bot/internal/storage"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// ReportLeaderboardSize is the number of targets listed in a report
const ReportLeaderboardSize = 10

// Service handles scheduling of activity reports
type Service struct {
	config        *config.Config
	store         storage.StorageInterface
	notifications notifications.NotificationInterface
	cron          *cron.Cron
}

// NewService creates a new scheduler service
func NewService(cfg *config.Config, store storage.StorageInterface, notificationService notifications.NotificationInterface) (*Service, error) {
	location := time.UTC
	if cfg.TimeZone != "" {
		loc, err := time.LoadLocation(cfg.TimeZone)
		if err != nil {
			return nil, fmt.Errorf("invalid time zone %q: %w", cfg.TimeZone, err)
		}
		location = loc
	}

	return &Service{
		config:        cfg,
		store:         store,
		notifications: notificationService,
		cron:          cron.New(cron.WithSeconds(), cron.WithLocation(location)),
	}, nil
}

// CronExpression maps a report schedule onto a cron expression. "off" and
// unknown schedules yield "".
func CronExpression(schedule string) string {
	switch schedule {
	case "daily":
		// Run daily at 9 AM
		return "0 0 9 * * *"
	case "weekly":
		// Run weekly on Monday at 9 AM
		return "0 0 9 * * MON"
	default:
		return ""
	}
}

// Start begins the scheduled reports
func (s *Service) Start() error {
	expression := CronExpression(s.config.ReportSchedule)
	if expression == "" {
		logrus.Info("Report schedule is off, scheduler not started")
		return nil
	}
	if !s.config.NotificationsEnabled() {
		logrus.Info("No notification channel configured, scheduler not started")
		return nil
	}

	_, err := s.cron.AddFunc(expression, func() {
		logrus.Infof("Starting scheduled %s report", s.config.ReportSchedule)
		if err := s.SendReport(context.Background(), s.config.ReportSchedule); err != nil {
			logrus.Errorf("Scheduled report failed: %v", err)
		}
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	logrus.Infof("Scheduler started with %s schedule", s.config.ReportSchedule)
	return nil
}

// Stop stops the scheduler and waits for a running report to finish
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
		logrus.Info("Scheduler stopped")
	}
}

// BuildReport assembles the global stats and the top of the leaderboard
func (s *Service) BuildReport(ctx context.Context, period string) (*models.Report, error) {
	stats, err := s.store.GetGlobalStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load stats: %w", err)
	}

	leaderboard, _, err := s.store.GetLeaderboard(ctx, ReportLeaderboardSize, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load leaderboard: %w", err)
	}

	return &models.Report{
		GeneratedAt: time.Now().UTC(),
		Period:      period,
		Stats:       *stats,
		Leaderboard: leaderboard,
	}, nil
}

// SendReport builds a report and sends it via the notification service
func (s *Service) SendReport(ctx context.Context, period string) error {
	report, err := s.BuildReport(ctx, period)
	if err != nil {
		return err
	}

	logrus.Infof("Sending %s report: %d roasts, %d targets", period, report.Stats.TotalRoasts, report.Stats.TotalTargets)
	return s.notifications.SendReport(report)
}
