package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nuwa/skyeye-bot/internal/models"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// MaxFavoriteTargets bounds a requester's ranked target list
const MaxFavoriteTargets = 10

// GormStore implements StorageInterface on MySQL or SQLite
type GormStore struct {
	db *gorm.DB
}

// Ensure GormStore implements StorageInterface
var _ StorageInterface = (*GormStore)(nil)

// Open connects to the database selected by driver ("mysql" or "sqlite")
func Open(driver, dsn string) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.New(logrus.StandardLogger(), logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Error,
			IgnoreRecordNotFoundError: true,
		}),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	if driver == "sqlite" {
		// In-memory databases exist per connection
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetMaxIdleConns(25)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	}

	logrus.Infof("Connected to %s database", driver)
	return &GormStore{db: db}, nil
}

// NewGormStore wraps an existing connection
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates or updates every table
func (s *GormStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(models.AllTables()...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Ping checks the database connection
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection pool
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) exists(ctx context.Context, model interface{}, query string, args ...interface{}) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(model).Where(query, args...).Limit(1).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// IsMentionProcessed reports whether a record exists for tweetID
func (s *GormStore) IsMentionProcessed(ctx context.Context, tweetID string) (bool, error) {
	return s.exists(ctx, &models.ProcessedMention{}, "tweet_id = ?", tweetID)
}

// IsThreadRequesterProcessed reports whether authorID already has a
// completed insult in the thread. Mentions outside a thread never match.
func (s *GormStore) IsThreadRequesterProcessed(ctx context.Context, threadRootID, authorID string) (bool, error) {
	if threadRootID == "" {
		return false, nil
	}
	return s.exists(ctx, &models.ProcessedMention{},
		"thread_root_id = ? AND author_id = ? AND trigger_type = ? AND status = ?",
		threadRootID, authorID, models.TriggerInsult, models.StatusCompleted)
}

// CreateMention inserts a new record. A duplicate tweet_id yields
// ErrAlreadyProcessed.
func (s *GormStore) CreateMention(ctx context.Context, record *models.ProcessedMention) error {
	if record.TargetHandle != nil {
		lower := strings.ToLower(*record.TargetHandle)
		record.TargetHandle = &lower
	}
	if record.Status == "" {
		record.Status = models.StatusProcessing
	}

	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		if isDuplicate(err) {
			return ErrAlreadyProcessed
		}
		return fmt.Errorf("failed to create mention record: %w", err)
	}
	return nil
}

// CompleteMention marks the record completed. Empty values leave the
// corresponding column untouched.
func (s *GormStore) CompleteMention(ctx context.Context, tweetID, replyTweetID, replyText string) error {
	updates := map[string]interface{}{
		"status":       models.StatusCompleted,
		"processed_at": time.Now().UTC(),
	}
	if replyTweetID != "" {
		updates["reply_tweet_id"] = replyTweetID
	}
	if replyText != "" {
		updates["reply_text"] = replyText
	}
	return s.updateMention(ctx, tweetID, updates)
}

// FailMention marks the record failed with errorMessage
func (s *GormStore) FailMention(ctx context.Context, tweetID, errorMessage string) error {
	updates := map[string]interface{}{
		"status":       models.StatusFailed,
		"processed_at": time.Now().UTC(),
	}
	if errorMessage != "" {
		updates["error_message"] = errorMessage
	}
	return s.updateMention(ctx, tweetID, updates)
}

func (s *GormStore) updateMention(ctx context.Context, tweetID string, updates map[string]interface{}) error {
	result := s.db.WithContext(ctx).Model(&models.ProcessedMention{}).Where("tweet_id = ?", tweetID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update mention %s: %w", tweetID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMention loads the record for tweetID
func (s *GormStore) GetMention(ctx context.Context, tweetID string) (*models.ProcessedMention, error) {
	var record models.ProcessedMention
	if err := s.db.WithContext(ctx).Where("tweet_id = ?", tweetID).First(&record).Error; err != nil {
		return nil, notFound(err)
	}
	return &record, nil
}

// IsTweetRoasted reports whether the proactive scheduler already targeted tweetID
func (s *GormStore) IsTweetRoasted(ctx context.Context, tweetID string) (bool, error) {
	return s.exists(ctx, &models.ActiveRoastRecord{}, "tweet_id = ?", tweetID)
}

// CreateActiveRoast records a proactive roast
func (s *GormStore) CreateActiveRoast(ctx context.Context, record *models.ActiveRoastRecord) error {
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		if isDuplicate(err) {
			return ErrAlreadyProcessed
		}
		return fmt.Errorf("failed to create active roast record: %w", err)
	}
	return nil
}

// GetRoastProfile loads the profile of handle
func (s *GormStore) GetRoastProfile(ctx context.Context, handle string) (*models.RoastProfile, error) {
	var profile models.RoastProfile
	if err := s.db.WithContext(ctx).Where("target_handle = ?", strings.ToLower(handle)).First(&profile).Error; err != nil {
		return nil, notFound(err)
	}
	return &profile, nil
}

// UpdateRoastProfileAfterRoast bumps the target's counters and recomputes
// the distinct requester count from completed insult records
func (s *GormStore) UpdateRoastProfileAfterRoast(ctx context.Context, handle string) (*models.RoastProfile, error) {
	handle = strings.ToLower(handle)
	db := s.db.WithContext(ctx)

	profile := models.RoastProfile{TargetHandle: handle}
	if err := db.Where(models.RoastProfile{TargetHandle: handle}).FirstOrCreate(&profile).Error; err != nil {
		if !isDuplicate(err) {
			return nil, fmt.Errorf("failed to load roast profile: %w", err)
		}
		// Lost the create race to another worker
		if err := db.Where("target_handle = ?", handle).First(&profile).Error; err != nil {
			return nil, fmt.Errorf("failed to load roast profile: %w", err)
		}
	}

	var roasters int64
	if err := db.Model(&models.ProcessedMention{}).
		Where("target_handle = ? AND trigger_type = ? AND status = ?", handle, models.TriggerInsult, models.StatusCompleted).
		Distinct("author_id").
		Count(&roasters).Error; err != nil {
		return nil, fmt.Errorf("failed to count roasters: %w", err)
	}

	now := time.Now().UTC()
	if err := db.Model(&models.RoastProfile{}).Where("id = ?", profile.ID).Updates(map[string]interface{}{
		"roast_count":      gorm.Expr("roast_count + 1"),
		"unique_roasters":  roasters,
		"last_roasted_at":  now,
		"first_roasted_at": gorm.Expr("COALESCE(first_roasted_at, ?)", now),
	}).Error; err != nil {
		return nil, fmt.Errorf("failed to update roast profile: %w", err)
	}

	return s.GetRoastProfile(ctx, handle)
}

// UpdateRequesterAfterRoast bumps the requester's count and re-ranks the
// favorite target list
func (s *GormStore) UpdateRequesterAfterRoast(ctx context.Context, userID, username, targetHandle string) (*models.RequesterProfile, error) {
	targetHandle = strings.ToLower(targetHandle)
	db := s.db.WithContext(ctx)

	profile := models.RequesterProfile{UserID: userID, Username: username}
	if err := db.Where(models.RequesterProfile{UserID: userID}).Attrs(models.RequesterProfile{Username: username}).FirstOrCreate(&profile).Error; err != nil {
		if !isDuplicate(err) {
			return nil, fmt.Errorf("failed to load requester profile: %w", err)
		}
		if err := db.Where("user_id = ?", userID).First(&profile).Error; err != nil {
			return nil, fmt.Errorf("failed to load requester profile: %w", err)
		}
	}

	profile.Username = username
	profile.FavoriteTargets = RankFavoriteTargets(profile.FavoriteTargets, targetHandle)
	if err := db.Model(&profile).Select("username", "favorite_targets").Updates(&profile).Error; err != nil {
		return nil, fmt.Errorf("failed to update requester profile: %w", err)
	}
	if err := db.Model(&models.RequesterProfile{}).Where("id = ?", profile.ID).
		UpdateColumn("request_count", gorm.Expr("request_count + 1")).Error; err != nil {
		return nil, fmt.Errorf("failed to update requester profile: %w", err)
	}

	return s.GetRequesterProfile(ctx, userID)
}

// RankFavoriteTargets counts one more roast of handle, orders by count
// descending keeping the prior order among ties, and keeps the top entries
func RankFavoriteTargets(current []models.FavoriteTarget, handle string) []models.FavoriteTarget {
	targets := make([]models.FavoriteTarget, 0, len(current)+1)
	found := false
	for _, t := range current {
		if t.Handle == handle {
			t.Count++
			found = true
		}
		targets = append(targets, t)
	}
	if !found {
		targets = append(targets, models.FavoriteTarget{Handle: handle, Count: 1})
	}

	sort.SliceStable(targets, func(i, j int) bool {
		return targets[i].Count > targets[j].Count
	})

	if len(targets) > MaxFavoriteTargets {
		targets = targets[:MaxFavoriteTargets]
	}
	return targets
}

// RecordRevengeRelation adds one attack from attacker to victim
func (s *GormStore) RecordRevengeRelation(ctx context.Context, attacker, victim string) (*models.RevengeRelation, error) {
	attacker = strings.ToLower(attacker)
	victim = strings.ToLower(victim)
	now := time.Now().UTC()

	relation := models.RevengeRelation{
		AttackerHandle: attacker,
		VictimHandle:   victim,
		AttackCount:    1,
		LastAttackAt:   now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "attacker_handle"}, {Name: "victim_handle"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"attack_count":   gorm.Expr("attack_count + 1"),
			"last_attack_at": now,
		}),
	}).Create(&relation).Error
	if err != nil {
		return nil, fmt.Errorf("failed to record revenge relation: %w", err)
	}

	return s.GetRevengeRelation(ctx, attacker, victim)
}

// GetRevengeRelation loads the attacker to victim edge
func (s *GormStore) GetRevengeRelation(ctx context.Context, attacker, victim string) (*models.RevengeRelation, error) {
	var relation models.RevengeRelation
	err := s.db.WithContext(ctx).
		Where("attacker_handle = ? AND victim_handle = ?", strings.ToLower(attacker), strings.ToLower(victim)).
		First(&relation).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &relation, nil
}

// GetLeaderboard returns profiles ordered by roast count plus the total
func (s *GormStore) GetLeaderboard(ctx context.Context, limit, offset int) ([]models.RoastProfile, int64, error) {
	db := s.db.WithContext(ctx)

	var total int64
	if err := db.Model(&models.RoastProfile{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count roast profiles: %w", err)
	}

	profiles := []models.RoastProfile{}
	if err := db.Order("roast_count DESC").Order("target_handle ASC").Offset(offset).Limit(limit).Find(&profiles).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to load leaderboard: %w", err)
	}
	return profiles, total, nil
}

// GetRecentRoastsForTarget lists the latest completed insults against handle
func (s *GormStore) GetRecentRoastsForTarget(ctx context.Context, handle string, limit int) ([]models.RecentRoast, error) {
	var records []models.ProcessedMention
	err := s.db.WithContext(ctx).
		Where("target_handle = ? AND trigger_type = ? AND status = ?", strings.ToLower(handle), models.TriggerInsult, models.StatusCompleted).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load recent roasts: %w", err)
	}

	roasts := make([]models.RecentRoast, 0, len(records))
	for _, r := range records {
		text := ""
		if r.ReplyText != nil {
			text = truncateRunes(*r.ReplyText, 200)
		}
		roasts = append(roasts, models.RecentRoast{Roaster: r.AuthorUsername, Text: text, At: r.CreatedAt})
	}
	return roasts, nil
}

// GetRequesterProfile loads the profile of userID
func (s *GormStore) GetRequesterProfile(ctx context.Context, userID string) (*models.RequesterProfile, error) {
	var profile models.RequesterProfile
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&profile).Error; err != nil {
		return nil, notFound(err)
	}
	return &profile, nil
}

// GetRoastsByRequester pages through the completed insults requested by userID
func (s *GormStore) GetRoastsByRequester(ctx context.Context, userID string, limit, offset int) ([]models.ProcessedMention, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.ProcessedMention{}).
		Where("author_id = ? AND trigger_type = ? AND status = ?", userID, models.TriggerInsult, models.StatusCompleted).
		Session(&gorm.Session{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count roasts: %w", err)
	}

	records := []models.ProcessedMention{}
	if err := query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&records).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to load roasts: %w", err)
	}
	return records, total, nil
}

// GetGlobalStats aggregates totals and the top victim and roaster
func (s *GormStore) GetGlobalStats(ctx context.Context) (*models.GlobalStats, error) {
	db := s.db.WithContext(ctx)
	stats := &models.GlobalStats{}

	if err := db.Model(&models.ProcessedMention{}).
		Where("trigger_type = ? AND status = ?", models.TriggerInsult, models.StatusCompleted).
		Count(&stats.TotalRoasts).Error; err != nil {
		return nil, fmt.Errorf("failed to count roasts: %w", err)
	}
	if err := db.Model(&models.RoastProfile{}).Count(&stats.TotalTargets).Error; err != nil {
		return nil, fmt.Errorf("failed to count targets: %w", err)
	}
	if err := db.Model(&models.RequesterProfile{}).Count(&stats.TotalRequesters).Error; err != nil {
		return nil, fmt.Errorf("failed to count requesters: %w", err)
	}

	var victim models.RoastProfile
	if err := db.Order("roast_count DESC").First(&victim).Error; err == nil {
		stats.TopVictim = &models.HandleCount{Handle: victim.TargetHandle, Count: victim.RoastCount}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load top victim: %w", err)
	}

	var roaster models.RequesterProfile
	if err := db.Order("request_count DESC").First(&roaster).Error; err == nil {
		stats.TopRoaster = &models.HandleCount{Handle: roaster.Username, Count: roaster.RequestCount}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load top roaster: %w", err)
	}

	return stats, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// isDuplicate recognizes unique violations whether or not the driver
// translated them
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "Duplicate entry")
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
