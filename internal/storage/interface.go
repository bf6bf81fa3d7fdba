package storage

import (
	"context"
	"errors"

	"github.com/nuwa/skyeye-bot/internal/models"
)

var (
	// ErrAlreadyProcessed is returned when a mention record already exists
	ErrAlreadyProcessed = errors.New("mention already processed")
	// ErrNotFound is returned when a lookup matches no row
	ErrNotFound = errors.New("record not found")
)

// StorageInterface defines the contract for durable storage operations.
// Every call is an independent short-lived statement; uniqueness is enforced
// by the database, not by the caller.
type StorageInterface interface {
	// Dedup and mention lifecycle
	IsMentionProcessed(ctx context.Context, tweetID string) (bool, error)
	IsThreadRequesterProcessed(ctx context.Context, threadRootID, authorID string) (bool, error)
	CreateMention(ctx context.Context, record *models.ProcessedMention) error
	CompleteMention(ctx context.Context, tweetID, replyTweetID, replyText string) error
	FailMention(ctx context.Context, tweetID, errorMessage string) error
	GetMention(ctx context.Context, tweetID string) (*models.ProcessedMention, error)

	// Proactive dedup
	IsTweetRoasted(ctx context.Context, tweetID string) (bool, error)
	CreateActiveRoast(ctx context.Context, record *models.ActiveRoastRecord) error

	// Enrichment aggregates
	GetRoastProfile(ctx context.Context, handle string) (*models.RoastProfile, error)
	UpdateRoastProfileAfterRoast(ctx context.Context, handle string) (*models.RoastProfile, error)
	UpdateRequesterAfterRoast(ctx context.Context, userID, username, targetHandle string) (*models.RequesterProfile, error)
	RecordRevengeRelation(ctx context.Context, attacker, victim string) (*models.RevengeRelation, error)
	GetRevengeRelation(ctx context.Context, attacker, victim string) (*models.RevengeRelation, error)

	// Read side
	GetLeaderboard(ctx context.Context, limit, offset int) ([]models.RoastProfile, int64, error)
	GetRecentRoastsForTarget(ctx context.Context, handle string, limit int) ([]models.RecentRoast, error)
	GetRequesterProfile(ctx context.Context, userID string) (*models.RequesterProfile, error)
	GetRoastsByRequester(ctx context.Context, userID string, limit, offset int) ([]models.ProcessedMention, int64, error)
	GetGlobalStats(ctx context.Context) (*models.GlobalStats, error)

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
