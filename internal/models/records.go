package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProcessedMention is the durable record of a mention accepted for processing.
// tweet_id is unique: one record per mention, ever.
type ProcessedMention struct {
	ID             string           `json:"id" gorm:"type:varchar(36);primaryKey"`
	TweetID        string           `json:"tweet_id" gorm:"size:64;not null;uniqueIndex"`
	AuthorID       string           `json:"author_id" gorm:"size:64;not null;index:ix_processed_mentions_thread_requester,priority:2"`
	AuthorUsername string           `json:"author_username" gorm:"size:64;not null"`
	TweetText      string           `json:"tweet_text" gorm:"type:text;not null"`
	ThreadRootID   *string          `json:"thread_root_id" gorm:"size:64;index:ix_processed_mentions_thread_requester,priority:1;index:ix_processed_mentions_thread_target,priority:1"`
	TriggerType    TriggerType      `json:"trigger_type" gorm:"size:32;not null"`
	TargetHandle   *string          `json:"target_handle" gorm:"size:64;index:ix_processed_mentions_thread_target,priority:2"` // lower-cased, insult only
	Status         ProcessingStatus `json:"status" gorm:"size:32;not null;default:pending;index"`
	ReplyTweetID   *string          `json:"reply_tweet_id" gorm:"size:64"`
	ReplyText      *string          `json:"reply_text" gorm:"type:text"`
	ErrorMessage   *string          `json:"error_message" gorm:"type:text"`
	CreatedAt      time.Time        `json:"created_at" gorm:"index"`
	ProcessedAt    *time.Time       `json:"processed_at"`
}

// TableName overrides the table name
func (ProcessedMention) TableName() string {
	return "processed_mentions"
}

// BeforeCreate assigns the surrogate id
func (p *ProcessedMention) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// ActiveRoastRecord marks a timeline post the proactive scheduler already targeted
type ActiveRoastRecord struct {
	ID             string    `json:"id" gorm:"type:varchar(36);primaryKey"`
	TweetID        string    `json:"tweet_id" gorm:"size:64;not null;uniqueIndex"`
	AuthorID       string    `json:"author_id" gorm:"size:64;not null;index"`
	AuthorUsername string    `json:"author_username" gorm:"size:64;not null"`
	RoastContent   string    `json:"roast_content" gorm:"type:text;not null"`
	ReplyTweetID   *string   `json:"reply_tweet_id" gorm:"size:64"`
	CreatedAt      time.Time `json:"created_at"`
}

// TableName overrides the table name
func (ActiveRoastRecord) TableName() string {
	return "active_roast_records"
}

// BeforeCreate assigns the surrogate id
func (a *ActiveRoastRecord) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

// RoastProfile is the per-target aggregate (one per insulted handle)
type RoastProfile struct {
	ID             string     `json:"-" gorm:"type:varchar(36);primaryKey"`
	TargetHandle   string     `json:"handle" gorm:"size:64;not null;uniqueIndex"`
	TargetUserID   *string    `json:"-" gorm:"size:64"`
	RoastCount     int        `json:"roast_count" gorm:"not null;default:0;index"`
	UniqueRoasters int        `json:"unique_roasters" gorm:"not null;default:0"`
	FirstRoastedAt *time.Time `json:"first_roasted_at"`
	LastRoastedAt  *time.Time `json:"last_roasted_at" gorm:"index"`
	RoastThemes    []string   `json:"roast_themes" gorm:"serializer:json;type:text"`
	CreatedAt      time.Time  `json:"-"`
	UpdatedAt      time.Time  `json:"-"`
}

// TableName overrides the table name
func (RoastProfile) TableName() string {
	return "roast_profiles"
}

// BeforeCreate assigns the surrogate id
func (r *RoastProfile) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// RequesterProfile is the per-requester aggregate
type RequesterProfile struct {
	ID              string           `json:"-" gorm:"type:varchar(36);primaryKey"`
	UserID          string           `json:"user_id" gorm:"size:64;not null;uniqueIndex"`
	Username        string           `json:"username" gorm:"size:64;not null"`
	RequestCount    int              `json:"request_count" gorm:"not null;default:0;index"`
	FavoriteTargets []FavoriteTarget `json:"favorite_targets" gorm:"serializer:json;type:text"` // top 10 by count
	CreatedAt       time.Time        `json:"-"`
	UpdatedAt       time.Time        `json:"-"`
}

// TableName overrides the table name
func (RequesterProfile) TableName() string {
	return "requester_profiles"
}

// BeforeCreate assigns the surrogate id
func (r *RequesterProfile) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// RevengeRelation records that attacker had victim insulted, attack_count times
type RevengeRelation struct {
	ID             string    `json:"-" gorm:"type:varchar(36);primaryKey"`
	AttackerHandle string    `json:"attacker_handle" gorm:"size:64;not null;uniqueIndex:uq_revenge_attacker_victim,priority:1;index"`
	VictimHandle   string    `json:"victim_handle" gorm:"size:64;not null;uniqueIndex:uq_revenge_attacker_victim,priority:2;index"`
	AttackCount    int       `json:"attack_count" gorm:"not null;default:1"`
	LastAttackAt   time.Time `json:"last_attack_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// TableName overrides the table name
func (RevengeRelation) TableName() string {
	return "revenge_relations"
}

// BeforeCreate assigns the surrogate id
func (r *RevengeRelation) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// AllTables lists every table for auto-migration
func AllTables() []interface{} {
	return []interface{}{
		&ProcessedMention{},
		&ActiveRoastRecord{},
		&RoastProfile{},
		&RequesterProfile{},
		&RevengeRelation{},
	}
}
