// Package storage persists sessions and votes behind gorm. Membership and
// host reassignment live in one session row, so a session update is a single
// atomic write.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/watchvote/server/internal/domain"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema. Safe to call on every boot.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&sessionRow{}, &voteRow{})
}

type sessionRow struct {
	ID               string `gorm:"primaryKey;size:36"`
	Name             string
	HostID           string `gorm:"index"`
	State            string
	Participants     []domain.Participant `gorm:"serializer:json"`
	CurrentRound     int
	MaxRounds        int
	CurrentMediaID   string
	PlaybackPosition int64
	IsPlaying        bool
	SelectedMediaID  string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
}

func (sessionRow) TableName() string { return "sessions" }

type voteRow struct {
	ID         string `gorm:"primaryKey;size:36"`
	SessionID  string `gorm:"index;uniqueIndex:idx_votes_cast"`
	UserID     string `gorm:"uniqueIndex:idx_votes_cast"`
	Round      int    `gorm:"uniqueIndex:idx_votes_cast"`
	MediaID    string `gorm:"uniqueIndex:idx_votes_cast"`
	MediaTitle string
	CreatedAt  time.Time
}

func (voteRow) TableName() string { return "votes" }

func toSessionRow(s *domain.Session) sessionRow {
	return sessionRow{
		ID:               s.ID,
		Name:             s.Name,
		HostID:           s.HostID,
		State:            string(s.State),
		Participants:     s.Participants,
		CurrentRound:     s.CurrentRound,
		MaxRounds:        s.MaxRounds,
		CurrentMediaID:   s.CurrentMediaID,
		PlaybackPosition: s.PlaybackPosition,
		IsPlaying:        s.IsPlaying,
		SelectedMediaID:  s.SelectedMediaID,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
		CompletedAt:      s.CompletedAt,
	}
}

func fromSessionRow(r sessionRow) *domain.Session {
	return &domain.Session{
		ID:               r.ID,
		Name:             r.Name,
		HostID:           r.HostID,
		State:            domain.SessionState(r.State),
		Participants:     r.Participants,
		CurrentRound:     r.CurrentRound,
		MaxRounds:        r.MaxRounds,
		CurrentMediaID:   r.CurrentMediaID,
		PlaybackPosition: r.PlaybackPosition,
		IsPlaying:        r.IsPlaying,
		SelectedMediaID:  r.SelectedMediaID,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		CompletedAt:      r.CompletedAt,
	}
}

func (s *Store) CreateSession(ctx context.Context, sess *domain.Session) error {
	row := toSessionRow(sess)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return fromSessionRow(row), nil
}

// UpdateSession writes the whole session row inside one transaction.
func (s *Store) UpdateSession(ctx context.Context, sess *domain.Session) error {
	row := toSessionRow(sess)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&sessionRow{}).Where("id = ?", row.ID).Select("*").Updates(row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrSessionNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return err
		}
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

func (s *Store) CreateVote(ctx context.Context, v *domain.Vote) error {
	row := voteRow{
		ID:         v.ID,
		SessionID:  v.SessionID,
		UserID:     v.UserID,
		Round:      v.Round,
		MediaID:    v.MediaID,
		MediaTitle: v.MediaTitle,
		CreatedAt:  v.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrDuplicateVote
		}
		return fmt.Errorf("create vote: %w", err)
	}
	return nil
}

// DeleteVote removes one cast vote. Deleting an absent row is not an error,
// keeping revoke idempotent under client retries.
func (s *Store) DeleteVote(ctx context.Context, sessionID, userID string, round int, mediaID string) error {
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND user_id = ? AND round = ? AND media_id = ?", sessionID, userID, round, mediaID).
		Delete(&voteRow{}).Error
	if err != nil {
		return fmt.Errorf("delete vote: %w", err)
	}
	return nil
}

// ListVotes returns the round's votes ordered by cast time. The ordering is
// load-bearing: result ranking breaks ties by earliest first vote.
func (s *Store) ListVotes(ctx context.Context, sessionID string, round int) ([]domain.Vote, error) {
	var rows []voteRow
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND round = ?", sessionID, round).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	votes := make([]domain.Vote, 0, len(rows))
	for _, r := range rows {
		votes = append(votes, domain.Vote{
			ID:         r.ID,
			SessionID:  r.SessionID,
			UserID:     r.UserID,
			Round:      r.Round,
			MediaID:    r.MediaID,
			MediaTitle: r.MediaTitle,
			CreatedAt:  r.CreatedAt,
		})
	}
	return votes, nil
}
