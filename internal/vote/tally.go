// Package vote owns vote records and result aggregation. Results are always
// recomputed from the persisted vote rows, never carried incrementally.
package vote

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/watchvote/server/internal/domain"
	"github.com/watchvote/server/pkg/types"
)

type Store interface {
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	CreateVote(ctx context.Context, v *domain.Vote) error
	DeleteVote(ctx context.Context, sessionID, userID string, round int, mediaID string) error
	ListVotes(ctx context.Context, sessionID string, round int) ([]domain.Vote, error)
}

type Broadcaster interface {
	BroadcastToSession(sessionID string, msg types.ServerMessage, exclude ...string)
}

// Finalizer closes a voting round without a host check, used when every
// participant has cast at least one vote.
type Finalizer interface {
	AutoFinalize(ctx context.Context, sessionID string) error
}

type Tally struct {
	store     Store
	broadcast Broadcaster
	finalizer Finalizer
	maxVotes  int
	log       *zap.Logger

	now   func() time.Time
	newID func() string
}

func NewTally(store Store, broadcast Broadcaster, maxVotesPerRound int, log *zap.Logger) *Tally {
	return &Tally{
		store:     store,
		broadcast: broadcast,
		maxVotes:  maxVotesPerRound,
		log:       log,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// BindFinalizer wires the coordinator in after construction; the coordinator
// needs the tally for results, so the cycle is broken here.
func (t *Tally) BindFinalizer(f Finalizer) { t.finalizer = f }

// CastVote records one vote for the session's current round and returns the
// recomputed results. When the vote completes the round (every participant
// has voted), the round is finalized automatically.
func (t *Tally) CastVote(ctx context.Context, sessionID, userID, mediaID, mediaTitle string) ([]domain.VoteResult, error) {
	sess, err := t.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State != domain.StateVoting {
		return nil, domain.ErrInvalidState
	}
	if !sess.HasParticipant(userID) {
		return nil, domain.ErrNotSessionMember
	}

	votes, err := t.store.ListVotes(ctx, sessionID, sess.CurrentRound)
	if err != nil {
		return nil, err
	}
	mine := 0
	for _, v := range votes {
		if v.UserID != userID {
			continue
		}
		if v.MediaID == mediaID {
			return nil, domain.ErrDuplicateVote
		}
		mine++
	}
	if mine >= t.maxVotes {
		return nil, domain.ErrMaxVotesReached
	}

	v := &domain.Vote{
		ID:         t.newID(),
		SessionID:  sessionID,
		UserID:     userID,
		MediaID:    mediaID,
		MediaTitle: mediaTitle,
		Round:      sess.CurrentRound,
		CreatedAt:  t.now().UTC(),
	}
	if err := t.store.CreateVote(ctx, v); err != nil {
		return nil, err
	}

	results, err := t.CalculateResults(ctx, sessionID, sess.CurrentRound)
	if err != nil {
		return nil, err
	}
	t.broadcast.BroadcastToSession(sessionID, types.VoteResults(sess, results))

	if t.finalizer != nil && t.allVoted(ctx, sess) {
		if err := t.finalizer.AutoFinalize(ctx, sessionID); err != nil && !errors.Is(err, domain.ErrInvalidState) {
			t.log.Warn("auto finalize failed",
				zap.String("session_id", sessionID),
				zap.Int("round", sess.CurrentRound),
				zap.Error(err))
		}
	}
	return results, nil
}

// RevokeVote deletes the matching vote if present. Revoking an absent vote is
// a no-op, so client retries converge on the same state.
func (t *Tally) RevokeVote(ctx context.Context, sessionID, userID, mediaID string) ([]domain.VoteResult, error) {
	sess, err := t.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State != domain.StateVoting {
		return nil, domain.ErrInvalidState
	}
	if !sess.HasParticipant(userID) {
		return nil, domain.ErrNotSessionMember
	}

	if err := t.store.DeleteVote(ctx, sessionID, userID, sess.CurrentRound, mediaID); err != nil {
		return nil, fmt.Errorf("revoke vote: %w", err)
	}

	results, err := t.CalculateResults(ctx, sessionID, sess.CurrentRound)
	if err != nil {
		return nil, err
	}
	t.broadcast.BroadcastToSession(sessionID, types.VoteResults(sess, results))
	return results, nil
}

// CalculateResults groups the round's votes by media, ordered by vote count
// descending. Ties break on the earliest first vote for the media, then on
// media id so the ordering is total.
func (t *Tally) CalculateResults(ctx context.Context, sessionID string, round int) ([]domain.VoteResult, error) {
	votes, err := t.store.ListVotes(ctx, sessionID, round)
	if err != nil {
		return nil, err
	}
	return Rank(votes), nil
}

// FinalWinner returns the top result of the session's final round. ok is
// false when no votes were cast.
func (t *Tally) FinalWinner(ctx context.Context, sessionID string) (domain.VoteResult, bool, error) {
	sess, err := t.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.VoteResult{}, false, err
	}
	results, err := t.CalculateResults(ctx, sessionID, sess.CurrentRound)
	if err != nil {
		return domain.VoteResult{}, false, err
	}
	if len(results) == 0 {
		return domain.VoteResult{}, false, nil
	}
	return results[0], true, nil
}

func (t *Tally) allVoted(ctx context.Context, sess *domain.Session) bool {
	votes, err := t.store.ListVotes(ctx, sess.ID, sess.CurrentRound)
	if err != nil {
		t.log.Warn("list votes for auto finalize", zap.String("session_id", sess.ID), zap.Error(err))
		return false
	}
	voted := make(map[string]bool, len(votes))
	for _, v := range votes {
		voted[v.UserID] = true
	}
	for _, p := range sess.Participants {
		if !voted[p.UserID] {
			return false
		}
	}
	return len(sess.Participants) > 0
}

// Rank aggregates votes into ordered results. Input must be ordered by cast
// time; the first occurrence of a media fixes its tie-break timestamp.
func Rank(votes []domain.Vote) []domain.VoteResult {
	byMedia := make(map[string]*domain.VoteResult)
	order := make([]string, 0)
	for _, v := range votes {
		r, ok := byMedia[v.MediaID]
		if !ok {
			r = &domain.VoteResult{
				MediaID:     v.MediaID,
				MediaTitle:  v.MediaTitle,
				FirstVoteAt: v.CreatedAt,
			}
			byMedia[v.MediaID] = r
			order = append(order, v.MediaID)
		}
		r.VoteCount++
		r.VoterIDs = append(r.VoterIDs, v.UserID)
	}

	results := make([]domain.VoteResult, 0, len(order))
	for _, id := range order {
		results = append(results, *byMedia[id])
	}
	slices.SortStableFunc(results, func(a, b domain.VoteResult) int {
		if a.VoteCount != b.VoteCount {
			return b.VoteCount - a.VoteCount
		}
		if c := a.FirstVoteAt.Compare(b.FirstVoteAt); c != 0 {
			return c
		}
		return strings.Compare(a.MediaID, b.MediaID)
	})
	return results
}
