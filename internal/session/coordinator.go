// Package session owns the session state machine. All mutations go through
// the Coordinator, which persists the resulting state and broadcasts a full
// snapshot so out-of-order fan-out delivery stays harmless.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/watchvote/server/internal/domain"
	"github.com/watchvote/server/pkg/types"
)

type Store interface {
	CreateSession(ctx context.Context, s *domain.Session) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	UpdateSession(ctx context.Context, s *domain.Session) error
}

// Results computes the vote standings for one round; implemented by the
// tally. The coordinator never touches vote rows directly.
type Results interface {
	CalculateResults(ctx context.Context, sessionID string, round int) ([]domain.VoteResult, error)
}

type Broadcaster interface {
	BroadcastToSession(sessionID string, msg types.ServerMessage, exclude ...string)
	SendToUser(userID string, msg types.ServerMessage)
}

type Coordinator struct {
	store     Store
	results   Results
	broadcast Broadcaster
	log       *zap.Logger

	now   func() time.Time
	newID func() string
}

func NewCoordinator(store Store, results Results, broadcast Broadcaster, log *zap.Logger) *Coordinator {
	return &Coordinator{
		store:     store,
		results:   results,
		broadcast: broadcast,
		log:       log,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

func (c *Coordinator) Create(ctx context.Context, hostID, name string, maxRounds int) (*domain.Session, error) {
	if maxRounds < 1 {
		return nil, fmt.Errorf("maxRounds must be >= 1, got %d", maxRounds)
	}
	now := c.now().UTC()
	sess := &domain.Session{
		ID:           c.newID(),
		Name:         name,
		HostID:       hostID,
		State:        domain.StateCreated,
		Participants: []domain.Participant{{UserID: hostID, JoinedAt: now}},
		CurrentRound: 1,
		MaxRounds:    maxRounds,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	c.log.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("host_id", hostID),
		zap.Int("max_rounds", maxRounds))
	return sess, nil
}

// Join adds userID to the session. Joining a session you are already in is
// idempotent. The first non-host join moves CREATED to WAITING.
func (c *Coordinator) Join(ctx context.Context, sessionID, userID string) (*domain.Session, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State.Terminal() {
		return nil, domain.ErrSessionEnded
	}

	now := c.now().UTC()
	sess.AddParticipant(userID, now)
	transitioned := false
	if sess.State == domain.StateCreated && len(sess.Participants) >= 2 {
		sess.State = domain.StateWaiting
		transitioned = true
	}
	sess.UpdatedAt = now
	if err := c.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}

	c.broadcast.BroadcastToSession(sessionID, types.UserJoined(sess, userID))
	if transitioned {
		c.broadcast.BroadcastToSession(sessionID, types.SessionState(sess))
	}
	return sess, nil
}

// Leave removes userID. If the host leaves, the earliest remaining joiner
// becomes host; if nobody remains, the session ends. Membership removal and
// host reassignment commit in the same session write. Leaving a terminal
// session or a session you are not in is a no-op.
func (c *Coordinator) Leave(ctx context.Context, sessionID, userID string) (*domain.Session, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State.Terminal() {
		return sess, nil
	}
	if !sess.RemoveParticipant(userID) {
		return sess, nil
	}

	transitioned := false
	if len(sess.Participants) == 0 {
		sess.State = domain.StateEnded
		transitioned = true
	} else if sess.HostID == userID {
		newHost, _ := sess.EarliestParticipant()
		sess.HostID = newHost
		transitioned = true
		c.log.Info("host reassigned",
			zap.String("session_id", sessionID),
			zap.String("old_host", userID),
			zap.String("new_host", newHost))
	}
	sess.UpdatedAt = c.now().UTC()
	if err := c.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}

	c.broadcast.BroadcastToSession(sessionID, types.UserLeft(sess, userID))
	if transitioned {
		c.broadcast.BroadcastToSession(sessionID, types.SessionState(sess))
	}
	return sess, nil
}

// StartRound moves the session into VOTING. Only the host may start; a start
// from RESULTS advances the round counter.
func (c *Coordinator) StartRound(ctx context.Context, sessionID, callerID string) (*domain.Session, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State.Terminal() {
		return nil, domain.ErrSessionEnded
	}
	if sess.HostID != callerID {
		return nil, domain.ErrNotSessionHost
	}
	if sess.State != domain.StateWaiting && sess.State != domain.StateResults {
		return nil, domain.ErrInvalidState
	}
	if len(sess.Participants) < 2 {
		return nil, domain.ErrInvalidState
	}
	if sess.State == domain.StateResults {
		if sess.CurrentRound >= sess.MaxRounds {
			return nil, domain.ErrInvalidState
		}
		sess.CurrentRound++
	}
	sess.State = domain.StateVoting
	sess.UpdatedAt = c.now().UTC()
	if err := c.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}

	c.broadcast.BroadcastToSession(sessionID, types.SessionState(sess))
	return sess, nil
}

// FinalizeRound closes the current voting round on behalf of the host.
func (c *Coordinator) FinalizeRound(ctx context.Context, sessionID, callerID string) (*domain.Session, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State.Terminal() {
		return nil, domain.ErrSessionEnded
	}
	if sess.HostID != callerID {
		return nil, domain.ErrNotSessionHost
	}
	return c.finalize(ctx, sess)
}

// AutoFinalize closes the round without a host check, used by the tally once
// every participant has cast at least one vote.
func (c *Coordinator) AutoFinalize(ctx context.Context, sessionID string) error {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	_, err = c.finalize(ctx, sess)
	return err
}

func (c *Coordinator) finalize(ctx context.Context, sess *domain.Session) (*domain.Session, error) {
	if sess.State != domain.StateVoting {
		return nil, domain.ErrInvalidState
	}
	results, err := c.results.CalculateResults(ctx, sess.ID, sess.CurrentRound)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	final := sess.CurrentRound >= sess.MaxRounds
	if final {
		sess.State = domain.StateCompleted
		sess.CompletedAt = &now
		if len(results) > 0 {
			sess.SelectedMediaID = results[0].MediaID
		}
	} else {
		sess.State = domain.StateResults
	}
	sess.UpdatedAt = now
	if err := c.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}

	if final {
		c.broadcast.BroadcastToSession(sess.ID, types.Completed(sess, results))
	} else {
		c.broadcast.BroadcastToSession(sess.ID, types.VoteResults(sess, results))
	}
	c.broadcast.BroadcastToSession(sess.ID, types.SessionState(sess))
	c.log.Info("round finalized",
		zap.String("session_id", sess.ID),
		zap.Int("round", sess.CurrentRound),
		zap.Bool("final", final))
	return sess, nil
}

// End moves the session to ENDED from any non-terminal state, skipping
// result computation. Host only.
func (c *Coordinator) End(ctx context.Context, sessionID, callerID string) (*domain.Session, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State.Terminal() {
		return nil, domain.ErrSessionEnded
	}
	if sess.HostID != callerID {
		return nil, domain.ErrNotSessionHost
	}
	sess.State = domain.StateEnded
	sess.UpdatedAt = c.now().UTC()
	if err := c.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}

	c.broadcast.BroadcastToSession(sessionID, types.SessionState(sess))
	return sess, nil
}

// UpdatePlayback moves the shared playback pointer. Host only, so a single
// participant drives what everyone sees. The caller is excluded from the
// broadcast; it already has the state it sent.
func (c *Coordinator) UpdatePlayback(ctx context.Context, sessionID, callerID, mediaID string, position int64, playing bool) (*domain.Session, error) {
	if position < 0 {
		return nil, fmt.Errorf("playback position must be >= 0, got %d", position)
	}
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State.Terminal() && sess.State != domain.StateCompleted {
		return nil, domain.ErrSessionEnded
	}
	if sess.HostID != callerID {
		return nil, domain.ErrNotSessionHost
	}
	sess.CurrentMediaID = mediaID
	sess.PlaybackPosition = position
	sess.IsPlaying = playing
	sess.UpdatedAt = c.now().UTC()
	if err := c.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}

	c.broadcast.BroadcastToSession(sessionID, types.SessionState(sess), callerID)
	return sess, nil
}

// RecoverState returns the authoritative session plus the current round's
// standings. Read-only; reconnecting clients call this before replaying any
// queued mutations.
func (c *Coordinator) RecoverState(ctx context.Context, sessionID, userID string) (*domain.Session, []domain.VoteResult, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if !sess.HasParticipant(userID) {
		return nil, nil, domain.ErrNotSessionMember
	}
	results, err := c.results.CalculateResults(ctx, sessionID, sess.CurrentRound)
	if err != nil {
		return nil, nil, err
	}
	return sess, results, nil
}
