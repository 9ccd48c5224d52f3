package storage

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/watchvote/server/internal/domain"
)

// Memory is an in-memory Store used by unit tests and as a reference for the
// persistence contract. It copies on the way in and out so callers never
// share mutable state with the store.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session
	votes    []domain.Vote
}

func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]domain.Session)}
}

func copySession(s domain.Session) domain.Session {
	s.Participants = slices.Clone(s.Participants)
	if s.CompletedAt != nil {
		at := *s.CompletedAt
		s.CompletedAt = &at
	}
	return s
}

func (m *Memory) CreateSession(ctx context.Context, sess *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = copySession(*sess)
	return nil
}

func (m *Memory) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	out := copySession(s)
	return &out, nil
}

func (m *Memory) UpdateSession(ctx context.Context, sess *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sess.ID]; !ok {
		return domain.ErrSessionNotFound
	}
	m.sessions[sess.ID] = copySession(*sess)
	return nil
}

func (m *Memory) CreateVote(ctx context.Context, v *domain.Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.votes {
		if existing.SessionID == v.SessionID && existing.UserID == v.UserID &&
			existing.Round == v.Round && existing.MediaID == v.MediaID {
			return domain.ErrDuplicateVote
		}
	}
	m.votes = append(m.votes, *v)
	return nil
}

func (m *Memory) DeleteVote(ctx context.Context, sessionID, userID string, round int, mediaID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.votes = slices.DeleteFunc(m.votes, func(v domain.Vote) bool {
		return v.SessionID == sessionID && v.UserID == userID && v.Round == round && v.MediaID == mediaID
	})
	return nil
}

func (m *Memory) ListVotes(ctx context.Context, sessionID string, round int) ([]domain.Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Vote
	for _, v := range m.votes {
		if v.SessionID == sessionID && v.Round == round {
			out = append(out, v)
		}
	}
	slices.SortStableFunc(out, func(a, b domain.Vote) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}
