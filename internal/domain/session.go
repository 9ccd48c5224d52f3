package domain

import (
	"slices"
	"time"
)

type SessionState string

const (
	StateCreated   SessionState = "CREATED"
	StateWaiting   SessionState = "WAITING"
	StateVoting    SessionState = "VOTING"
	StateResults   SessionState = "RESULTS"
	StateCompleted SessionState = "COMPLETED"
	StateEnded     SessionState = "ENDED"
)

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateEnded
}

// Participant records a session member together with the time they joined.
// Join time drives host reassignment: when the host leaves, the earliest
// remaining joiner becomes the new host.
type Participant struct {
	UserID   string    `json:"userId"`
	JoinedAt time.Time `json:"joinedAt"`
}

type Session struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	HostID           string        `json:"hostId"`
	State            SessionState  `json:"state"`
	Participants     []Participant `json:"participants"`
	CurrentRound     int           `json:"currentRound"`
	MaxRounds        int           `json:"maxRounds"`
	CurrentMediaID   string        `json:"currentMediaId,omitempty"`
	PlaybackPosition int64         `json:"playbackPosition"` // milliseconds
	IsPlaying        bool          `json:"isPlaying"`
	SelectedMediaID  string        `json:"selectedMediaId,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
	CompletedAt      *time.Time    `json:"completedAt,omitempty"`
}

func (s *Session) HasParticipant(userID string) bool {
	return slices.ContainsFunc(s.Participants, func(p Participant) bool {
		return p.UserID == userID
	})
}

// AddParticipant appends userID if absent. Returns true if the set changed.
func (s *Session) AddParticipant(userID string, at time.Time) bool {
	if s.HasParticipant(userID) {
		return false
	}
	s.Participants = append(s.Participants, Participant{UserID: userID, JoinedAt: at})
	return true
}

// RemoveParticipant drops userID from the set. Returns true if the set changed.
func (s *Session) RemoveParticipant(userID string) bool {
	n := len(s.Participants)
	s.Participants = slices.DeleteFunc(s.Participants, func(p Participant) bool {
		return p.UserID == userID
	})
	return len(s.Participants) != n
}

// EarliestParticipant returns the member with the earliest join time, used for
// host reassignment. ok is false when the session is empty.
func (s *Session) EarliestParticipant() (string, bool) {
	if len(s.Participants) == 0 {
		return "", false
	}
	earliest := s.Participants[0]
	for _, p := range s.Participants[1:] {
		if p.JoinedAt.Before(earliest.JoinedAt) {
			earliest = p
		}
	}
	return earliest.UserID, true
}
