package types

import "github.com/watchvote/server/internal/domain"

// Outbound envelope: { type, payload }. FanoutBus delivery order is
// best-effort, so every payload carries the full resulting session state
// rather than a delta; clients compare payload.session.updatedAt against
// their last applied message and ignore anything older.

const (
	ServerSessionState = "session:state"
	ServerUserJoined   = "session:userJoined"
	ServerUserLeft     = "session:userLeft"
	ServerVoteResults  = "session:voteResults"
	ServerCompleted    = "session:completed"
	ServerError        = "error"
)

type ServerMessage struct {
	Type    string        `json:"type"`
	Payload ServerPayload `json:"payload"`
}

type ServerPayload struct {
	Session *domain.Session     `json:"session,omitempty"`
	Results []domain.VoteResult `json:"results,omitempty"`
	UserID  string              `json:"userId,omitempty"`
	Message string              `json:"message,omitempty"`
}

func SessionState(s *domain.Session) ServerMessage {
	return ServerMessage{Type: ServerSessionState, Payload: ServerPayload{Session: s}}
}

// Snapshot is the recoverState reply: full session state plus the current
// round's standings.
func Snapshot(s *domain.Session, results []domain.VoteResult) ServerMessage {
	return ServerMessage{Type: ServerSessionState, Payload: ServerPayload{Session: s, Results: results}}
}

func UserJoined(s *domain.Session, userID string) ServerMessage {
	return ServerMessage{Type: ServerUserJoined, Payload: ServerPayload{Session: s, UserID: userID}}
}

func UserLeft(s *domain.Session, userID string) ServerMessage {
	return ServerMessage{Type: ServerUserLeft, Payload: ServerPayload{Session: s, UserID: userID}}
}

func VoteResults(s *domain.Session, results []domain.VoteResult) ServerMessage {
	return ServerMessage{Type: ServerVoteResults, Payload: ServerPayload{Session: s, Results: results}}
}

func Completed(s *domain.Session, results []domain.VoteResult) ServerMessage {
	return ServerMessage{Type: ServerCompleted, Payload: ServerPayload{Session: s, Results: results}}
}

func Error(message string) ServerMessage {
	return ServerMessage{Type: ServerError, Payload: ServerPayload{Message: message}}
}
