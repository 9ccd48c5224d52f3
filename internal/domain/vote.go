package domain

import "time"

type Vote struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	UserID     string    `json:"userId"`
	MediaID    string    `json:"mediaId"`
	MediaTitle string    `json:"mediaTitle"`
	Round      int       `json:"round"`
	CreatedAt  time.Time `json:"createdAt"`
}

// VoteResult is derived from the Vote rows of one (session, round) and is
// never persisted as a source of truth. VoterIDs are ordered by vote time,
// FirstVoteAt carries the tie-break key: equal counts are ordered by the
// earliest first vote for that media.
type VoteResult struct {
	MediaID     string    `json:"mediaId"`
	MediaTitle  string    `json:"mediaTitle"`
	VoteCount   int       `json:"voteCount"`
	VoterIDs    []string  `json:"voterIds"`
	FirstVoteAt time.Time `json:"firstVoteAt"`
}
