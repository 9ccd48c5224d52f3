package domain

import "errors"

var ErrAuth = errors.New("invalid or expired credentials")
var ErrSessionNotFound = errors.New("session not found")
var ErrSessionEnded = errors.New("session already ended")
var ErrNotSessionMember = errors.New("not a session member")
var ErrNotSessionHost = errors.New("not the session host")
var ErrInvalidState = errors.New("operation not valid in current session state")
var ErrDuplicateVote = errors.New("duplicate vote for media in this round")
var ErrMaxVotesReached = errors.New("max votes per round reached")
