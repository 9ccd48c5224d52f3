package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound envelope: { type, sessionId?, payload? }.
// The recognized kinds form a closed set; an unknown tag is a recoverable
// decode error answered to the sender, never a dropped connection.

var ErrUnknownMessageType = errors.New("unknown message type")
var ErrMissingSessionID = errors.New("missing sessionId")

type ClientMessage interface{ isClientMsg() }

type Join struct{ SessionID string }

type Leave struct{ SessionID string }

type StartRound struct{ SessionID string }

type FinalizeRound struct{ SessionID string }

type EndSession struct{ SessionID string }

type CastVote struct {
	SessionID  string
	MediaID    string
	MediaTitle string
}

type RevokeVote struct {
	SessionID string
	MediaID   string
}

type PlaybackUpdate struct {
	SessionID string
	MediaID   string
	Position  int64 // milliseconds
	IsPlaying bool
}

type Heartbeat struct{}

func (Join) isClientMsg()           {}
func (Leave) isClientMsg()          {}
func (StartRound) isClientMsg()     {}
func (FinalizeRound) isClientMsg()  {}
func (EndSession) isClientMsg()     {}
func (CastVote) isClientMsg()       {}
func (RevokeVote) isClientMsg()     {}
func (PlaybackUpdate) isClientMsg() {}
func (Heartbeat) isClientMsg()      {}

type clientEnvelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type castVotePayload struct {
	MediaID    string `json:"mediaId"`
	MediaTitle string `json:"mediaTitle"`
}

type revokeVotePayload struct {
	MediaID string `json:"mediaId"`
}

type playbackPayload struct {
	MediaID   string `json:"mediaId"`
	Position  int64  `json:"position"`
	IsPlaying bool   `json:"isPlaying"`
}

// DecodeClientMessage parses one inbound frame into its typed variant.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case "heartbeat":
		return Heartbeat{}, nil
	case "join":
		if env.SessionID == "" {
			return nil, ErrMissingSessionID
		}
		return Join{SessionID: env.SessionID}, nil
	case "leave":
		if env.SessionID == "" {
			return nil, ErrMissingSessionID
		}
		return Leave{SessionID: env.SessionID}, nil
	case "startRound":
		if env.SessionID == "" {
			return nil, ErrMissingSessionID
		}
		return StartRound{SessionID: env.SessionID}, nil
	case "finalizeRound":
		if env.SessionID == "" {
			return nil, ErrMissingSessionID
		}
		return FinalizeRound{SessionID: env.SessionID}, nil
	case "endSession":
		if env.SessionID == "" {
			return nil, ErrMissingSessionID
		}
		return EndSession{SessionID: env.SessionID}, nil
	case "castVote":
		if env.SessionID == "" {
			return nil, ErrMissingSessionID
		}
		var p castVotePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode castVote payload: %w", err)
		}
		if p.MediaID == "" {
			return nil, errors.New("castVote requires mediaId")
		}
		return CastVote{SessionID: env.SessionID, MediaID: p.MediaID, MediaTitle: p.MediaTitle}, nil
	case "revokeVote":
		if env.SessionID == "" {
			return nil, ErrMissingSessionID
		}
		var p revokeVotePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode revokeVote payload: %w", err)
		}
		if p.MediaID == "" {
			return nil, errors.New("revokeVote requires mediaId")
		}
		return RevokeVote{SessionID: env.SessionID, MediaID: p.MediaID}, nil
	case "playbackUpdate":
		if env.SessionID == "" {
			return nil, ErrMissingSessionID
		}
		var p playbackPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode playbackUpdate payload: %w", err)
		}
		return PlaybackUpdate{
			SessionID: env.SessionID,
			MediaID:   p.MediaID,
			Position:  p.Position,
			IsPlaying: p.IsPlaying,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
}
