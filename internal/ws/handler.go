package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/watchvote/server/internal/auth"
	"github.com/watchvote/server/internal/domain"
	"github.com/watchvote/server/internal/registry"
	"github.com/watchvote/server/pkg/types"
)

// readTimeout bounds how long a connection may stay silent. Clients
// heartbeat well inside the 60s liveness window, so a silent socket this
// long is gone.
const readTimeout = 90 * time.Second

const writeTimeout = 3 * time.Second

// Coordinator is the slice of the session coordinator the socket layer
// dispatches into.
type Coordinator interface {
	Create(ctx context.Context, hostID, name string, maxRounds int) (*domain.Session, error)
	Join(ctx context.Context, sessionID, userID string) (*domain.Session, error)
	Leave(ctx context.Context, sessionID, userID string) (*domain.Session, error)
	StartRound(ctx context.Context, sessionID, callerID string) (*domain.Session, error)
	FinalizeRound(ctx context.Context, sessionID, callerID string) (*domain.Session, error)
	End(ctx context.Context, sessionID, callerID string) (*domain.Session, error)
	UpdatePlayback(ctx context.Context, sessionID, callerID, mediaID string, position int64, playing bool) (*domain.Session, error)
	RecoverState(ctx context.Context, sessionID, userID string) (*domain.Session, []domain.VoteResult, error)
}

type Tally interface {
	CastVote(ctx context.Context, sessionID, userID, mediaID, mediaTitle string) ([]domain.VoteResult, error)
	RevokeVote(ctx context.Context, sessionID, userID, mediaID string) ([]domain.VoteResult, error)
}

type Deps struct {
	Logger      *zap.Logger
	Resolver    auth.Resolver
	Registry    *registry.Registry
	Coordinator Coordinator
	Tally       Tally
}

// BearerToken pulls the credential from the query string (browser websocket
// clients cannot set headers) or the Authorization header.
func BearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return after
	}
	return ""
}

func Handler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := d.Resolver.Resolve(BearerToken(r))
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		connID := uuid.NewString()
		outbox := make(chan types.ServerMessage, 64)
		d.Registry.Inbox() <- registry.Register{ConnID: connID, UserID: userID, Outbox: outbox}
		defer func() { d.Registry.Inbox() <- registry.Unregister{ConnID: connID} }()

		log := d.Logger.With(zap.String("user_id", userID), zap.String("conn_id", connID))
		log.Debug("connection registered")

		// Writer goroutine: drains the outbox until the registry closes
		// it (shutdown, supersede, slow-client drop). Write failures are
		// an implicit disconnect; the reader notices when the socket dies.
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for msg := range outbox {
				payload, err := json.Marshal(msg)
				if err != nil {
					log.Warn("marshal server message", zap.Error(err))
					continue
				}
				ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
				writeErr := conn.Write(ctx, websocket.MessageText, payload)
				cancel()
				if writeErr != nil {
					return
				}
			}
			conn.Close(websocket.StatusNormalClosure, "superseded")
		}()

		// Reader loop.
		for {
			ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				return
			}

			msg, err := types.DecodeClientMessage(data)
			if err != nil {
				// Unparseable input gets a scoped error reply; the
				// connection stays open and nothing is broadcast.
				reply(d, connID, outbox, types.Error(err.Error()))
				continue
			}
			dispatch(r.Context(), d, connID, userID, msg, outbox)
		}
	}
}

// dispatch routes one decoded client message. Domain errors go back to the
// sender only; successful mutations broadcast via coordinator and tally.
func dispatch(ctx context.Context, d Deps, connID, userID string, m types.ClientMessage, outbox chan types.ServerMessage) {
	switch msg := m.(type) {
	case types.Heartbeat:
		d.Registry.Inbox() <- registry.Heartbeat{ConnID: connID}

	case types.Join:
		if _, err := d.Coordinator.Join(ctx, msg.SessionID, userID); err != nil {
			reply(d, connID, outbox, errorMessage(err))
			return
		}
		d.Registry.Inbox() <- registry.SetSession{ConnID: connID, SessionID: msg.SessionID}
		sess, results, err := d.Coordinator.RecoverState(ctx, msg.SessionID, userID)
		if err != nil {
			reply(d, connID, outbox, errorMessage(err))
			return
		}
		reply(d, connID, outbox, types.Snapshot(sess, results))

	case types.Leave:
		if _, err := d.Coordinator.Leave(ctx, msg.SessionID, userID); err != nil {
			reply(d, connID, outbox, errorMessage(err))
			return
		}
		d.Registry.Inbox() <- registry.ClearSession{ConnID: connID}

	case types.StartRound:
		if _, err := d.Coordinator.StartRound(ctx, msg.SessionID, userID); err != nil {
			reply(d, connID, outbox, errorMessage(err))
		}

	case types.FinalizeRound:
		if _, err := d.Coordinator.FinalizeRound(ctx, msg.SessionID, userID); err != nil {
			reply(d, connID, outbox, errorMessage(err))
		}

	case types.EndSession:
		if _, err := d.Coordinator.End(ctx, msg.SessionID, userID); err != nil {
			reply(d, connID, outbox, errorMessage(err))
		}

	case types.CastVote:
		if _, err := d.Tally.CastVote(ctx, msg.SessionID, userID, msg.MediaID, msg.MediaTitle); err != nil {
			reply(d, connID, outbox, errorMessage(err))
		}

	case types.RevokeVote:
		if _, err := d.Tally.RevokeVote(ctx, msg.SessionID, userID, msg.MediaID); err != nil {
			reply(d, connID, outbox, errorMessage(err))
		}

	case types.PlaybackUpdate:
		if _, err := d.Coordinator.UpdatePlayback(ctx, msg.SessionID, userID, msg.MediaID, msg.Position, msg.IsPlaying); err != nil {
			reply(d, connID, outbox, errorMessage(err))
		}
	}
}

// reply queues a message for this connection only. A full outbox means the
// client is not draining its writer; it is dropped as disconnected rather
// than silently losing the reply.
func reply(d Deps, connID string, outbox chan types.ServerMessage, msg types.ServerMessage) {
	select {
	case outbox <- msg:
	default:
		d.Registry.Inbox() <- registry.Unregister{ConnID: connID}
	}
}

func errorMessage(err error) types.ServerMessage {
	for _, known := range []error{
		domain.ErrSessionNotFound,
		domain.ErrSessionEnded,
		domain.ErrNotSessionMember,
		domain.ErrNotSessionHost,
		domain.ErrInvalidState,
		domain.ErrDuplicateVote,
		domain.ErrMaxVotesReached,
	} {
		if errors.Is(err, known) {
			return types.Error(known.Error())
		}
	}
	return types.Error("internal error")
}
