// Package registry owns the process-local map of live, authenticated
// connections. A single loop goroutine consumes typed messages from an inbox,
// so the connection map needs no locking; everything else talks to the
// registry by sending messages.
package registry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/watchvote/server/internal/fanout"
	"github.com/watchvote/server/pkg/types"
)

type Msg interface{ isRegistryMsg() }

// Register installs a connection for a user. A prior live connection for the
// same user on this process is superseded: its outbox is closed and the
// socket handler tears it down.
type Register struct {
	ConnID string
	UserID string
	Outbox chan types.ServerMessage
}

type Unregister struct{ ConnID string }

type Heartbeat struct{ ConnID string }

// SetSession records which session a connection is participating in, scoping
// it into session broadcasts.
type SetSession struct {
	ConnID    string
	SessionID string
}

type ClearSession struct{ ConnID string }

type Send struct {
	UserID  string
	Message types.ServerMessage
}

type Broadcast struct {
	SessionID string
	Message   types.ServerMessage
	Exclude   []string
	// fromFanout marks messages received from another process; they are
	// delivered locally but never republished.
	fromFanout bool
}

type bindDisconnect struct{ fn DisconnectFunc }

// Sweep forces a liveness pass outside the ticker cadence; test-only.
type Sweep struct{}

// GetView reflects internal state without data races; test-only.
type GetView struct{ Reply chan View }

type Shutdown struct{}

func (Register) isRegistryMsg()       {}
func (Unregister) isRegistryMsg()     {}
func (Heartbeat) isRegistryMsg()      {}
func (SetSession) isRegistryMsg()     {}
func (ClearSession) isRegistryMsg()   {}
func (Send) isRegistryMsg()           {}
func (Broadcast) isRegistryMsg()      {}
func (bindDisconnect) isRegistryMsg() {}
func (Sweep) isRegistryMsg()          {}
func (GetView) isRegistryMsg()        {}
func (Shutdown) isRegistryMsg()       {}

type View struct {
	NumClients int
	Sessions   map[string]string // userID -> sessionID
	Pending    map[string]int    // userID -> buffered message count
}

// DisconnectFunc is invoked after a connection is removed for any reason
// other than an explicit supersede, so membership cleanup can run.
type DisconnectFunc func(userID, sessionID string)

type client struct {
	connID        string
	userID        string
	sessionID     string
	outbox        chan types.ServerMessage
	lastHeartbeat time.Time
}

type Options struct {
	PendingCap       int
	SweepEvery       time.Duration
	HeartbeatTimeout time.Duration
}

type Registry struct {
	inbox        chan Msg
	byUser       map[string]*client
	byConn       map[string]*client
	pending      map[string][]types.ServerMessage
	bus          fanout.Bus
	channel      string
	origin       string
	onDisconnect DisconnectFunc
	opts         Options
	log          *zap.Logger

	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
}

func New(parent context.Context, bus fanout.Bus, channel string, opts Options, log *zap.Logger) *Registry {
	if opts.PendingCap <= 0 {
		opts.PendingCap = 32
	}
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = 30 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 60 * time.Second
	}
	ctx, cancel := context.WithCancel(parent)
	r := &Registry{
		inbox:   make(chan Msg, 256),
		byUser:  make(map[string]*client),
		byConn:  make(map[string]*client),
		pending: make(map[string][]types.ServerMessage),
		bus:     bus,
		channel: channel,
		origin:  uuid.NewString(),
		opts:    opts,
		log:     log,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
	go r.loop()
	return r
}

func (r *Registry) Inbox() chan<- Msg { return r.inbox }

// BindDisconnect wires the membership-cleanup callback; routed through the
// inbox so the loop goroutine owns the field.
func (r *Registry) BindDisconnect(fn DisconnectFunc) { r.inbox <- bindDisconnect{fn: fn} }

func (r *Registry) SendToUser(userID string, msg types.ServerMessage) {
	r.inbox <- Send{UserID: userID, Message: msg}
}

// BroadcastToSession delivers to every local connection in the session and
// republishes over the fan-out bus so other processes do the same. This is
// the only path by which a session-wide event reaches all participants.
func (r *Registry) BroadcastToSession(sessionID string, msg types.ServerMessage, exclude ...string) {
	r.inbox <- Broadcast{SessionID: sessionID, Message: msg, Exclude: exclude}
}

// HandleFanout feeds envelopes from the bus subscription back into the loop.
// The process's own publishes come back around and are dropped by origin.
func (r *Registry) HandleFanout(env fanout.Envelope) {
	if env.Origin == r.origin {
		return
	}
	r.inbox <- Broadcast{SessionID: env.SessionID, Message: env.Message, Exclude: env.Exclude, fromFanout: true}
}

func (r *Registry) loop() {
	sweep := time.NewTicker(r.opts.SweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case <-sweep.C:
			r.sweepStale()

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Register:
				r.register(msg)

			case Unregister:
				if c, ok := r.byConn[msg.ConnID]; ok {
					r.drop(c, true)
				}

			case Heartbeat:
				if c, ok := r.byConn[msg.ConnID]; ok {
					c.lastHeartbeat = r.now()
				}

			case SetSession:
				if c, ok := r.byConn[msg.ConnID]; ok {
					c.sessionID = msg.SessionID
				}

			case ClearSession:
				if c, ok := r.byConn[msg.ConnID]; ok {
					c.sessionID = ""
				}

			case Send:
				r.sendToUser(msg.UserID, msg.Message)

			case Broadcast:
				r.deliverLocal(msg)
				if !msg.fromFanout {
					r.republish(msg)
				}

			case bindDisconnect:
				r.onDisconnect = msg.fn

			case Sweep:
				r.sweepStale()

			case GetView:
				view := View{
					NumClients: len(r.byUser),
					Sessions:   make(map[string]string, len(r.byUser)),
					Pending:    make(map[string]int, len(r.pending)),
				}
				for id, c := range r.byUser {
					view.Sessions[id] = c.sessionID
				}
				for id, buf := range r.pending {
					view.Pending[id] = len(buf)
				}
				msg.Reply <- view

			case Shutdown:
				r.shutdown()
				return
			}
		}
	}
}

func (r *Registry) register(msg Register) {
	if prior, ok := r.byUser[msg.UserID]; ok {
		// Last connection wins; the closed outbox tells the old
		// handler it was superseded. No disconnect callback: the user
		// is still here.
		close(prior.outbox)
		delete(r.byConn, prior.connID)
		r.log.Debug("connection superseded",
			zap.String("user_id", msg.UserID),
			zap.String("old_conn", prior.connID),
			zap.String("new_conn", msg.ConnID))
	}

	c := &client{
		connID:        msg.ConnID,
		userID:        msg.UserID,
		outbox:        msg.Outbox,
		lastHeartbeat: r.now(),
	}
	r.byUser[msg.UserID] = c
	r.byConn[msg.ConnID] = c

	// Flush anything buffered while the user was away, in order. If the
	// new connection stalls mid-flush, the undelivered tail stays queued.
	buf := r.pending[msg.UserID]
	for i, buffered := range buf {
		if !r.trySend(c, buffered) {
			r.pending[msg.UserID] = buf[i:]
			return
		}
	}
	delete(r.pending, msg.UserID)
}

func (r *Registry) sendToUser(userID string, msg types.ServerMessage) {
	if c, ok := r.byUser[userID]; ok {
		r.trySend(c, msg)
		return
	}
	buf := append(r.pending[userID], msg)
	if over := len(buf) - r.opts.PendingCap; over > 0 {
		buf = buf[over:]
	}
	r.pending[userID] = buf
}

func (r *Registry) deliverLocal(msg Broadcast) {
	for _, c := range r.byUser {
		if c.sessionID != msg.SessionID {
			continue
		}
		excluded := false
		for _, id := range msg.Exclude {
			if id == c.userID {
				excluded = true
				break
			}
		}
		if !excluded {
			r.trySend(c, msg.Message)
		}
	}
}

func (r *Registry) republish(msg Broadcast) {
	env := fanout.Envelope{
		Origin:    r.origin,
		SessionID: msg.SessionID,
		Exclude:   msg.Exclude,
		Message:   msg.Message,
	}
	// Off-loop: a slow bus must never stall connection handling.
	go func() {
		ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
		defer cancel()
		if err := r.bus.Publish(ctx, r.channel, env); err != nil {
			r.log.Warn("fanout publish failed",
				zap.String("session_id", msg.SessionID),
				zap.Error(err))
		}
	}()
}

// trySend writes without blocking. A full outbox means the client is too
// slow to keep up; it is dropped and treated as disconnected, the same as a
// failed socket write.
func (r *Registry) trySend(c *client, msg types.ServerMessage) bool {
	select {
	case c.outbox <- msg:
		return true
	default:
		r.log.Warn("dropping slow client", zap.String("user_id", c.userID))
		r.drop(c, true)
		return false
	}
}

func (r *Registry) sweepStale() {
	cutoff := r.now().Add(-r.opts.HeartbeatTimeout)
	for _, c := range r.byUser {
		if c.lastHeartbeat.Before(cutoff) {
			r.log.Info("heartbeat timeout",
				zap.String("user_id", c.userID),
				zap.Time("last_heartbeat", c.lastHeartbeat))
			r.drop(c, true)
		}
	}
}

func (r *Registry) drop(c *client, notify bool) {
	if current, ok := r.byConn[c.connID]; !ok || current != c {
		return
	}
	close(c.outbox)
	delete(r.byConn, c.connID)
	delete(r.byUser, c.userID)
	if notify && r.onDisconnect != nil && c.sessionID != "" {
		// Off-loop: the callback broadcasts back through this inbox.
		go r.onDisconnect(c.userID, c.sessionID)
	}
}

func (r *Registry) shutdown() {
	for _, c := range r.byUser {
		close(c.outbox)
	}
	clear(r.byUser)
	clear(r.byConn)
	r.cancel()
}
