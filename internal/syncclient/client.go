package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/watchvote/server/internal/domain"
)

// Server is the connection-facing contract the client replays against. Apply
// submits one queued mutation and returns the server's verdict.
type Server interface {
	RecoverState(ctx context.Context, sessionID, userID string) (Snapshot, error)
	Apply(ctx context.Context, userID string, m Mutation) error
}

// Client reconciles local state with the server. While offline it queues
// mutations as a pending overlay; on reconnect the server snapshot always
// wins, then the queue replays oldest-first.
type Client struct {
	store  *Store
	server Server

	sessionID string
	userID    string

	mu      sync.Mutex
	online  bool
	current *Snapshot
}

func NewClient(store *Store, server Server, sessionID, userID string) (*Client, error) {
	c := &Client{store: store, server: server, sessionID: sessionID, userID: userID}
	snap, ok, err := store.LoadSnapshot(sessionID)
	if err != nil {
		return nil, err
	}
	if ok {
		c.current = &snap
	}
	return c, nil
}

// Snapshot returns the last known authoritative state, surviving reloads via
// the durable store. ok is false before any state has been seen.
func (c *Client) Snapshot() (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Snapshot{}, false
	}
	return *c.current, true
}

// Pending returns the queued mutations, oldest first: the optimistic overlay
// a UI renders on top of the authoritative snapshot.
func (c *Client) Pending() ([]Mutation, error) {
	return c.store.Queue()
}

func (c *Client) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Disconnected marks the connection lost; subsequent mutations queue locally.
func (c *Client) Disconnected() {
	c.mu.Lock()
	c.online = false
	c.mu.Unlock()
}

// ApplyServerPush applies one authoritative push write-through: durable
// store first, then the in-memory view. Pushes older than the current state
// are ignored, which makes out-of-order fan-out delivery harmless.
func (c *Client) ApplyServerPush(snap Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applyLocked(snap, false)
}

func (c *Client) applyLocked(snap Snapshot, force bool) error {
	if !force && c.current != nil && !snap.Session.UpdatedAt.After(c.current.Session.UpdatedAt) {
		return nil
	}
	if err := c.store.SaveSnapshot(snap); err != nil {
		return err
	}
	c.current = &snap
	return nil
}

// Do submits a mutation. Online it goes straight to the server; offline it
// joins the replay queue.
func (c *Client) Do(ctx context.Context, kind MutationKind, payload json.RawMessage) error {
	c.mu.Lock()
	online := c.online
	c.mu.Unlock()

	if !online {
		_, err := c.store.Enqueue(kind, payload)
		return err
	}
	return c.server.Apply(ctx, c.userID, Mutation{Kind: kind, Payload: payload})
}

// Reconnect recovers the authoritative snapshot, discards any optimistic
// local version, then replays the queue oldest-first. An entry leaves the
// queue only once the server acknowledges it or rejects it idempotently
// (replaying an already-applied vote is success, not failure). Any other
// rejection stops the drain; the remaining entries wait for the next
// reconnect.
func (c *Client) Reconnect(ctx context.Context) error {
	snap, err := c.server.RecoverState(ctx, c.sessionID, c.userID)
	if err != nil {
		return fmt.Errorf("recover state: %w", err)
	}

	c.mu.Lock()
	if err := c.applyLocked(snap, true); err != nil {
		c.mu.Unlock()
		return err
	}
	c.online = true
	c.mu.Unlock()

	queue, err := c.store.Queue()
	if err != nil {
		return err
	}
	for _, m := range queue {
		err := c.server.Apply(ctx, c.userID, m)
		if err != nil && !isIdempotentRejection(err) {
			return fmt.Errorf("replay mutation %d: %w", m.ID, err)
		}
		if err := c.store.Dequeue(m.ID); err != nil {
			return err
		}
	}

	// Replayed mutations changed server state; pick up the result.
	snap, err = c.server.RecoverState(ctx, c.sessionID, c.userID)
	if err != nil {
		return fmt.Errorf("recover state after replay: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applyLocked(snap, true)
}

func isIdempotentRejection(err error) bool {
	return errors.Is(err, domain.ErrDuplicateVote)
}
