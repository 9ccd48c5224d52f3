package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/watchvote/server/internal/auth"
	"github.com/watchvote/server/internal/domain"
	"github.com/watchvote/server/internal/fanout"
	"github.com/watchvote/server/internal/registry"
	"github.com/watchvote/server/internal/session"
	"github.com/watchvote/server/internal/storage"
	"github.com/watchvote/server/internal/vote"
	"github.com/watchvote/server/internal/ws"
)

// tokenResolver accepts any token of the form "user:<id>".
var tokenResolver = auth.ResolverFunc(func(token string) (string, error) {
	if id, ok := strings.CutPrefix(token, "user:"); ok {
		return id, nil
	}
	return "", domain.ErrAuth
})

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	log := zap.NewNop()
	store := storage.NewMemory()
	reg := registry.New(ctx, fanout.NewMemory(), "test:events", registry.Options{}, log)
	tally := vote.NewTally(store, reg, 3, log)
	coord := session.NewCoordinator(store, tally, reg, log)
	tally.BindFinalizer(coord)

	srv := httptest.NewServer(SetupRoutes(ws.Deps{
		Logger:      log,
		Resolver:    tokenResolver,
		Registry:    reg,
		Coordinator: coord,
		Tally:       tally,
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthz(t *testing.T) {
	srv := testServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateSession(t *testing.T) {
	srv := testServer(t)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/sessions",
		strings.NewReader(`{"name":"movie night","maxRounds":2}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer user:alice")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var sess domain.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sess))
	require.Equal(t, "alice", sess.HostID)
	require.Equal(t, domain.StateCreated, sess.State)
	require.Equal(t, 2, sess.MaxRounds)
	require.True(t, sess.HasParticipant("alice"))
}

func TestCreateSession_RequiresAuth(t *testing.T) {
	srv := testServer(t)

	resp, err := http.Post(srv.URL+"/sessions", "application/json",
		strings.NewReader(`{"name":"movie night"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGetSession_ReturnsSnapshot(t *testing.T) {
	srv := testServer(t)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/sessions",
		strings.NewReader(`{"name":"movie night"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer user:alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var sess domain.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sess))
	resp.Body.Close()

	req, err = http.NewRequest(http.MethodGet, srv.URL+"/sessions/"+sess.ID, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer user:alice")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap struct {
		Session *domain.Session     `json:"session"`
		Results []domain.VoteResult `json:"results"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.NotNil(t, snap.Session)
	require.Equal(t, sess.ID, snap.Session.ID)
}

func TestGetSession_NotFoundAndForbidden(t *testing.T) {
	srv := testServer(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/sessions/nope", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer user:alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Create as alice, fetch as an outsider.
	req, err = http.NewRequest(http.MethodPost, srv.URL+"/sessions",
		strings.NewReader(`{"name":"movie night"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer user:alice")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var sess domain.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sess))
	resp.Body.Close()

	req, err = http.NewRequest(http.MethodGet, srv.URL+"/sessions/"+sess.ID, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer user:mallory")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}
