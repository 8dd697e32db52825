// Package auth manages OAuth credentials for source connections. A single
// TokenManager serves the whole process: it hands out non-expired access
// tokens, refreshes them proactively near expiry, and serializes reactive
// refreshes so a burst of 401s from one connection costs one round trip to
// the provider.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/airweave/syncd/internal/logger"
	"github.com/airweave/syncd/internal/syncerrors"
	"github.com/airweave/syncd/pkg/models"
)

// refreshMargin is how close to a known expiry a token may get before
// AccessToken refreshes it instead of returning it.
const refreshMargin = 5 * time.Minute

// TokenPersister stores refreshed credentials so rotated refresh tokens
// survive process death.
type TokenPersister interface {
	PersistTokens(ctx context.Context, connectionID, accessToken, refreshToken string, expiry *time.Time) error
}

// ProviderConfig identifies the OAuth token endpoint and client credentials
// used to refresh a connection.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	Endpoint     oauth2.Endpoint
	Semantics    models.OAuthSemantics
}

type connState struct {
	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expiry       time.Time // zero when the provider reports none
	provider     ProviderConfig
}

// refreshFuture lets concurrent callers await one in-flight refresh. The
// fields are set before done closes and never written again.
type refreshFuture struct {
	done  chan struct{}
	token string
	err   error
}

// TokenManager is the process-wide credential store for OAuth connections.
type TokenManager struct {
	mu        sync.Mutex
	conns     map[string]*connState
	inflight  map[string]*refreshFuture
	persister TokenPersister
	log       logger.Logger
}

// NewTokenManager creates a token manager. persister may be nil when nothing
// durable backs the connections, e.g. in tests.
func NewTokenManager(persister TokenPersister) *TokenManager {
	return &TokenManager{
		conns:     make(map[string]*connState),
		inflight:  make(map[string]*refreshFuture),
		persister: persister,
		log:       logger.New("auth"),
	}
}

// Track registers a connection's credentials. Subsequent AccessToken calls
// for the connection serve from this state. Tracking an already-tracked
// connection replaces its state.
func (m *TokenManager) Track(conn *models.Connection, provider ProviderConfig) {
	state := &connState{
		accessToken:  conn.AccessToken,
		refreshToken: conn.RefreshToken,
		provider:     provider,
	}
	if conn.TokenExpiry != nil {
		state.expiry = *conn.TokenExpiry
	}

	m.mu.Lock()
	m.conns[conn.ID] = state
	m.mu.Unlock()
}

// Untrack drops a connection's in-memory credentials, typically at the end
// of the job that tracked it.
func (m *TokenManager) Untrack(connectionID string) {
	m.mu.Lock()
	delete(m.conns, connectionID)
	m.mu.Unlock()
}

// AccessToken returns a current access token for the connection. Tokens
// within the refresh margin of a known expiry are refreshed first, so the
// returned token is never expired.
func (m *TokenManager) AccessToken(ctx context.Context, connectionID string) (string, error) {
	m.mu.Lock()
	state, ok := m.conns[connectionID]
	m.mu.Unlock()
	if !ok {
		return "", syncerrors.NewNotFoundError("connection", connectionID)
	}

	state.mu.Lock()
	fresh := state.accessToken != "" &&
		(state.expiry.IsZero() || time.Until(state.expiry) > refreshMargin)
	token := state.accessToken
	state.mu.Unlock()

	if fresh {
		return token, nil
	}
	return m.RefreshOnUnauthorized(ctx, connectionID)
}

// RefreshOnUnauthorized refreshes the connection's access token. Concurrent
// callers share one refresh: the first performs it, the rest await its
// result. Fails with TokenRefreshError when the provider rejects the
// refresh token.
func (m *TokenManager) RefreshOnUnauthorized(ctx context.Context, connectionID string) (string, error) {
	m.mu.Lock()
	state, ok := m.conns[connectionID]
	if !ok {
		m.mu.Unlock()
		return "", syncerrors.NewNotFoundError("connection", connectionID)
	}
	if fut, running := m.inflight[connectionID]; running {
		m.mu.Unlock()
		return awaitRefresh(ctx, fut)
	}
	fut := &refreshFuture{done: make(chan struct{})}
	m.inflight[connectionID] = fut
	m.mu.Unlock()

	token, err := m.refresh(ctx, connectionID, state)
	fut.token, fut.err = token, err
	close(fut.done)

	m.mu.Lock()
	delete(m.inflight, connectionID)
	m.mu.Unlock()

	return token, err
}

func awaitRefresh(ctx context.Context, fut *refreshFuture) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-fut.done:
		return fut.token, fut.err
	}
}

func (m *TokenManager) refresh(ctx context.Context, connectionID string, state *connState) (string, error) {
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.refreshToken == "" {
		return "", syncerrors.NewTokenRefreshError(connectionID, errors.New("connection has no refresh token"))
	}

	conf := &oauth2.Config{
		ClientID:     state.provider.ClientID,
		ClientSecret: state.provider.ClientSecret,
		Endpoint:     state.provider.Endpoint,
	}
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: state.refreshToken}).Token()
	if err != nil {
		m.log.Warn("token refresh rejected",
			logger.String("connection_id", connectionID),
			logger.Error(err))
		return "", syncerrors.NewTokenRefreshError(connectionID, err)
	}

	state.accessToken = tok.AccessToken
	state.expiry = tok.Expiry
	if state.provider.Semantics == models.OAuthRotatingRefresh && tok.RefreshToken != "" {
		state.refreshToken = tok.RefreshToken
	}

	if m.persister != nil {
		var expiry *time.Time
		if !tok.Expiry.IsZero() {
			e := tok.Expiry
			expiry = &e
		}
		if err := m.persister.PersistTokens(ctx, connectionID, state.accessToken, state.refreshToken, expiry); err != nil {
			return "", fmt.Errorf("failed to persist refreshed tokens for connection %s: %w", connectionID, err)
		}
	}

	m.log.Debug("access token refreshed",
		logger.String("connection_id", connectionID),
		logger.Time("expiry", state.expiry))
	return state.accessToken, nil
}
