// Package access decides whether the viewer may see job data. The
// decision is always available immediately: until the remote config
// proves otherwise, auth is assumed required, and rendering never
// blocks on any of the three input signals.
package access

import (
	"context"
	"sync"

	"convtrack/pkg/logging"
	"convtrack/pkg/models"
)

// Decision is the synchronous-feeling boolean triple exposed to callers.
// IsLoading is part of the contract and is always false.
type Decision struct {
	RequireAuth   bool `json:"require_auth"`
	Authenticated bool `json:"authenticated"`
	HasAccess     bool `json:"has_access"`
	IsLoading     bool `json:"is_loading"`
}

// ConfigFetcher fetches the remote auth-requirement flag
type ConfigFetcher interface {
	GetAuthConfig(ctx context.Context) (*models.AuthConfig, error)
}

// Gate combines three independently-arriving signals: the remote
// require-auth config, a session, and a local-mode user. requireAuth is
// tri-state internally (unknown until the config resolves) and unknown
// collapses to the fail-safe "required".
type Gate struct {
	mu sync.RWMutex

	configKnown bool
	requireAuth bool

	sessionPresent   bool
	localUserPresent bool
	configUser       bool

	log *logging.Logger
}

// NewGate creates a gate in the fail-safe default state: auth required,
// nobody authenticated.
func NewGate(log *logging.Logger) *Gate {
	if log == nil {
		log = logging.Discard()
	}
	return &Gate{log: log}
}

// Resolve fetches the remote config and feeds it into the gate. A fetch
// failure leaves requireAuth at the fail-safe default; it is not an
// error for the caller.
func (g *Gate) Resolve(ctx context.Context, fetch ConfigFetcher) {
	cfg, err := fetch.GetAuthConfig(ctx)
	if err != nil {
		g.log.Warn("auth config fetch failed, keeping fail-safe default", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	g.SetConfig(cfg)
}

// SetConfig applies a resolved remote config
func (g *Gate) SetConfig(cfg *models.AuthConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.configKnown = true
	g.requireAuth = cfg.RequireAuth
	g.configUser = cfg.User != ""
}

// SetSession records whether a session object is present
func (g *Gate) SetSession(present bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessionPresent = present
}

// SetLocalUser records whether a local-mode user is present
func (g *Gate) SetLocalUser(present bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.localUserPresent = present
}

// Decision returns the current access decision. Absence of data means
// "not yet proven authenticated", never an error and never "loading".
func (g *Gate) Decision() Decision {
	g.mu.RLock()
	defer g.mu.RUnlock()

	requireAuth := true
	if g.configKnown {
		requireAuth = g.requireAuth
	}

	authenticated := g.sessionPresent || g.localUserPresent || g.configUser

	return Decision{
		RequireAuth:   requireAuth,
		Authenticated: authenticated,
		HasAccess:     !requireAuth || authenticated,
		IsLoading:     false,
	}
}
