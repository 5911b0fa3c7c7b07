package access

import (
	"context"
	"errors"
	"testing"

	"convtrack/pkg/models"
)

func TestDefaultIsFailSafe(t *testing.T) {
	g := NewGate(nil)

	d := g.Decision()
	if !d.RequireAuth {
		t.Error("requireAuth must default to true before the config resolves")
	}
	if d.Authenticated || d.HasAccess {
		t.Errorf("nothing proven yet, decision too permissive: %+v", d)
	}
	if d.IsLoading {
		t.Error("IsLoading must always be false")
	}
}

func TestConfigDisablesAuthImmediately(t *testing.T) {
	g := NewGate(nil)

	g.SetConfig(&models.AuthConfig{RequireAuth: false})

	d := g.Decision()
	if d.RequireAuth {
		t.Error("config said auth not required")
	}
	if !d.HasAccess {
		t.Error("open instance must grant access without authentication")
	}
	if d.IsLoading {
		t.Error("IsLoading must always be false")
	}
}

func TestAuthenticationSources(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*Gate)
	}{
		{"session", func(g *Gate) { g.SetSession(true) }},
		{"local user", func(g *Gate) { g.SetLocalUser(true) }},
		{"config user", func(g *Gate) {
			g.SetConfig(&models.AuthConfig{RequireAuth: true, User: "admin"})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(nil)
			g.SetConfig(&models.AuthConfig{RequireAuth: true})
			tt.setup(g)

			d := g.Decision()
			if !d.Authenticated {
				t.Errorf("%s should authenticate the viewer", tt.name)
			}
			if !d.HasAccess {
				t.Errorf("authenticated viewer must have access: %+v", d)
			}
		})
	}
}

func TestSessionRevoked(t *testing.T) {
	g := NewGate(nil)
	g.SetConfig(&models.AuthConfig{RequireAuth: true})
	g.SetSession(true)
	g.SetSession(false)

	if d := g.Decision(); d.HasAccess {
		t.Errorf("revoked session should drop access: %+v", d)
	}
}

type fetcherFunc func(ctx context.Context) (*models.AuthConfig, error)

func (f fetcherFunc) GetAuthConfig(ctx context.Context) (*models.AuthConfig, error) {
	return f(ctx)
}

func TestResolveFailureKeepsFailSafe(t *testing.T) {
	g := NewGate(nil)
	g.Resolve(context.Background(), fetcherFunc(func(ctx context.Context) (*models.AuthConfig, error) {
		return nil, errors.New("config endpoint down")
	}))

	d := g.Decision()
	if !d.RequireAuth || d.HasAccess {
		t.Errorf("fetch failure must keep the fail-safe default: %+v", d)
	}
	if d.IsLoading {
		t.Error("IsLoading must always be false")
	}
}

func TestResolveSuccess(t *testing.T) {
	g := NewGate(nil)
	g.Resolve(context.Background(), fetcherFunc(func(ctx context.Context) (*models.AuthConfig, error) {
		return &models.AuthConfig{RequireAuth: false}, nil
	}))

	if d := g.Decision(); !d.HasAccess {
		t.Errorf("resolved open config should grant access: %+v", d)
	}
}
