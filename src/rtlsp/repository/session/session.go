// Package session tracks the single active editor connection.
package session

import (
	"context"
	"sync"

	"github.com/gofrs/uuid"
	"github.com/uber-go/tally"
	"go.uber.org/fx"

	"github.com/rubytyper/rtlsp/src/rtlsp/entity"
	"github.com/rubytyper/rtlsp/src/rtlsp/internal/errors"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// Repository is an entity-scoped repository. The daemon serves one editor
// at a time, so the store holds at most one session.
type Repository interface {
	Get(ctx context.Context) (*entity.Session, error)
	Set(ctx context.Context, s *entity.Session) error
	Delete(ctx context.Context, id uuid.UUID) error
	SessionCount(ctx context.Context) (int, error)
}

type repository struct {
	mu       sync.Mutex
	memstore *entity.Session
	stats    tally.Scope
}

// New returns a repository for the active session.
func New(stats tally.Scope) Repository {
	return &repository{
		stats: stats.SubScope("session"),
	}
}

// Get returns the active session.
func (r *repository) Get(ctx context.Context) (*entity.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.memstore == nil {
		return nil, &errors.SessionNotFoundError{}
	}
	return r.memstore, nil
}

// Set installs the active session.
func (r *repository) Set(ctx context.Context, s *entity.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.memstore = s
	r.stats.Gauge("active_connections").Update(1)
	return nil
}

// Delete removes the session if it matches the given id.
func (r *repository) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.memstore != nil && r.memstore.UUID == id {
		r.memstore = nil
		r.stats.Gauge("active_connections").Update(0)
	}
	return nil
}

// SessionCount returns the count of active sessions, at most one.
func (r *repository) SessionCount(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.memstore == nil {
		return 0, nil
	}
	return 1, nil
}
