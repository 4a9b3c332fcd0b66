package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/devilmonastery/syncday/internal/cache"
	"github.com/devilmonastery/syncday/internal/pkg/metrics"
)

// Registry holds one Store per browser session for the web gateway.
// Stores idle for longer than the TTL are dropped.
type Registry struct {
	stores   *cache.Cache[*Store]
	newStore func() *Store
}

// NewRegistry creates a registry; newStore builds the Store for a new browser session
func NewRegistry(idleTTL time.Duration, newStore func() *Store) *Registry {
	return &Registry{
		stores:   cache.New[*Store]("sessions", idleTTL),
		newStore: newStore,
	}
}

// GetOrCreate returns the store for id, creating it on first use
func (r *Registry) GetOrCreate(id string) *Store {
	store, _ := r.stores.GetOrLoad(context.Background(), id, func(context.Context) (*Store, error) {
		slog.Debug("creating browser session",
			slog.String("component", "session-registry"),
			slog.String("session_id", id))
		return r.newStore(), nil
	})
	r.stores.Set(id, store)
	metrics.ActiveSessions.Set(float64(r.stores.Len()))
	return store
}

// Remove forgets a browser session
func (r *Registry) Remove(id string) {
	r.stores.Delete(id)
	metrics.ActiveSessions.Set(float64(r.stores.Len()))
}

// Sweep drops idle sessions and returns how many were removed
func (r *Registry) Sweep() int {
	removed := r.stores.Sweep()
	metrics.ActiveSessions.Set(float64(r.stores.Len()))
	return removed
}
