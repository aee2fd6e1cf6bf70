// Package proxypool mediates concurrent selection and accounting of
// upstream proxies on top of the persistence layer.
package proxypool

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/tokspider/tokspider/internal/model"
	"github.com/tokspider/tokspider/internal/store"
)

// ErrNoProxy is returned by Acquire when no free proxy qualifies.
var ErrNoProxy = errors.New("proxypool: no available proxy")

// Store is the persistence slice the registry needs.
type Store interface {
	SelectAvailableProxy(ctx context.Context, allowUnprobed bool) (model.LeasedProxy, error)
	SetProxyInUse(ctx context.Context, id int64, inUse bool) error
	RecordProxySuccess(ctx context.Context, id int64) error
	RecordProxyFailure(ctx context.Context, id int64) error
	UpdateProxyLatency(ctx context.Context, id int64, delayMs float64) error
}

// Config configures the Registry.
type Config struct {
	Store Store

	// AllowUnprobed admits proxies whose avg_delay is still 0 (never
	// probed). Off by default: an unprobed proxy may be dead.
	AllowUnprobed bool
}

// Registry serializes proxy acquisition process-wide. Two sessions must
// never observe the same row as available, so the select-and-mark
// sequence runs under a single mutex. Counter updates bypass the mutex;
// they are per-row atomic in SQL.
type Registry struct {
	store         Store
	allowUnprobed bool

	mu sync.Mutex // guards the select-and-mark critical section
}

// NewRegistry creates a Registry.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		store:         cfg.Store,
		allowUnprobed: cfg.AllowUnprobed,
	}
}

// Acquire selects the best free proxy (fail_count asc, avg_delay asc)
// and marks it in use. Returns ErrNoProxy when none qualify.
func (r *Registry) Acquire(ctx context.Context) (model.LeasedProxy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lease, err := r.store.SelectAvailableProxy(ctx, r.allowUnprobed)
	if errors.Is(err, store.ErrNoProxy) {
		return model.LeasedProxy{}, ErrNoProxy
	}
	if err != nil {
		return model.LeasedProxy{}, err
	}
	return lease, nil
}

// Release returns the proxy to the free set. Errors are logged, not
// propagated: the caller is usually in a teardown path.
func (r *Registry) Release(ctx context.Context, id int64) {
	if err := r.store.SetProxyInUse(ctx, id, false); err != nil {
		log.Printf("[proxypool] release proxy %d: %v", id, err)
	}
}

// RecordSuccess increments the proxy's success counter.
func (r *Registry) RecordSuccess(ctx context.Context, id int64) {
	if err := r.store.RecordProxySuccess(ctx, id); err != nil {
		log.Printf("[proxypool] record success for proxy %d: %v", id, err)
	}
}

// RecordFailure increments the proxy's fail counter n times. The
// scheduler passes n > 1 for the empty-response double penalty.
func (r *Registry) RecordFailure(ctx context.Context, id int64, n int) {
	for i := 0; i < n; i++ {
		if err := r.store.RecordProxyFailure(ctx, id); err != nil {
			log.Printf("[proxypool] record failure for proxy %d: %v", id, err)
			return
		}
	}
}

// RecordLatency stores a probe sample for the proxy.
func (r *Registry) RecordLatency(ctx context.Context, id int64, delayMs float64) error {
	return r.store.UpdateProxyLatency(ctx, id, delayMs)
}
