package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tokspider/tokspider/internal/childproc"
	"github.com/tokspider/tokspider/internal/model"
	"github.com/tokspider/tokspider/internal/netutil"
	"github.com/tokspider/tokspider/internal/proxypool"
	"github.com/tokspider/tokspider/internal/scanloop"
)

// checkoutPoll is how often Checkout re-scans the pool when every
// session is busy.
const checkoutPoll = 100 * time.Millisecond

// supervisorInterval paces the refill and health sweeps.
const supervisorInterval = 10 * time.Second

// ErrClosed is returned by Checkout after Close.
var ErrClosed = errors.New("session: manager closed")

// NamespacePool hands out isolated network namespaces.
type NamespacePool interface {
	Acquire(ctx context.Context) (string, error)
	Release(name string)
}

// ProxyLeaser hands out exclusive proxy leases.
type ProxyLeaser interface {
	Acquire(ctx context.Context) (model.LeasedProxy, error)
	Release(ctx context.Context, id int64)
}

// Launcher spawns the browser child inside namespace with its HTTP
// traffic routed through proxyURL. Production launches the configured
// entry command via ip netns exec.
type Launcher func(namespace, proxyURL string) (Child, error)

// Config wires a Manager.
type Config struct {
	Pool    NamespacePool
	Proxies ProxyLeaser

	MaxSessions    int
	SessionTimeout time.Duration
	ChildCommand   string

	// Launch and LocalIP are injectable for tests.
	Launch  Launcher
	LocalIP func() (string, error)
	Now     func() time.Time
}

// Manager owns up to MaxSessions sessions, refills the pool, and
// rebuilds sessions that fail or go stale.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	sessions []*Session
	closed   bool

	// rebuildMu serializes the close-then-recreate critical section
	// across all sessions.
	rebuildMu sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a Manager. Call Start to begin pool maintenance.
func NewManager(cfg Config) *Manager {
	if cfg.Launch == nil {
		entry := cfg.ChildCommand
		cfg.Launch = func(namespace, proxyURL string) (Child, error) {
			return childproc.Start(childproc.LaunchCommand(namespace, proxyURL, entry))
		}
	}
	if cfg.LocalIP == nil {
		cfg.LocalIP = netutil.LocalIPv4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// Start fills the pool once, then runs the supervisor and health
// loops until Close.
func (m *Manager) Start(ctx context.Context) {
	m.refill(ctx)

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		scanloop.Run(m.stopCh, supervisorInterval, scanloop.DefaultJitterRange, func() {
			m.refill(context.Background())
		})
	}()
	go func() {
		defer m.wg.Done()
		scanloop.Run(m.stopCh, supervisorInterval, scanloop.DefaultJitterRange, func() {
			m.sweepStale(context.Background())
		})
	}()
}

// Checkout leases a Ready session, blocking until one frees or ctx is
// done. Linear scan, first Ready wins.
func (m *Manager) Checkout(ctx context.Context) (*Session, error) {
	ticker := time.NewTicker(checkoutPoll)
	defer ticker.Stop()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		for _, s := range m.sessions {
			if s.tryCheckout() {
				m.mu.Unlock()
				return s, nil
			}
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.stopCh:
			return nil, ErrClosed
		case <-ticker.C:
		}
	}
}

// Return puts a checked-out session back in the Ready pool.
func (m *Manager) Return(s *Session) {
	s.mu.Lock()
	if s.state == StateBusy {
		s.state = StateReady
	}
	s.mu.Unlock()
}

// Rebuild closes a session's child and resources and creates a fresh
// tuple in its slot. Serialized process-wide; a session already
// rebuilding is left alone. The whole transition is bounded by the
// session timeout; on failure the slot is emptied for the supervisor.
func (m *Manager) Rebuild(ctx context.Context, s *Session) error {
	m.rebuildMu.Lock()
	defer m.rebuildMu.Unlock()

	if !s.beginRebuild() {
		return nil
	}
	log.Printf("[session] rebuilding session %s (ns=%s proxy=%d)", s.ID, s.Namespace, s.Proxy.ID)

	rctx, cancel := context.WithTimeout(ctx, m.cfg.SessionTimeout)
	defer cancel()

	s.stopChild()
	m.cfg.Proxies.Release(rctx, s.Proxy.ID)
	m.cfg.Pool.Release(s.Namespace)

	namespace, proxy, child, err := m.buildTuple(rctx)
	if err != nil {
		s.finishRebuild(nil, StateClosed, m.cfg.Now())
		m.removeSession(s)
		return fmt.Errorf("session: rebuild %s: %w", s.ID, err)
	}

	s.mu.Lock()
	s.Namespace = namespace
	s.Proxy = proxy
	s.mu.Unlock()
	s.finishRebuild(child, StateReady, m.cfg.Now())
	log.Printf("[session] rebuilt session %s (ns=%s proxy=%d)", s.ID, namespace, proxy.ID)
	return nil
}

// Close tears down every session and stops the maintenance loops.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := m.sessions
	m.sessions = nil
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	ctx := context.Background()
	for _, s := range sessions {
		s.setState(StateClosed)
		s.stopChild()
		m.cfg.Proxies.Release(ctx, s.Proxy.ID)
		m.cfg.Pool.Release(s.Namespace)
	}
	log.Printf("[session] closed %d sessions", len(sessions))
}

// Size returns the current pool size.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// refill spawns sessions until the pool holds MaxSessions. A failed
// spawn is retryable; the next sweep tries again.
func (m *Manager) refill(ctx context.Context) {
	for {
		m.mu.Lock()
		if m.closed || len(m.sessions) >= m.cfg.MaxSessions {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		s, err := m.create(ctx)
		if err != nil {
			log.Printf("[session] create session: %v", err)
			return
		}

		m.mu.Lock()
		if m.closed || len(m.sessions) >= m.cfg.MaxSessions {
			m.mu.Unlock()
			s.setState(StateClosed)
			s.stopChild()
			m.cfg.Proxies.Release(ctx, s.Proxy.ID)
			m.cfg.Pool.Release(s.Namespace)
			return
		}
		m.sessions = append(m.sessions, s)
		m.mu.Unlock()
		log.Printf("[session] session %s ready (ns=%s proxy=%d port=%d)", s.ID, s.Namespace, s.Proxy.ID, s.Proxy.CurrentPort)
	}
}

// sweepStale rebuilds sessions whose last successful IO predates the
// session timeout. Busy sessions are included: a checkout that has not
// touched the child for a full timeout means the holder is wedged, and
// its Send fails once the rebuild stops the child.
func (m *Manager) sweepStale(ctx context.Context) {
	cutoff := m.cfg.Now().Add(-m.cfg.SessionTimeout)

	m.mu.Lock()
	var stale []*Session
	for _, s := range m.sessions {
		st := s.State()
		if (st == StateReady || st == StateBusy) && s.LastActive().Before(cutoff) {
			stale = append(stale, s)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		log.Printf("[session] session %s stale since %s", s.ID, s.LastActive().Format(time.RFC3339))
		if err := m.Rebuild(ctx, s); err != nil {
			log.Printf("[session] %v", err)
		}
	}
}

// create acquires a namespace and a proxy and launches a child.
// Partial failures release what was already acquired.
func (m *Manager) create(ctx context.Context) (*Session, error) {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.SessionTimeout)
	defer cancel()

	namespace, proxy, child, err := m.buildTuple(cctx)
	if err != nil {
		return nil, err
	}
	return newSession(namespace, proxy, child, m.cfg.Now()), nil
}

// buildTuple performs the Creating sequence: namespace, proxy, local
// IP, child launch.
func (m *Manager) buildTuple(ctx context.Context) (string, model.LeasedProxy, Child, error) {
	namespace, err := m.cfg.Pool.Acquire(ctx)
	if err != nil {
		return "", model.LeasedProxy{}, nil, fmt.Errorf("acquire namespace: %w", err)
	}

	proxy, err := m.cfg.Proxies.Acquire(ctx)
	if err != nil {
		m.cfg.Pool.Release(namespace)
		return "", model.LeasedProxy{}, nil, fmt.Errorf("acquire proxy: %w", err)
	}

	localIP, err := m.cfg.LocalIP()
	if err != nil {
		m.cfg.Proxies.Release(ctx, proxy.ID)
		m.cfg.Pool.Release(namespace)
		return "", model.LeasedProxy{}, nil, fmt.Errorf("resolve local ip: %w", err)
	}

	proxyURL := fmt.Sprintf("http://%s:%d", localIP, proxy.CurrentPort)
	child, err := m.cfg.Launch(namespace, proxyURL)
	if err != nil {
		m.cfg.Proxies.Release(ctx, proxy.ID)
		m.cfg.Pool.Release(namespace)
		return "", model.LeasedProxy{}, nil, fmt.Errorf("launch child in %s: %w", namespace, err)
	}
	return namespace, proxy, child, nil
}

// removeSession drops s from the pool slice.
func (m *Manager) removeSession(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cur := range m.sessions {
		if cur == s {
			m.sessions = append(m.sessions[:i], m.sessions[i+1:]...)
			return
		}
	}
}

var _ ProxyLeaser = (*proxypool.Registry)(nil)
