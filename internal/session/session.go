// Package session binds a network namespace, a leased proxy, and a
// browser child process into a pooled scrape session.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tokspider/tokspider/internal/childproc"
	"github.com/tokspider/tokspider/internal/model"
)

// State is a session's lifecycle phase.
type State int

const (
	StateCreating State = iota
	StateReady
	StateBusy
	StateRebuilding
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateRebuilding:
		return "rebuilding"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Child is the subset of the child-process handle sessions use.
// Production uses *childproc.Proc.
type Child interface {
	Send(ctx context.Context, cmd childproc.Command, timeout time.Duration) (childproc.Response, error)
	Alive() bool
	Stop()
}

// Session is one namespace + proxy + child tuple. State transitions go
// through the Manager; Send and Touch are safe for the checkout holder.
type Session struct {
	ID        string
	Namespace string
	Proxy     model.LeasedProxy

	mu         sync.Mutex
	child      Child
	state      State
	lastActive time.Time
	rebuilding bool
}

func newSession(namespace string, proxy model.LeasedProxy, child Child, now time.Time) *Session {
	return &Session{
		ID:         uuid.NewString(),
		Namespace:  namespace,
		Proxy:      proxy,
		child:      child,
		state:      StateReady,
		lastActive: now,
	}
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActive returns the time of the last successful child IO.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Send forwards one command to the child with the given response budget.
func (s *Session) Send(ctx context.Context, cmd childproc.Command, timeout time.Duration) (childproc.Response, error) {
	s.mu.Lock()
	child := s.child
	s.mu.Unlock()
	if child == nil {
		return childproc.Response{}, childproc.ErrChildDead
	}
	return child.Send(ctx, cmd, timeout)
}

// Touch records a successful IO on the session.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastActive = now
	s.mu.Unlock()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// tryCheckout flips Ready to Busy. Returns false if the session is in
// any other state.
func (s *Session) tryCheckout() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady || s.rebuilding {
		return false
	}
	s.state = StateBusy
	return true
}

// beginRebuild sets the rebuilding flag. Returns false if a rebuild is
// already in flight for this session.
func (s *Session) beginRebuild() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rebuilding || s.state == StateClosed {
		return false
	}
	s.rebuilding = true
	s.state = StateRebuilding
	return true
}

func (s *Session) finishRebuild(child Child, st State, now time.Time) {
	s.mu.Lock()
	s.rebuilding = false
	s.child = child
	s.state = st
	s.lastActive = now
	s.mu.Unlock()
}

// stopChild terminates the child if one is attached.
func (s *Session) stopChild() {
	s.mu.Lock()
	child := s.child
	s.child = nil
	s.mu.Unlock()
	if child != nil {
		child.Stop()
	}
}
