package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tokspider/tokspider/internal/childproc"
	"github.com/tokspider/tokspider/internal/model"
	"github.com/tokspider/tokspider/internal/session"
)

type memStore struct {
	mu       sync.Mutex
	rows     []model.AccountRow
	accounts map[string]map[string]any
	videos   []map[string]any
	comments map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		accounts: make(map[string]map[string]any),
		comments: make(map[string]string),
	}
}

func (m *memStore) FetchActiveAccounts(ctx context.Context) ([]model.AccountRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.AccountRow(nil), m.rows...), nil
}

func (m *memStore) UpsertAccount(ctx context.Context, handle string, cols map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[handle] = cols
	return nil
}

func (m *memStore) UpsertVideos(ctx context.Context, rows []map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videos = append(m.videos, rows...)
	return nil
}

func (m *memStore) SetAccountComment(ctx context.Context, handle, comment string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comments[handle] = comment
	return nil
}

type memAccounting struct {
	mu      sync.Mutex
	success map[int64]int
	fail    map[int64]int
}

func newMemAccounting() *memAccounting {
	return &memAccounting{success: make(map[int64]int), fail: make(map[int64]int)}
}

func (a *memAccounting) RecordSuccess(ctx context.Context, id int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.success[id]++
}

func (a *memAccounting) RecordFailure(ctx context.Context, id int64, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fail[id] += n
}

type poolStub struct {
	mu    sync.Mutex
	avail []string
}

func (p *poolStub) Acquire(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.avail) == 0 {
		return "", errors.New("no namespace")
	}
	ns := p.avail[0]
	p.avail = p.avail[1:]
	return ns, nil
}

func (p *poolStub) Release(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.avail = append(p.avail, name)
}

type leaserStub struct {
	mu   sync.Mutex
	next int64
}

func (l *leaserStub) Acquire(ctx context.Context) (model.LeasedProxy, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	return model.LeasedProxy{ID: l.next, CurrentPort: 40000 + int(l.next)}, nil
}

func (l *leaserStub) Release(ctx context.Context, id int64) {}

// scriptedChild replays a fixed sequence of send outcomes.
type scriptedChild struct {
	mu    sync.Mutex
	resps []childproc.Response
	errs  []error
	calls []childproc.Command
}

func (c *scriptedChild) Send(ctx context.Context, cmd childproc.Command, timeout time.Duration) (childproc.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, cmd)
	if len(c.resps) == 0 {
		return childproc.Response{}, childproc.ErrChildDead
	}
	resp, err := c.resps[0], c.errs[0]
	c.resps, c.errs = c.resps[1:], c.errs[1:]
	return resp, err
}

func (c *scriptedChild) Alive() bool { return true }
func (c *scriptedChild) Stop()       {}

// newTestRig builds a one-session manager whose first child is the
// scripted one; rebuilds get a fresh idle child.
func newTestRig(t *testing.T, first *scriptedChild, store *memStore, acct *memAccounting) (*Scheduler, *session.Manager) {
	t.Helper()

	used := false
	mgr := session.NewManager(session.Config{
		Pool:           &poolStub{avail: []string{"ns0", "ns1"}},
		Proxies:        &leaserStub{},
		MaxSessions:    1,
		SessionTimeout: time.Minute,
		Launch: func(namespace, proxyURL string) (session.Child, error) {
			if !used {
				used = true
				return first, nil
			}
			return &scriptedChild{}, nil
		},
		LocalIP: func() (string, error) { return "192.168.1.10", nil },
	})
	t.Cleanup(mgr.Close)

	sched := New(Config{
		Store:       store,
		Sessions:    mgr,
		Proxies:     acct,
		Workers:     1,
		SendTimeout: time.Second,
		Cooldown:    time.Millisecond,
		IdleDelay:   time.Millisecond,
	})
	return sched, mgr
}

func successResponses() ([]childproc.Response, []error) {
	info := childproc.Response{
		Status: "success",
		Data:   json.RawMessage(`{"userInfo":{"user":{"id":"123","uniqueId":"someone"},"stats":{"followerCount":10}}}`),
	}
	videos := childproc.Response{
		Status: "success",
		Data:   json.RawMessage(`{"itemList":[{"id":"v1","statsV2":{"playCount":"5"}},{"id":"v2"}]}`),
	}
	return []childproc.Response{info, videos}, []error{nil, nil}
}

func TestProcessSuccessFlow(t *testing.T) {
	store := newMemStore()
	acct := newMemAccounting()
	child := &scriptedChild{}
	child.resps, child.errs = successResponses()

	sched, mgr := newTestRig(t, child, store, acct)
	mgr.Start(context.Background())

	sched.process(context.Background(), Task{Handle: "x@someone", UniqueID: "someone"})

	if _, ok := store.accounts["x@someone"]; !ok {
		t.Fatal("account not upserted")
	}
	if len(store.videos) != 2 {
		t.Fatalf("videos = %d, want 2", len(store.videos))
	}
	if acct.success[1] != 1 {
		t.Fatalf("success count = %d, want 1", acct.success[1])
	}
	if len(acct.fail) != 0 {
		t.Fatalf("unexpected failures: %v", acct.fail)
	}
	if got := len(child.calls); got != 2 {
		t.Fatalf("child calls = %d, want 2", got)
	}
	if child.calls[0].Action != childproc.ActionGetUserInfo || child.calls[1].Action != childproc.ActionGetUserVideos {
		t.Fatalf("call order = %v", child.calls)
	}
}

func TestProcessAccountNotExists(t *testing.T) {
	store := newMemStore()
	acct := newMemAccounting()
	child := &scriptedChild{
		resps: []childproc.Response{{Status: "error", Message: "'user'"}},
		errs:  []error{nil},
	}

	sched, mgr := newTestRig(t, child, store, acct)
	mgr.Start(context.Background())

	sched.process(context.Background(), Task{Handle: "x@gone", UniqueID: "gone"})

	if got := store.comments["x@gone"]; got != model.StatusNotExists {
		t.Fatalf("comment = %q, want %q", got, model.StatusNotExists)
	}
	if len(acct.fail) != 0 || len(acct.success) != 0 {
		t.Fatalf("proxy accounting touched: success=%v fail=%v", acct.success, acct.fail)
	}
}

func TestProcessEmptyResponseDoublePenalty(t *testing.T) {
	store := newMemStore()
	acct := newMemAccounting()
	child := &scriptedChild{
		resps: []childproc.Response{{Status: "error", Message: "TikTok returned an empty response"}},
		errs:  []error{nil},
	}

	sched, mgr := newTestRig(t, child, store, acct)
	mgr.Start(context.Background())

	sched.process(context.Background(), Task{Handle: "x@blocked", UniqueID: "blocked"})

	if got := acct.fail[1]; got != 2 {
		t.Fatalf("fail count = %d, want 2", got)
	}
	// The rebuild leased a fresh proxy.
	s, err := mgr.Checkout(context.Background())
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if s.Proxy.ID != 2 {
		t.Fatalf("proxy after rebuild = %d, want 2", s.Proxy.ID)
	}
}

func TestProcessUnknownErrorSinglePenalty(t *testing.T) {
	store := newMemStore()
	acct := newMemAccounting()
	child := &scriptedChild{
		resps: []childproc.Response{{Status: "error", Message: "navigation crashed"}},
		errs:  []error{nil},
	}

	sched, mgr := newTestRig(t, child, store, acct)
	mgr.Start(context.Background())

	sched.process(context.Background(), Task{Handle: "x@a", UniqueID: "a"})

	if got := acct.fail[1]; got != 1 {
		t.Fatalf("fail count = %d, want 1", got)
	}
}

func TestProcessTransportTimeoutRebuildsWithoutPenalty(t *testing.T) {
	store := newMemStore()
	acct := newMemAccounting()
	child := &scriptedChild{
		resps: []childproc.Response{{}},
		errs:  []error{childproc.ErrTimeout},
	}

	sched, mgr := newTestRig(t, child, store, acct)
	mgr.Start(context.Background())

	sched.process(context.Background(), Task{Handle: "x@slow", UniqueID: "slow"})

	if len(acct.fail) != 0 {
		t.Fatalf("unexpected failures: %v", acct.fail)
	}
	s, err := mgr.Checkout(context.Background())
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if s.Proxy.ID != 2 {
		t.Fatalf("proxy after rebuild = %d, want 2", s.Proxy.ID)
	}
}

func TestSweepDeduplicatesHandles(t *testing.T) {
	store := newMemStore()
	store.rows = []model.AccountRow{{Handle: "x@a"}, {Handle: "x@b"}}
	acct := newMemAccounting()
	sched, _ := newTestRig(t, &scriptedChild{}, store, acct)

	sched.sweep(context.Background())
	sched.sweep(context.Background())

	sched.mu.Lock()
	n := len(sched.queue)
	sched.mu.Unlock()
	if n != 2 {
		t.Fatalf("queue length = %d, want 2", n)
	}
}
