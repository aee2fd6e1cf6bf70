package scheduler

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/tokspider/tokspider/internal/childproc"
	"github.com/tokspider/tokspider/internal/model"
	"github.com/tokspider/tokspider/internal/payload"
	"github.com/tokspider/tokspider/internal/session"
)

// Child error markers the classifier matches on.
const (
	msgNoResponse    = "No response from child process"
	msgEmptyResponse = "TikTok returned an empty response"
)

// DataStore is the persistence surface the scheduler writes through.
type DataStore interface {
	FetchActiveAccounts(ctx context.Context) ([]model.AccountRow, error)
	UpsertAccount(ctx context.Context, handle string, cols map[string]any) error
	UpsertVideos(ctx context.Context, rows []map[string]any) error
	SetAccountComment(ctx context.Context, handle, comment string) error
}

// ProxyAccounting records scrape outcomes against the leased proxy.
type ProxyAccounting interface {
	RecordSuccess(ctx context.Context, id int64)
	RecordFailure(ctx context.Context, id int64, n int)
}

// Config wires a Scheduler.
type Config struct {
	Store    DataStore
	Sessions *session.Manager
	Proxies  ProxyAccounting

	// Workers caps concurrent scrape tasks; set it to the session
	// pool size.
	Workers     int
	SendTimeout time.Duration

	Cooldown             time.Duration
	IdleDelay            time.Duration
	EmptyResponsePenalty int

	Now func() time.Time
}

// Scheduler sweeps the eligible account set into a FIFO queue and
// drains it across the session pool.
type Scheduler struct {
	cfg Config

	// pending holds handles that are queued or in flight, so repeat
	// sweeps never double-enqueue an account.
	pending *xsync.Map[string, struct{}]

	mu    sync.Mutex
	queue []Task

	sem chan struct{}
}

// New creates a Scheduler. Zero durations fall back to defaults.
func New(cfg Config) *Scheduler {
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 3 * time.Second
	}
	if cfg.IdleDelay == 0 {
		cfg.IdleDelay = 5 * time.Second
	}
	if cfg.EmptyResponsePenalty == 0 {
		cfg.EmptyResponsePenalty = 2
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		cfg:     cfg,
		pending: xsync.NewMap[string, struct{}](),
		sem:     make(chan struct{}, cfg.Workers),
	}
}

// Run sweeps and drains until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("[scheduler] running with %d workers", cap(s.sem))
	for {
		if ctx.Err() != nil {
			log.Printf("[scheduler] stopped")
			return
		}
		s.sweep(ctx)
		s.drain(ctx)

		select {
		case <-ctx.Done():
			log.Printf("[scheduler] stopped")
			return
		case <-time.After(s.cfg.IdleDelay):
		}
	}
}

// sweep loads the eligible set and appends unseen handles to the queue.
func (s *Scheduler) sweep(ctx context.Context) {
	rows, err := s.cfg.Store.FetchActiveAccounts(ctx)
	if err != nil {
		log.Printf("[scheduler] fetch accounts: %v", err)
		return
	}
	tasks := Eligible(rows, s.cfg.Now())

	added := 0
	for _, t := range tasks {
		if _, loaded := s.pending.LoadOrStore(t.Handle, struct{}{}); loaded {
			continue
		}
		s.mu.Lock()
		s.queue = append(s.queue, t)
		s.mu.Unlock()
		added++
	}
	if added > 0 {
		log.Printf("[scheduler] queued %d of %d eligible accounts", added, len(tasks))
	}
}

// drain processes the queue under the worker semaphore and waits for
// every started task.
func (s *Scheduler) drain(ctx context.Context) {
	var wg sync.WaitGroup
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			break
		}
		t := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			s.pending.Delete(t.Handle)
			wg.Wait()
			return
		}

		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			defer func() { <-s.sem }()
			defer s.pending.Delete(t.Handle)
			s.process(ctx, t)
		}(t)
	}
	wg.Wait()
}

// process runs the per-task protocol on one checked-out session.
func (s *Scheduler) process(ctx context.Context, t Task) {
	sess, err := s.cfg.Sessions.Checkout(ctx)
	if err != nil {
		log.Printf("[scheduler] checkout for %s: %v", t.UniqueID, err)
		return
	}

	rebuild := false
	defer func() {
		s.pause(ctx, s.cfg.Cooldown)
		if rebuild {
			if err := s.cfg.Sessions.Rebuild(ctx, sess); err != nil {
				log.Printf("[scheduler] %v", err)
			}
		}
		s.cfg.Sessions.Return(sess)
	}()

	resp, err := sess.Send(ctx, childproc.Command{
		Action:   childproc.ActionGetUserInfo,
		Username: t.UniqueID,
		TikTokID: t.TikTokID,
	}, s.cfg.SendTimeout)
	if err != nil {
		log.Printf("[scheduler] %s: user info send: %v", t.UniqueID, err)
		rebuild = true
		return
	}
	if !resp.OK() {
		rebuild = s.classify(ctx, t, sess, resp.Message)
		return
	}

	now := s.cfg.Now()
	sess.Touch(now)

	cols, err := payload.AccountColumns(resp.Data, now)
	if err != nil {
		log.Printf("[scheduler] %s: %v", t.UniqueID, err)
		s.cfg.Proxies.RecordFailure(ctx, sess.Proxy.ID, 1)
		rebuild = true
		return
	}
	if err := s.cfg.Store.UpsertAccount(ctx, t.Handle, cols); err != nil {
		log.Printf("[scheduler] %s: %v", t.UniqueID, err)
		s.cfg.Proxies.RecordFailure(ctx, sess.Proxy.ID, 1)
		rebuild = true
		return
	}

	vids, err := sess.Send(ctx, childproc.Command{
		Action:   childproc.ActionGetUserVideos,
		Username: t.UniqueID,
	}, s.cfg.SendTimeout)
	if err != nil {
		log.Printf("[scheduler] %s: videos send: %v", t.UniqueID, err)
		rebuild = true
		return
	}
	if !vids.OK() {
		rebuild = s.classify(ctx, t, sess, vids.Message)
		return
	}
	sess.Touch(s.cfg.Now())
	s.storeVideos(ctx, t, vids)

	s.cfg.Proxies.RecordSuccess(ctx, sess.Proxy.ID)
}

// classify maps a child error message to its side effects and reports
// whether the session must be rebuilt.
func (s *Scheduler) classify(ctx context.Context, t Task, sess *session.Session, msg string) bool {
	switch {
	case msg == "'user'" || msg == "'id'":
		// The profile page has no user object: the account is gone.
		// Not the proxy's fault.
		log.Printf("[scheduler] %s: account does not exist", t.UniqueID)
		if err := s.cfg.Store.SetAccountComment(ctx, t.Handle, model.StatusNotExists); err != nil {
			log.Printf("[scheduler] %s: %v", t.UniqueID, err)
		}
		return false
	case strings.Contains(msg, msgNoResponse):
		log.Printf("[scheduler] %s: child unresponsive", t.UniqueID)
		return true
	case strings.Contains(msg, msgEmptyResponse):
		// Empty bodies almost always mean the exit is blocked, so the
		// proxy takes an extra hit.
		log.Printf("[scheduler] %s: empty response through proxy %d", t.UniqueID, sess.Proxy.ID)
		s.cfg.Proxies.RecordFailure(ctx, sess.Proxy.ID, s.cfg.EmptyResponsePenalty)
		return true
	default:
		log.Printf("[scheduler] %s: unclassified child error: %s", t.UniqueID, msg)
		s.cfg.Proxies.RecordFailure(ctx, sess.Proxy.ID, 1)
		return true
	}
}

// storeVideos flattens and upserts the video listing. Bad items are
// skipped; persistence errors do not fail the task.
func (s *Scheduler) storeVideos(ctx context.Context, t Task, resp childproc.Response) {
	items, err := payload.VideoList(resp.Data)
	if err != nil {
		log.Printf("[scheduler] %s: %v", t.UniqueID, err)
		return
	}
	if len(items) == 0 {
		return
	}

	now := s.cfg.Now()
	rows := make([]map[string]any, 0, len(items))
	for _, item := range items {
		cols, err := payload.VideoColumns(item, now)
		if err != nil {
			log.Printf("[scheduler] %s: skip video: %v", t.UniqueID, err)
			continue
		}
		rows = append(rows, cols)
	}
	if len(rows) == 0 {
		return
	}
	if err := s.cfg.Store.UpsertVideos(ctx, rows); err != nil {
		log.Printf("[scheduler] %s: %v", t.UniqueID, err)
		return
	}
	log.Printf("[scheduler] %s: stored %d videos", t.UniqueID, len(rows))
}

// pause sleeps for d unless ctx finishes first.
func (s *Scheduler) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
