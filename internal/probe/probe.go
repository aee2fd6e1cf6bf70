// Package probe measures proxy latency by fetching reference URLs
// through each forwarder port.
package probe

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tokspider/tokspider/internal/model"
	"github.com/tokspider/tokspider/internal/netutil"
)

// Store is the persistence surface the prober reads and writes.
type Store interface {
	ListProxies(ctx context.Context) ([]model.Proxy, error)
	ProbeURLs(ctx context.Context) ([]model.ProbeURL, error)
	UpdateProxyLatency(ctx context.Context, id int64, delayMs float64) error
	IncrementProbeURLSuccess(ctx context.Context, id int64) error
	IncrementProbeURLFail(ctx context.Context, id int64) error
}

// Fetcher performs one GET through the local forwarder port and
// returns the observed latency. Injectable for tests.
type Fetcher func(ctx context.Context, port int, rawURL string, budget time.Duration) (time.Duration, error)

// Config wires a Prober.
type Config struct {
	Store Store

	// Schedule is a cron expression for recurring sweeps.
	Schedule     string
	InitialDelay time.Duration
	Concurrency  int
	Budget       time.Duration

	Fetch Fetcher
}

// Prober sweeps every (proxy, URL) pair on a cron schedule.
type Prober struct {
	cfg  Config
	cron *cron.Cron

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Prober. Call Start to begin sweeping.
func New(cfg Config) (*Prober, error) {
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("probe: parse schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.Fetch == nil {
		cfg.Fetch = fetchViaLocalProxy
	}
	return &Prober{
		cfg:    cfg,
		cron:   cron.New(),
		stopCh: make(chan struct{}),
	}, nil
}

// Start runs one sweep after the initial delay, then sweeps on the
// cron schedule until Stop.
func (p *Prober) Start() error {
	if _, err := p.cron.AddFunc(p.cfg.Schedule, func() {
		p.Sweep(context.Background())
	}); err != nil {
		return fmt.Errorf("probe: schedule sweep: %w", err)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case <-p.stopCh:
			return
		case <-time.After(p.cfg.InitialDelay):
		}
		p.Sweep(context.Background())
	}()

	p.cron.Start()
	log.Printf("[probe] scheduled sweeps at %q", p.cfg.Schedule)
	return nil
}

// Stop halts the schedule and waits for in-flight work.
func (p *Prober) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.cron.Stop().Done()
	p.wg.Wait()
}

// Sweep probes every proxy against every reference URL under the
// concurrency cap.
func (p *Prober) Sweep(ctx context.Context) {
	proxies, err := p.cfg.Store.ListProxies(ctx)
	if err != nil {
		log.Printf("[probe] list proxies: %v", err)
		return
	}
	urls, err := p.cfg.Store.ProbeURLs(ctx)
	if err != nil {
		log.Printf("[probe] list probe urls: %v", err)
		return
	}
	if len(proxies) == 0 || len(urls) == 0 {
		return
	}

	type tally struct{ ok, fail int }

	start := time.Now()
	sem := make(chan struct{}, p.cfg.Concurrency)
	var (
		wg       sync.WaitGroup
		tmu      sync.Mutex
		byDomain = make(map[string]*tally)
	)
	for _, proxy := range proxies {
		for _, u := range urls {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				wg.Wait()
				return
			}
			wg.Add(1)
			go func(proxy model.Proxy, u model.ProbeURL) {
				defer wg.Done()
				defer func() { <-sem }()
				ok := p.probeOne(ctx, proxy, u)

				domain := netutil.ExtractDomain(u.URL)
				tmu.Lock()
				cur := byDomain[domain]
				if cur == nil {
					cur = &tally{}
					byDomain[domain] = cur
				}
				if ok {
					cur.ok++
				} else {
					cur.fail++
				}
				tmu.Unlock()
			}(proxy, u)
		}
	}
	wg.Wait()
	for domain, cur := range byDomain {
		log.Printf("[probe] %s: %d ok, %d failed", domain, cur.ok, cur.fail)
	}
	log.Printf("[probe] swept %d proxies x %d urls in %s", len(proxies), len(urls), time.Since(start).Round(time.Millisecond))
}

// probeOne measures a single pair and records the outcome.
func (p *Prober) probeOne(ctx context.Context, proxy model.Proxy, u model.ProbeURL) bool {
	delay, err := p.cfg.Fetch(ctx, proxy.CurrentPort, u.URL, p.cfg.Budget)
	if err != nil {
		log.Printf("[probe] proxy %d -> %s: %v", proxy.ID, netutil.ExtractDomain(u.URL), err)
		if err := p.cfg.Store.IncrementProbeURLFail(ctx, u.ID); err != nil {
			log.Printf("[probe] %v", err)
		}
		return false
	}

	ms := float64(delay) / float64(time.Millisecond)
	if err := p.cfg.Store.UpdateProxyLatency(ctx, proxy.ID, ms); err != nil {
		log.Printf("[probe] %v", err)
	}
	if err := p.cfg.Store.IncrementProbeURLSuccess(ctx, u.ID); err != nil {
		log.Printf("[probe] %v", err)
	}
	return true
}

// fetchViaLocalProxy GETs rawURL through http://127.0.0.1:{port} and
// times the full body read.
func fetchViaLocalProxy(ctx context.Context, port int, rawURL string, budget time.Duration) (time.Duration, error) {
	proxyURL := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", port)}
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   budget,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("probe: build request: %w", err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe: fetch %s via :%d: %w", rawURL, port, err)
	}
	defer resp.Body.Close()
	// A forwarder with a dead upstream still answers HTTP, typically
	// with a 5xx. Only a 2xx counts as a reachable tunnel.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("probe: fetch %s via :%d: status %s", rawURL, port, resp.Status)
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return 0, fmt.Errorf("probe: read body: %w", err)
	}
	return time.Since(start), nil
}
