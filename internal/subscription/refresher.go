package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zeebo/xxh3"

	"github.com/tokspider/tokspider/internal/model"
)

// forwarderConfigName is the file the external tunnel forwarder reads.
const forwarderConfigName = "forwarder.json"

// Store is the persistence surface the refresher uses.
type Store interface {
	SubscribeURLs(ctx context.Context) ([]model.SubscribeURL, error)
	ReplaceSubscriptionProxies(ctx context.Context, subscribeID int64, tunnels []model.TunnelSpec, ports []int) error
	MaxAssignedPort(ctx context.Context) (int, error)
	ListProxies(ctx context.Context) ([]model.Proxy, error)
}

// Fetcher downloads one subscription body. Injectable for tests.
type Fetcher func(ctx context.Context, url string) ([]byte, error)

// Config wires a Refresher.
type Config struct {
	Store Store

	Schedule  string
	BasePort  int
	ConfigDir string
	Timeout   time.Duration

	Fetch Fetcher
}

// Refresher re-downloads every subscription on a cron schedule,
// replaces its proxy rows when the content changed, and regenerates
// the forwarder config.
type Refresher struct {
	cfg  Config
	cron *cron.Cron

	mu sync.Mutex
	// fingerprints holds the content hash of the last applied body per
	// subscription, so unchanged downloads skip the row churn.
	fingerprints map[int64]uint64
}

// New creates a Refresher. Call Start to begin scheduled refreshes.
func New(cfg Config) (*Refresher, error) {
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("subscription: parse schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.Fetch == nil {
		cfg.Fetch = newHTTPFetcher(cfg.Timeout)
	}
	return &Refresher{
		cfg:          cfg,
		cron:         cron.New(),
		fingerprints: make(map[int64]uint64),
	}, nil
}

// Start refreshes once immediately, then on the cron schedule.
func (r *Refresher) Start(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		log.Printf("[subscription] initial refresh: %v", err)
	}
	if _, err := r.cron.AddFunc(r.cfg.Schedule, func() {
		if err := r.Refresh(context.Background()); err != nil {
			log.Printf("[subscription] refresh: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("subscription: schedule refresh: %w", err)
	}
	r.cron.Start()
	log.Printf("[subscription] scheduled refreshes at %q", r.cfg.Schedule)
	return nil
}

// Stop halts the schedule and waits for an in-flight refresh.
func (r *Refresher) Stop() {
	<-r.cron.Stop().Done()
}

// Refresh processes every subscription once.
func (r *Refresher) Refresh(ctx context.Context) error {
	subs, err := r.cfg.Store.SubscribeURLs(ctx)
	if err != nil {
		return fmt.Errorf("subscription: list subscriptions: %w", err)
	}

	changed := false
	for _, sub := range subs {
		applied, err := r.refreshOne(ctx, sub)
		if err != nil {
			log.Printf("[subscription] subscription %d: %v", sub.ID, err)
			continue
		}
		changed = changed || applied
	}

	if changed {
		if err := r.writeForwarderConfig(ctx); err != nil {
			return err
		}
	}
	return nil
}

// refreshOne downloads and applies one subscription. Returns true when
// the proxy rows were replaced.
func (r *Refresher) refreshOne(ctx context.Context, sub model.SubscribeURL) (bool, error) {
	body, err := r.cfg.Fetch(ctx, sub.URL)
	if err != nil {
		return false, fmt.Errorf("download: %w", err)
	}

	digest := xxh3.Hash(body)
	r.mu.Lock()
	unchanged := r.fingerprints[sub.ID] == digest
	r.mu.Unlock()
	if unchanged {
		return false, nil
	}

	specs, err := Parse(body)
	if err != nil {
		return false, err
	}
	if len(specs) == 0 {
		return false, fmt.Errorf("no usable tunnels")
	}

	base, err := r.nextPort(ctx)
	if err != nil {
		return false, err
	}
	ports := make([]int, len(specs))
	for i := range specs {
		ports[i] = base + i
	}

	if err := r.cfg.Store.ReplaceSubscriptionProxies(ctx, sub.ID, specs, ports); err != nil {
		return false, err
	}

	r.mu.Lock()
	r.fingerprints[sub.ID] = digest
	r.mu.Unlock()

	log.Printf("[subscription] subscription %d: %d tunnels on ports %d-%d", sub.ID, len(specs), base, base+len(specs)-1)
	return true, nil
}

// nextPort returns the first free local port at or above the base.
func (r *Refresher) nextPort(ctx context.Context) (int, error) {
	max, err := r.cfg.Store.MaxAssignedPort(ctx)
	if err != nil {
		return 0, err
	}
	if max+1 > r.cfg.BasePort {
		return max + 1, nil
	}
	return r.cfg.BasePort, nil
}

// Forwarder config shapes. One HTTP inbound per local port, routed to
// its shadowsocks outbound.
type forwarderConfig struct {
	Inbounds  []forwarderInbound  `json:"inbounds"`
	Outbounds []forwarderOutbound `json:"outbounds"`
	Routes    []forwarderRoute    `json:"routes"`
}

type forwarderInbound struct {
	Type       string `json:"type"`
	Tag        string `json:"tag"`
	Listen     string `json:"listen"`
	ListenPort int    `json:"listen_port"`
}

type forwarderOutbound struct {
	Type       string `json:"type"`
	Tag        string `json:"tag"`
	Server     string `json:"server"`
	ServerPort int    `json:"server_port"`
	Method     string `json:"method"`
	Password   string `json:"password"`
}

type forwarderRoute struct {
	Inbound  string `json:"inbound"`
	Outbound string `json:"outbound"`
}

// writeForwarderConfig regenerates the full forwarder config from the
// proxy table. The forwarder process picks it up on its next reload.
func (r *Refresher) writeForwarderConfig(ctx context.Context) error {
	proxies, err := r.cfg.Store.ListProxies(ctx)
	if err != nil {
		return fmt.Errorf("subscription: list proxies: %w", err)
	}

	var cfg forwarderConfig
	for _, proxy := range proxies {
		if proxy.CurrentPort == 0 {
			continue
		}
		spec, err := parseShadowsocksURI(proxy.URL)
		if err != nil {
			log.Printf("[subscription] skip proxy %d: %v", proxy.ID, err)
			continue
		}
		inTag := fmt.Sprintf("%din", proxy.CurrentPort)
		outTag := fmt.Sprintf("%dout", proxy.CurrentPort)
		cfg.Inbounds = append(cfg.Inbounds, forwarderInbound{
			Type:       "http",
			Tag:        inTag,
			Listen:     "0.0.0.0",
			ListenPort: proxy.CurrentPort,
		})
		cfg.Outbounds = append(cfg.Outbounds, forwarderOutbound{
			Type:       "shadowsocks",
			Tag:        outTag,
			Server:     spec.Server,
			ServerPort: spec.Port,
			Method:     spec.Method,
			Password:   spec.Password,
		})
		cfg.Routes = append(cfg.Routes, forwarderRoute{Inbound: inTag, Outbound: outTag})
	}

	if err := os.MkdirAll(r.cfg.ConfigDir, 0o755); err != nil {
		return fmt.Errorf("subscription: create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("subscription: encode forwarder config: %w", err)
	}
	path := filepath.Join(r.cfg.ConfigDir, forwarderConfigName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("subscription: write forwarder config: %w", err)
	}
	log.Printf("[subscription] wrote %s with %d tunnels", path, len(cfg.Outbounds))
	return nil
}

func newHTTPFetcher(timeout time.Duration) Fetcher {
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context, url string) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("unexpected status %s", resp.Status)
		}
		return io.ReadAll(resp.Body)
	}
}
