package probe

import (
	"bytes"
	"context"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tokspider/tokspider/internal/model"
)

type recordingStore struct {
	mu        sync.Mutex
	proxies   []model.Proxy
	urls      []model.ProbeURL
	latencies map[int64][]float64
	success   map[int64]int
	fail      map[int64]int
}

func newRecordingStore() *recordingStore {
	return &recordingStore{
		latencies: make(map[int64][]float64),
		success:   make(map[int64]int),
		fail:      make(map[int64]int),
	}
}

func (s *recordingStore) ListProxies(ctx context.Context) ([]model.Proxy, error) {
	return s.proxies, nil
}

func (s *recordingStore) ProbeURLs(ctx context.Context) ([]model.ProbeURL, error) {
	return s.urls, nil
}

func (s *recordingStore) UpdateProxyLatency(ctx context.Context, id int64, delayMs float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latencies[id] = append(s.latencies[id], delayMs)
	return nil
}

func (s *recordingStore) IncrementProbeURLSuccess(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.success[id]++
	return nil
}

func (s *recordingStore) IncrementProbeURLFail(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[id]++
	return nil
}

func newTestProber(t *testing.T, store Store, fetch Fetcher) *Prober {
	t.Helper()
	p, err := New(Config{
		Store:        store,
		Schedule:     "@every 1h",
		InitialDelay: time.Hour,
		Concurrency:  4,
		Budget:       time.Second,
		Fetch:        fetch,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestSweepProbesEveryPair(t *testing.T) {
	store := newRecordingStore()
	store.proxies = []model.Proxy{
		{ID: 1, CurrentPort: 40001},
		{ID: 2, CurrentPort: 40002},
	}
	store.urls = []model.ProbeURL{
		{ID: 10, URL: "https://example.com/a"},
		{ID: 11, URL: "https://example.com/b"},
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	fetch := func(ctx context.Context, port int, rawURL string, budget time.Duration) (time.Duration, error) {
		mu.Lock()
		seen[rawURL]++
		mu.Unlock()
		return 25 * time.Millisecond, nil
	}

	p := newTestProber(t, store, fetch)
	p.Sweep(context.Background())

	if seen["https://example.com/a"] != 2 || seen["https://example.com/b"] != 2 {
		t.Fatalf("fetch counts = %v", seen)
	}
	if len(store.latencies[1]) != 2 || len(store.latencies[2]) != 2 {
		t.Fatalf("latency updates = %v", store.latencies)
	}
	if store.latencies[1][0] != 25 {
		t.Fatalf("latency = %v, want 25ms", store.latencies[1][0])
	}
	if store.success[10] != 2 || store.success[11] != 2 {
		t.Fatalf("url success = %v", store.success)
	}
}

func TestSweepRecordsFailures(t *testing.T) {
	store := newRecordingStore()
	store.proxies = []model.Proxy{{ID: 1, CurrentPort: 40001}}
	store.urls = []model.ProbeURL{{ID: 10, URL: "https://example.com/a"}}

	fetch := func(ctx context.Context, port int, rawURL string, budget time.Duration) (time.Duration, error) {
		return 0, errors.New("connect refused")
	}

	p := newTestProber(t, store, fetch)
	p.Sweep(context.Background())

	if store.fail[10] != 1 {
		t.Fatalf("fail count = %d, want 1", store.fail[10])
	}
	if len(store.latencies) != 0 {
		t.Fatalf("unexpected latency updates: %v", store.latencies)
	}
}

func TestSweepHonorsConcurrencyCap(t *testing.T) {
	store := newRecordingStore()
	for i := int64(1); i <= 8; i++ {
		store.proxies = append(store.proxies, model.Proxy{ID: i, CurrentPort: 40000 + int(i)})
	}
	store.urls = []model.ProbeURL{{ID: 10, URL: "https://example.com/a"}}

	var mu sync.Mutex
	inFlight, peak := 0, 0
	fetch := func(ctx context.Context, port int, rawURL string, budget time.Duration) (time.Duration, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return time.Millisecond, nil
	}

	p, err := New(Config{
		Store:       store,
		Schedule:    "@every 1h",
		Concurrency: 2,
		Budget:      time.Second,
		Fetch:       fetch,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Sweep(context.Background())

	if peak > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestFetchViaLocalProxyStatusHandling(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"ok", http.StatusOK, false},
		{"no content", http.StatusNoContent, false},
		{"bad gateway", http.StatusBadGateway, true},
		{"not found", http.StatusNotFound, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// Stands in for the tunnel forwarder on 127.0.0.1:{port}.
			forwarder := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer forwarder.Close()

			fu, err := url.Parse(forwarder.URL)
			if err != nil {
				t.Fatalf("parse forwarder url: %v", err)
			}
			port, err := strconv.Atoi(fu.Port())
			if err != nil {
				t.Fatalf("forwarder port: %v", err)
			}

			delay, err := fetchViaLocalProxy(context.Background(), port, "http://upstream.invalid/health", time.Second)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("status %d: expected error, got delay %s", tc.status, delay)
				}
				return
			}
			if err != nil {
				t.Fatalf("status %d: %v", tc.status, err)
			}
			if delay <= 0 {
				t.Fatalf("delay = %s, want > 0", delay)
			}
		})
	}
}

func TestSweepLogsPerDomainSummary(t *testing.T) {
	store := newRecordingStore()
	store.proxies = []model.Proxy{{ID: 1, CurrentPort: 40001}}
	store.urls = []model.ProbeURL{
		{ID: 10, URL: "https://www.tiktok.com/ping"},
		{ID: 11, URL: "https://example.com/ping"},
	}

	fetch := func(ctx context.Context, port int, rawURL string, budget time.Duration) (time.Duration, error) {
		if strings.Contains(rawURL, "example.com") {
			return 0, errors.New("connect refused")
		}
		return time.Millisecond, nil
	}
	p := newTestProber(t, store, fetch)

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)
	p.Sweep(context.Background())

	out := buf.String()
	if !strings.Contains(out, "tiktok.com: 1 ok, 0 failed") {
		t.Fatalf("missing tiktok.com summary in:\n%s", out)
	}
	if !strings.Contains(out, "example.com: 0 ok, 1 failed") {
		t.Fatalf("missing example.com summary in:\n%s", out)
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(Config{Store: newRecordingStore(), Schedule: "not a schedule"})
	if err == nil {
		t.Fatal("expected schedule error")
	}
}
