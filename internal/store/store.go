// Package store implements the SQLite persistence facade: account,
// video, and proxy tables plus the probe/subscription URL helpers.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/maypok86/otter"

	"github.com/tokspider/tokspider/internal/model"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// DBFileName is the single database file under the state directory.
const DBFileName = "tokspider.db"

// urlCacheTTL bounds how stale the cached probe/subscription URL lists
// may get between sweeps.
const urlCacheTTL = 5 * time.Minute

const (
	probeURLCacheKey     = "test_speed_url"
	subscribeURLCacheKey = "subscribe_url"
)

// Store is the narrow persistence surface shared by the scheduler,
// proxy registry, latency prober, and subscription refresher.
type Store struct {
	db *sql.DB

	probeURLs     otter.Cache[string, []model.ProbeURL]
	subscribeURLs otter.Cache[string, []model.SubscribeURL]

	now func() time.Time
}

// Open opens (or creates) the database under stateDir and applies
// pending migrations.
func Open(stateDir string) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: mkdir %s: %w", stateDir, err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", filepath.Join(stateDir, DBFileName))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	// modernc sqlite serializes writes internally; a single connection
	// avoids SQLITE_BUSY churn under concurrent task writers.
	db.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db)
}

// New wraps an already-open database handle. The caller is responsible
// for having applied migrations.
func New(db *sql.DB) (*Store, error) {
	probeCache, err := otter.MustBuilder[string, []model.ProbeURL](4).
		WithTTL(urlCacheTTL).
		Build()
	if err != nil {
		return nil, fmt.Errorf("store: build probe url cache: %w", err)
	}
	subCache, err := otter.MustBuilder[string, []model.SubscribeURL](4).
		WithTTL(urlCacheTTL).
		Build()
	if err != nil {
		return nil, fmt.Errorf("store: build subscribe url cache: %w", err)
	}

	return &Store{
		db:            db,
		probeURLs:     probeCache,
		subscribeURLs: subCache,
		now:           time.Now,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetNowFunc overrides the clock. Test hook.
func (s *Store) SetNowFunc(now func() time.Time) {
	s.now = now
}

// DB exposes the raw handle for migrations and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}
