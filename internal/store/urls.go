package store

import (
	"context"
	"fmt"

	"github.com/tokspider/tokspider/internal/model"
)

// ProbeURLs returns the probe target list. The list changes rarely but
// is read every sweep, so it is served from a short-TTL cache.
func (s *Store) ProbeURLs(ctx context.Context) ([]model.ProbeURL, error) {
	if cached, ok := s.probeURLs.Get(probeURLCacheKey); ok {
		return cached, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, success_count, fail_count FROM test_speed_url ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: probe urls: %w", err)
	}
	defer rows.Close()

	var out []model.ProbeURL
	for rows.Next() {
		var u model.ProbeURL
		if err := rows.Scan(&u.ID, &u.URL, &u.SuccessCount, &u.FailCount); err != nil {
			return nil, fmt.Errorf("store: scan probe url: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate probe urls: %w", err)
	}

	s.probeURLs.Set(probeURLCacheKey, out)
	return out, nil
}

// IncrementProbeURLSuccess bumps the per-URL success counter.
func (s *Store) IncrementProbeURLSuccess(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE test_speed_url SET success_count = success_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: increment probe url %d success: %w", id, err)
	}
	return nil
}

// IncrementProbeURLFail bumps the per-URL fail counter.
func (s *Store) IncrementProbeURLFail(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE test_speed_url SET fail_count = fail_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: increment probe url %d fail: %w", id, err)
	}
	return nil
}

// SubscribeURLs returns the subscription source list, cached with the
// same short TTL as the probe targets.
func (s *Store) SubscribeURLs(ctx context.Context) ([]model.SubscribeURL, error) {
	if cached, ok := s.subscribeURLs.Get(subscribeURLCacheKey); ok {
		return cached, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, url FROM subscribe_url ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: subscribe urls: %w", err)
	}
	defer rows.Close()

	var out []model.SubscribeURL
	for rows.Next() {
		var u model.SubscribeURL
		if err := rows.Scan(&u.ID, &u.URL); err != nil {
			return nil, fmt.Errorf("store: scan subscribe url: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate subscribe urls: %w", err)
	}

	s.subscribeURLs.Set(subscribeURLCacheKey, out)
	return out, nil
}
