package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tokspider/tokspider/internal/model"
)

// ErrNoProxy is returned by SelectAvailableProxy when no row qualifies.
var ErrNoProxy = errors.New("store: no available proxy")

// SelectAvailableProxy picks the best free proxy, ordered by
// (fail_count asc, avg_delay asc), and marks it in use in the same
// statement sequence. Rows with avg_delay = 0 have never been probed
// successfully and are excluded unless allowUnprobed is set.
//
// Callers must serialize this through proxypool.Registry; the store
// itself does not guard against concurrent select-and-mark races.
func (s *Store) SelectAvailableProxy(ctx context.Context, allowUnprobed bool) (model.LeasedProxy, error) {
	query := `
		SELECT id, current_port FROM proxy_url
		WHERE is_using = 0`
	if !allowUnprobed {
		query += ` AND avg_delay > 0`
	}
	query += ` ORDER BY fail_count ASC, avg_delay ASC LIMIT 1`

	var lease model.LeasedProxy
	err := s.db.QueryRowContext(ctx, query).Scan(&lease.ID, &lease.CurrentPort)
	if errors.Is(err, sql.ErrNoRows) {
		return model.LeasedProxy{}, ErrNoProxy
	}
	if err != nil {
		return model.LeasedProxy{}, fmt.Errorf("store: select available proxy: %w", err)
	}

	if err := s.SetProxyInUse(ctx, lease.ID, true); err != nil {
		return model.LeasedProxy{}, err
	}
	return lease, nil
}

// SetProxyInUse flips the in-use flag for a proxy.
func (s *Store) SetProxyInUse(ctx context.Context, id int64, inUse bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE proxy_url SET is_using = ?, updated_at = ? WHERE id = ?`,
		boolToInt(inUse), s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("store: set proxy %d is_using=%t: %w", id, inUse, err)
	}
	return nil
}

// RecordProxySuccess increments the proxy's success counter.
func (s *Store) RecordProxySuccess(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE proxy_url SET success_count = success_count + 1, updated_at = ? WHERE id = ?`,
		s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("store: record proxy %d success: %w", id, err)
	}
	return nil
}

// RecordProxyFailure increments the proxy's fail counter.
func (s *Store) RecordProxyFailure(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE proxy_url SET fail_count = fail_count + 1, updated_at = ? WHERE id = ?`,
		s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("store: record proxy %d failure: %w", id, err)
	}
	return nil
}

// UpdateProxyLatency stores the latest probe sample and folds it into
// the rolling average using the existing sample count.
func (s *Store) UpdateProxyLatency(ctx context.Context, id int64, delayMs float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE proxy_url SET
			current_delay = ?2,
			avg_delay     = (avg_delay * delay_count + ?2) / (delay_count + 1),
			delay_count   = delay_count + 1,
			updated_at    = ?3
		WHERE id = ?1`,
		id, delayMs, s.now().Unix())
	if err != nil {
		return fmt.Errorf("store: update proxy %d latency: %w", id, err)
	}
	return nil
}

// ClearProxyUsageFlags resets every in-use flag. Startup recovery: a
// crash can leave rows marked in use with no session holding them.
func (s *Store) ClearProxyUsageFlags(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE proxy_url SET is_using = 0, updated_at = ? WHERE is_using = 1`,
		s.now().Unix())
	if err != nil {
		return fmt.Errorf("store: clear proxy usage flags: %w", err)
	}
	return nil
}

// ListProxies returns all proxy rows (the latency prober sweeps every
// proxy regardless of usage state).
func (s *Store) ListProxies(ctx context.Context) ([]model.Proxy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subscribe_id, url, type, current_port, is_using,
		       current_delay, delay_count, avg_delay,
		       success_count, fail_count, success_rate
		FROM proxy_url ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list proxies: %w", err)
	}
	defer rows.Close()

	var out []model.Proxy
	for rows.Next() {
		var p model.Proxy
		var inUse int
		if err := rows.Scan(
			&p.ID, &p.SubscribeID, &p.URL, &p.Type, &p.CurrentPort, &inUse,
			&p.CurrentDelay, &p.DelayCount, &p.AvgDelay,
			&p.SuccessCount, &p.FailCount, &p.SuccessRate,
		); err != nil {
			return nil, fmt.Errorf("store: scan proxy: %w", err)
		}
		p.IsUsing = inUse != 0
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate proxies: %w", err)
	}
	return out, nil
}

// ReplaceSubscriptionProxies swaps a subscription's proxy rows for the
// given tunnels (already assigned local ports), in one transaction.
// Counters of replaced rows are not carried over; the latency prober
// repopulates avg_delay on its next sweep.
func (s *Store) ReplaceSubscriptionProxies(ctx context.Context, subscribeID int64, tunnels []model.TunnelSpec, ports []int) error {
	if len(tunnels) != len(ports) {
		return fmt.Errorf("store: replace proxies: %d tunnels but %d ports", len(tunnels), len(ports))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: replace proxies begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM proxy_url WHERE subscribe_id = ?`, subscribeID); err != nil {
		return fmt.Errorf("store: delete proxies of subscription %d: %w", subscribeID, err)
	}

	now := s.now().Unix()
	for i, t := range tunnels {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO proxy_url (subscribe_id, url, type, current_port, created_at, updated_at, comments)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			subscribeID, t.URL, t.Type, ports[i], now, now, t.Tag); err != nil {
			return fmt.Errorf("store: insert proxy %q: %w", t.Tag, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: replace proxies commit: %w", err)
	}
	return nil
}

// MaxAssignedPort returns the highest current_port in use across all
// proxies, or 0 when none are assigned.
func (s *Store) MaxAssignedPort(ctx context.Context) (int, error) {
	var port sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(current_port) FROM proxy_url`).Scan(&port); err != nil {
		return 0, fmt.Errorf("store: max assigned port: %w", err)
	}
	return int(port.Int64), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
