package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/tokspider/tokspider/internal/model"
)

// accountColumns is the writable column set of tiktok_account and
// tiktok_user_details (the two tables share their scalar fields).
// Payload keys outside this set are dropped at the persistence boundary.
var accountColumns = map[string]bool{
	"tiktok_account": true, "tiktok_id": true, "unique_id": true,
	"nickname": true, "avatar_larger": true, "avatar_medium": true,
	"avatar_thumb": true, "signature": true, "verified": true,
	"sec_uid": true, "private_account": true, "following_visibility": true,
	"comment_setting": true, "duet_setting": true, "stitch_setting": true,
	"download_setting": true, "profile_embed_permission": true,
	"profile_tab_show_playlist_tab": true, "commerce_user": true,
	"tt_seller": true, "relation": true, "is_ad_virtual": true,
	"is_embed_banned": true, "open_favorite": true,
	"nick_name_modify_time": true, "can_exp_playlist": true,
	"secret": true, "ftc": true, "link": true, "risk": true,
	"digg_count": true, "follower_count": true, "following_count": true,
	"friend_count": true, "heart_count": true, "video_count": true,
	"updated_at": true, "comments": true,
}

// videoColumns is the writable column set of tiktok_video_details.
var videoColumns = map[string]bool{
	"tiktok_video_id": true, "author_id": true, "aigc_description": true,
	"category_type": true, "backend_source_event_tracking": true,
	"collected": true, "create_time": true, "video_desc": true,
	"digged": true, "diversification_id": true, "duet_display": true,
	"duet_enabled": true, "for_friend": true, "item_comment_status": true,
	"offical_item": true, "original_item": true, "private_item": true,
	"secret": true, "share_enabled": true, "stitch_display": true,
	"stitch_enabled": true, "can_repost": true, "collect_count": true,
	"comment_count": true, "digg_count": true, "play_count": true,
	"repost_count": true, "share_count": true, "updated_at": true,
}

// FetchActiveAccounts returns the active-relationship handles
// left-joined against the account table. Priority computation and
// filtering happen in the scheduler.
func (s *Store) FetchActiveAccounts(ctx context.Context) ([]model.AccountRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.tiktok_account, a.tiktok_id, a.updated_at, a.comments
		FROM tiktok_relationship r
		LEFT JOIN tiktok_account a ON a.tiktok_account = r.tiktok_account
		WHERE r.status = 1`)
	if err != nil {
		return nil, fmt.Errorf("store: fetch active accounts: %w", err)
	}
	defer rows.Close()

	var out []model.AccountRow
	for rows.Next() {
		var row model.AccountRow
		var tikTokID, comments sql.NullString
		var updatedAt sql.NullInt64
		if err := rows.Scan(&row.Handle, &tikTokID, &updatedAt, &comments); err != nil {
			return nil, fmt.Errorf("store: scan active account: %w", err)
		}
		if tikTokID.Valid {
			row.TikTokID = &tikTokID.String
		}
		if updatedAt.Valid {
			row.UpdatedAtS = &updatedAt.Int64
		}
		if comments.Valid {
			row.Comments = &comments.String
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate active accounts: %w", err)
	}
	return out, nil
}

// UpsertAccount writes the account row (PK handle) and, when the
// payload carries a platform id, the user-details row (PK tiktok_id),
// in one transaction. Any failure rolls back both writes.
func (s *Store) UpsertAccount(ctx context.Context, handle string, cols map[string]any) error {
	if handle == "" {
		return fmt.Errorf("store: upsert account: empty handle")
	}

	filtered := filterColumns(cols, accountColumns)
	filtered["tiktok_account"] = handle

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: upsert account begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := upsertRow(ctx, tx, "tiktok_account", "tiktok_account", filtered); err != nil {
		return fmt.Errorf("store: upsert account %q: %w", handle, err)
	}

	if id, ok := filtered["tiktok_id"].(string); ok && id != "" {
		if err := upsertRow(ctx, tx, "tiktok_user_details", "tiktok_id", filtered); err != nil {
			return fmt.Errorf("store: upsert user details %q: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: upsert account commit: %w", err)
	}
	return nil
}

// UpsertVideos writes each video row keyed by tiktok_video_id in a
// single transaction. Rows without an id are skipped and logged.
func (s *Store) UpsertVideos(ctx context.Context, rows []map[string]any) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: upsert videos begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, cols := range rows {
		filtered := filterColumns(cols, videoColumns)
		id, ok := filtered["tiktok_video_id"].(string)
		if !ok || id == "" {
			log.Printf("[store] warning: skip video row without tiktok_video_id")
			continue
		}
		if err := upsertRow(ctx, tx, "tiktok_video_details", "tiktok_video_id", filtered); err != nil {
			return fmt.Errorf("store: upsert video %q: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: upsert videos commit: %w", err)
	}
	return nil
}

// SetAccountComment updates the account's comments status (creating a
// stub row when the account was never fetched) and bumps updated_at.
func (s *Store) SetAccountComment(ctx context.Context, handle, comment string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tiktok_account (tiktok_account, comments, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(tiktok_account) DO UPDATE SET
			comments   = excluded.comments,
			updated_at = excluded.updated_at`,
		handle, comment, s.now().Unix())
	if err != nil {
		return fmt.Errorf("store: set account comment %q: %w", handle, err)
	}
	return nil
}

// filterColumns drops payload keys that are not persisted columns.
func filterColumns(cols map[string]any, allowed map[string]bool) map[string]any {
	out := make(map[string]any, len(cols))
	for k, v := range cols {
		if allowed[k] {
			out[k] = v
		}
	}
	return out
}

// upsertRow builds and executes INSERT ... ON CONFLICT(pk) DO UPDATE
// for a dynamic column map. Column order is sorted so generated SQL is
// deterministic.
func upsertRow(ctx context.Context, tx *sql.Tx, table, pk string, cols map[string]any) error {
	names := make([]string, 0, len(cols))
	for k := range cols {
		names = append(names, k)
	}
	sort.Strings(names)

	placeholders := make([]string, len(names))
	updates := make([]string, 0, len(names))
	args := make([]any, len(names))
	for i, name := range names {
		placeholders[i] = "?"
		args[i] = cols[name]
		if name != pk {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", name, name))
		}
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(names, ", "), strings.Join(placeholders, ", "),
	)
	if len(updates) > 0 {
		query += fmt.Sprintf(" ON CONFLICT(%s) DO UPDATE SET %s", pk, strings.Join(updates, ", "))
	} else {
		query += fmt.Sprintf(" ON CONFLICT(%s) DO NOTHING", pk)
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return err
	}
	return nil
}
