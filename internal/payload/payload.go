// Package payload maps the child's raw TikTok API JSON onto database
// column sets.
package payload

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/tokspider/tokspider/internal/model"
)

// AccountColumns flattens a get_user_info data payload into the shared
// column map for the account and user-details tables. The payload must
// carry userInfo.user with a non-empty id.
func AccountColumns(raw json.RawMessage, now time.Time) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("payload: decode user info: %w", err)
	}

	userInfo := asMap(doc["userInfo"])
	user := asMap(userInfo["user"])
	stats := asMap(userInfo["stats"])
	if user == nil {
		return nil, fmt.Errorf("payload: userInfo.user missing")
	}
	id, _ := user["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("payload: userInfo.user.id missing")
	}

	profileTab := asMap(user["profileTab"])
	commerce := asMap(user["commerceUserInfo"])
	bioLink := asMap(user["bioLink"])

	cols := map[string]any{
		"tiktok_id":                     id,
		"unique_id":                     coerce(user["uniqueId"]),
		"nickname":                      coerce(user["nickname"]),
		"avatar_larger":                 coerce(user["avatarLarger"]),
		"avatar_medium":                 coerce(user["avatarMedium"]),
		"avatar_thumb":                  coerce(user["avatarThumb"]),
		"signature":                     coerce(user["signature"]),
		"verified":                      coerce(user["verified"]),
		"sec_uid":                       coerce(user["secUid"]),
		"private_account":               coerce(user["privateAccount"]),
		"following_visibility":          coerce(user["followingVisibility"]),
		"comment_setting":               coerce(user["commentSetting"]),
		"duet_setting":                  coerce(user["duetSetting"]),
		"stitch_setting":                coerce(user["stitchSetting"]),
		"download_setting":              coerce(user["downloadSetting"]),
		"profile_embed_permission":      coerce(user["profileEmbedPermission"]),
		"profile_tab_show_playlist_tab": coerce(profileTab["showPlaylistTab"]),
		"commerce_user":                 coerce(commerce["commerceUser"]),
		"tt_seller":                     coerce(commerce["ttSeller"]),
		"relation":                      coerce(user["relation"]),
		"is_ad_virtual":                 coerce(user["isAdVirtual"]),
		"is_embed_banned":               coerce(user["isEmbedBanned"]),
		"open_favorite":                 coerce(user["openFavorite"]),
		"nick_name_modify_time":         coerce(user["nicknameModifyTime"]),
		"can_exp_playlist":              coerce(user["canExpPlaylist"]),
		"secret":                        coerce(user["secret"]),
		"ftc":                           coerce(user["ftc"]),
		"link":                          coerce(bioLink["link"]),
		"risk":                          coerce(bioLink["risk"]),
		"digg_count":                    coerce(stats["diggCount"]),
		"follower_count":                coerce(stats["followerCount"]),
		"following_count":               coerce(stats["followingCount"]),
		"friend_count":                  coerce(stats["friendCount"]),
		"heart_count":                   coerce(stats["heartCount"]),
		"video_count":                   coerce(stats["videoCount"]),
		"updated_at":                    now.Unix(),
		"comments":                      model.StatusFetched,
	}
	return cols, nil
}

// VideoColumns flattens one get_user_videos item into the video-details
// column map. Items without an id are rejected.
func VideoColumns(item map[string]any, now time.Time) (map[string]any, error) {
	id, _ := item["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("payload: video id missing")
	}

	author := asMap(item["author"])
	statsV2 := asMap(item["statsV2"])
	control := asMap(item["itemControl"])

	cols := map[string]any{
		"tiktok_video_id":               id,
		"author_id":                     coerce(author["id"]),
		"aigc_description":              coerce(item["AIGCDescription"]),
		"category_type":                 coerce(item["CategoryType"]),
		"backend_source_event_tracking": coerce(item["backendSourceEventTracking"]),
		"collected":                     coerce(item["collected"]),
		"create_time":                   coerce(item["createTime"]),
		"video_desc":                    coerce(item["desc"]),
		"digged":                        coerce(item["digged"]),
		"diversification_id":            coerce(item["diversificationId"]),
		"duet_display":                  coerce(item["duetDisplay"]),
		"duet_enabled":                  coerce(item["duetEnabled"]),
		"for_friend":                    coerce(item["forFriend"]),
		"item_comment_status":           coerce(item["itemCommentStatus"]),
		"offical_item":                  coerce(item["officalItem"]),
		"original_item":                 coerce(item["originalItem"]),
		"private_item":                  coerce(item["privateItem"]),
		"secret":                        coerce(item["secret"]),
		"share_enabled":                 coerce(item["shareEnabled"]),
		"stitch_display":                coerce(item["stitchDisplay"]),
		"stitch_enabled":                coerce(item["stitchEnabled"]),
		"can_repost":                    coerce(control["can_repost"]),
		"collect_count":                 coerce(statsV2["collectCount"]),
		"comment_count":                 coerce(statsV2["commentCount"]),
		"digg_count":                    coerce(statsV2["diggCount"]),
		"play_count":                    coerce(statsV2["playCount"]),
		"repost_count":                  coerce(statsV2["repostCount"]),
		"share_count":                   coerce(statsV2["shareCount"]),
		"updated_at":                    now.Unix(),
	}
	return cols, nil
}

// VideoList decodes a get_user_videos data payload into its item maps.
// Accepts either a bare array or an object with an "itemList" field.
func VideoList(raw json.RawMessage) ([]map[string]any, error) {
	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err == nil {
		return items, nil
	}

	var doc struct {
		ItemList []map[string]any `json:"itemList"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("payload: decode video list: %w", err)
	}
	return doc.ItemList, nil
}

// asMap returns v as a JSON object, or nil. Lookups on a nil map
// yield nil, so absent branches read as missing values.
func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// coerce normalizes decoded JSON scalars for SQLite columns: bools
// become 0/1, integral floats become int64. Missing values stay nil.
func coerce(v any) any {
	switch t := v.(type) {
	case bool:
		if t {
			return int64(1)
		}
		return int64(0)
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) {
			return int64(t)
		}
		return t
	default:
		return v
	}
}
