// Package model defines domain structs shared across the persistence layer.
package model

// AccountStatus values stored in the tiktok_account comments column.
const (
	StatusFetched   = "获取成功"
	StatusFailed    = "获取失败"
	StatusNotExists = "账号不存在"
)

// AccountRow is one row of the eligible-account join: the active
// relationship handle left-joined against the account table.
type AccountRow struct {
	Handle     string  `json:"handle"`
	TikTokID   *string `json:"tiktok_id"`
	UpdatedAtS *int64  `json:"updated_at_s"` // unix seconds; nil if never fetched
	Comments   *string `json:"comments"`
}

// Proxy represents a proxy_url row.
type Proxy struct {
	ID           int64   `json:"id"`
	SubscribeID  int64   `json:"subscribe_id"`
	URL          string  `json:"url"`
	Type         string  `json:"type"`
	CurrentPort  int     `json:"current_port"`
	IsUsing      bool    `json:"is_using"`
	CurrentDelay float64 `json:"current_delay"`
	DelayCount   int64   `json:"delay_count"`
	AvgDelay     float64 `json:"avg_delay"`
	SuccessCount int64   `json:"success_count"`
	FailCount    int64   `json:"fail_count"`
	SuccessRate  float64 `json:"success_rate"`
}

// LeasedProxy is the narrow view handed to a session at acquire time.
type LeasedProxy struct {
	ID          int64 `json:"id"`
	CurrentPort int   `json:"current_port"`
}

// ProbeURL is a test_speed_url row.
type ProbeURL struct {
	ID           int64  `json:"id"`
	URL          string `json:"url"`
	SuccessCount int64  `json:"success_count"`
	FailCount    int64  `json:"fail_count"`
}

// SubscribeURL is a subscribe_url row.
type SubscribeURL struct {
	ID  int64  `json:"id"`
	URL string `json:"url"`
}

// TunnelSpec is one upstream tunnel parsed from a subscription, before
// a local port is assigned.
type TunnelSpec struct {
	URL      string `json:"url"`
	Type     string `json:"type"`
	Server   string `json:"server"`
	Port     int    `json:"port"`
	Method   string `json:"method"`
	Password string `json:"password"`
	Tag      string `json:"tag"`
}
