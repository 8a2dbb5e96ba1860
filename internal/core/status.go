// Package core は、同期エンジンの中核となるロジック（差分検出・オーケストレーション・
// 巡回スケジューリング）を実装します。
package core

import (
	"fmt"
	"time"
)

// BoardState は板ごとの巡回状態を表すenumです。
type BoardState int

const (
	StateIdle     BoardState = iota // 待機中
	StateFetching                   // 取得中
	StateDiffing                    // 差分計算中
	StateBackoff                    // 失敗後の待機中
	StateDegraded                   // 連続失敗により停止中
)

// String は BoardState を人間可読な文字列に変換します。
func (s BoardState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateFetching:
		return "Fetching"
	case StateDiffing:
		return "Diffing"
	case StateBackoff:
		return "Backoff"
	case StateDegraded:
		return "Degraded"
	default:
		return "Unknown"
	}
}

// BoardStatus は、スケジューラから見た一つの板の状態のスナップショットです。
type BoardStatus struct {
	SiteID      string
	BoardID     string
	Domain      string
	State       BoardState
	Failures    int       // 連続失敗回数
	NextDue     time.Time // 次に取得可能になる時刻
	LastSuccess time.Time
	LastError   string
}

// SessionStats はセッション統計情報を管理します。
type SessionStats struct {
	StartTime       time.Time // 起動時刻
	Cycles          int       // 成功した同期サイクル数
	Failures        int       // 失敗した同期サイクル数
	EventsPublished int       // 通知したイベント数
	ThreadsFetched  int       // 取得したスレッド数
	DegradedBoards  int       // 停止中の板の数
}

// FormatSessionInfo はセッション統計情報を文字列にフォーマットします。
func (s *SessionStats) FormatSessionInfo() string {
	uptime := time.Since(s.StartTime)
	hours := int(uptime.Hours())
	minutes := int(uptime.Minutes()) % 60

	return fmt.Sprintf("起動: %dh%dm | サイクル: %d | 失敗: %d | イベント: %d | スレッド取得: %d | 停止中: %d",
		hours, minutes, s.Cycles, s.Failures, s.EventsPublished, s.ThreadsFetched, s.DegradedBoards)
}
