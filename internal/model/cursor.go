package model

import (
	"sort"
	"time"
)

// ThreadCursor は、一つのスレッドについて最後に観測した状態です。
type ThreadCursor struct {
	LastPostID   int64   `json:"last_post_id"`
	LastModified int64   `json:"last_modified"`
	KnownPostIDs []int64 `json:"known_post_ids,omitempty"` // 昇順
	Misses       int     `json:"misses,omitempty"`
	// Gone は、カタログに残っているがスレッド本体が 404 を返したことを示します。
	Gone bool `json:"gone,omitempty"`
}

// SyncCursor は、板ごとの差分計算に必要な最小限の状態です。
type SyncCursor struct {
	Threads   map[int64]ThreadCursor `json:"threads"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// NewSyncCursor は、空のカーソルを返します。
func NewSyncCursor() *SyncCursor {
	return &SyncCursor{Threads: make(map[int64]ThreadCursor)}
}

// Clone は、カーソルのディープコピーを返します。nil の場合は空のカーソルを返します。
func (c *SyncCursor) Clone() *SyncCursor {
	out := NewSyncCursor()
	if c == nil {
		return out
	}
	out.UpdatedAt = c.UpdatedAt
	for id, tc := range c.Threads {
		if tc.KnownPostIDs != nil {
			tc.KnownPostIDs = append([]int64(nil), tc.KnownPostIDs...)
		}
		out.Threads[id] = tc
	}
	return out
}

// LastSeenThreadIDs は、カーソルが追跡しているスレッドIDを昇順で返します。
func (c *SyncCursor) LastSeenThreadIDs() []int64 {
	if c == nil {
		return nil
	}
	ids := make([]int64, 0, len(c.Threads))
	for id, tc := range c.Threads {
		if tc.Gone {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// PerThreadLastPostID は、スレッドID→最終レス番号のマップを返します。
func (c *SyncCursor) PerThreadLastPostID() map[int64]int64 {
	out := make(map[int64]int64)
	if c == nil {
		return out
	}
	for id, tc := range c.Threads {
		if tc.Gone {
			continue
		}
		out[id] = tc.LastPostID
	}
	return out
}
