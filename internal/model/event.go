package model

import (
	"fmt"
	"time"
)

// EventKind は、アーカイブ側へ通知するドメインイベントの種類です。
type EventKind int

const (
	EventNewThread EventKind = iota + 1
	EventNewPost
	EventThreadDeleted
	EventPostDeleted
	EventBoardDegraded
)

// String は EventKind を文字列に変換します。
func (k EventKind) String() string {
	switch k {
	case EventNewThread:
		return "NewThread"
	case EventNewPost:
		return "NewPost"
	case EventThreadDeleted:
		return "ThreadDeleted"
	case EventPostDeleted:
		return "PostDeleted"
	case EventBoardDegraded:
		return "BoardDegraded"
	default:
		return "Unknown"
	}
}

// Event は、同期サイクルで検出された変化の一つです。
// 受け手は Key() で重複配信を吸収する必要があります（at-least-once）。
type Event struct {
	Kind       EventKind
	SiteID     string
	BoardID    string
	ThreadID   int64
	PostID     int64
	Thread     *Thread // NewThread のみ
	Post       *Post   // NewPost のみ
	Reason     string  // ThreadDeleted / BoardDegraded の理由
	ObservedAt time.Time
}

// Key は、イベントの自然な同一性を返します。
func (e Event) Key() string {
	return fmt.Sprintf("%s/%s/%s/%d/%d", e.Kind, e.SiteID, e.BoardID, e.ThreadID, e.PostID)
}
