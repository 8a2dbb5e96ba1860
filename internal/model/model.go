// Package model は、エンジン（掲示板ソフトウェア）に依存しない正規化済みの
// 板・スレッド・レス・添付ファイルの表現を定義します。
package model

import (
	"fmt"
	"time"
)

// BoardRef は、サイト内の板を識別します。ID はバックエンドへのリクエストパスに使われます。
type BoardRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// SiteDescriptor は、外部設定から渡されるサイト定義です。コアからは読み取り専用です。
type SiteDescriptor struct {
	ID                string
	Domain            string
	Scheme            string // 空の場合は https
	EngineID          string
	DefaultAuthorName string
	Boards            []BoardRef
}

// BaseURL は、スキームとドメインからサイトのルートURLを返します。
func (s SiteDescriptor) BaseURL() string {
	scheme := s.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + s.Domain
}

// Board は、指定IDの板を返します。
func (s SiteDescriptor) Board(id string) (BoardRef, bool) {
	for _, b := range s.Boards {
		if b.ID == id {
			return b, true
		}
	}
	return BoardRef{}, false
}

// Validate は、コアが必要とするフィールドが揃っているかを検証します。
func (s SiteDescriptor) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("サイトIDが空です")
	}
	if s.Domain == "" {
		return fmt.Errorf("サイト '%s' のドメインが空です", s.ID)
	}
	if s.EngineID == "" {
		return fmt.Errorf("サイト '%s' のエンジンが指定されていません", s.ID)
	}
	if len(s.Boards) == 0 {
		return fmt.Errorf("サイト '%s' に板が一つも定義されていません", s.ID)
	}
	seen := make(map[string]bool, len(s.Boards))
	for _, b := range s.Boards {
		if b.ID == "" {
			return fmt.Errorf("サイト '%s' に空の板IDがあります", s.ID)
		}
		if seen[b.ID] {
			return fmt.Errorf("サイト '%s' の板ID '%s' が重複しています", s.ID, b.ID)
		}
		seen[b.ID] = true
	}
	return nil
}

// ThreadSummary は、カタログから抽出されたスレッドの基本情報を保持します。
type ThreadSummary struct {
	ID         int64
	BoardID    string
	Subject    string
	ReplyCount int
	ImageCount int
	BumpedAt   time.Time
	// LastModified は更新検知用のシグナルです（最終更新時刻やレス数）。等値比較にのみ使います。
	LastModified int64
}

// Thread は、全レスを含むスレッドです。同一性は (BoardID, ID) です。
type Thread struct {
	ID           int64
	BoardID      string
	Subject      string
	CreatedAt    time.Time
	LastModified int64
	Posts        []Post
	IsArchived   bool
	IsDeleted    bool
}

// MaxPostID は、スレッド内で最大のレス番号を返します。
func (t *Thread) MaxPostID() int64 {
	var maxID int64
	for _, p := range t.Posts {
		if p.ID > maxID {
			maxID = p.ID
		}
	}
	return maxID
}

// Post は、単一のレスです。観測後は削除以外で変化しません。
type Post struct {
	ID           int64
	ThreadID     int64
	AuthorName   string
	Tripcode     string
	Subject      string
	TimestampRaw string
	Timestamp    time.Time
	BodyRaw      string
	BodyText     string
	Attachments  []Attachment
}

// Attachment は、レスに添付されたファイルです。
type Attachment struct {
	URL              string
	ThumbnailURL     string
	OriginalFilename string
	Checksum         string // 不明な場合は空
	MimeHint         string
	Size             int64
}
