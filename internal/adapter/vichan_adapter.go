package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/url"
	"strconv"
	"strings"
	"time"

	"GoImageBoardSync/internal/model"
	"GoImageBoardSync/internal/network"
)

func init() {
	// vichan 系（派生の tinyboard / lainchan も同じ JSON API を持つ）
	Register("vichan", NewVichanAdapter)
	Register("tinyboard", NewVichanAdapter)
	Register("lainchan", NewVichanAdapter)
}

// vichanMaxIndexPages は、catalog.json が無い場合に辿るインデックスページ数の上限です。
const vichanMaxIndexPages = 100

// VichanAdapter は、vichan 系エンジンの JSON API を扱います。
type VichanAdapter struct {
	baseURL string
	fetcher Fetcher
}

// NewVichanAdapter は、VichanAdapterの新しいインスタンスを返します。
func NewVichanAdapter(site model.SiteDescriptor, fetcher Fetcher) (BackendAdapter, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("vichanアダプタにFetcherが指定されていません (site=%s)", site.ID)
	}
	base, err := url.Parse(site.BaseURL())
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("サイトのベースURLが不正です (site=%s, domain=%s): %v", site.ID, site.Domain, err)
	}
	return &VichanAdapter{
		baseURL: strings.TrimSuffix(base.String(), "/"),
		fetcher: fetcher,
	}, nil
}

// Engine は "vichan" を返します。
func (a *VichanAdapter) Engine() string { return "vichan" }

// MinRequestInterval は、vichan 系サイトへの推奨リクエスト間隔です。
func (a *VichanAdapter) MinRequestInterval() time.Duration { return time.Second }

// NormalizeAuthor は、空の名前欄に fallback を適用します。
func (a *VichanAdapter) NormalizeAuthor(raw, fallback string) string {
	return normalizeAuthor(raw, fallback)
}

func (a *VichanAdapter) boardURL(boardID string, elems ...string) string {
	parts := append([]string{a.baseURL, url.PathEscape(boardID)}, elems...)
	return strings.Join(parts, "/")
}

// --- JSON の形 ---

// flexString は、数値と文字列のどちらで来ても受け付ける値です（tim など）。
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(string(b))
	return nil
}

func (f flexString) truthy() bool {
	switch string(f) {
	case "", "0", "false":
		return false
	}
	return true
}

type vichanFile struct {
	Tim      flexString `json:"tim"`
	Ext      string     `json:"ext"`
	Filename string     `json:"filename"`
	MD5      string     `json:"md5"`
	Fsize    int64      `json:"fsize"`
}

type vichanPost struct {
	No           int64        `json:"no"`
	Resto        int64        `json:"resto"`
	Name         string       `json:"name"`
	Trip         string       `json:"trip"`
	Sub          string       `json:"sub"`
	Com          string       `json:"com"`
	Time         int64        `json:"time"`
	Replies      int          `json:"replies"`
	Images       int          `json:"images"`
	LastModified int64        `json:"last_modified"`
	Archived     flexString   `json:"archived"`
	ExtraFiles   []vichanFile `json:"extra_files"`
	vichanFile
}

type vichanCatalogPage struct {
	Page    int          `json:"page"`
	Threads []vichanPost `json:"threads"`
}

type vichanIndexPage struct {
	Threads []struct {
		Posts []vichanPost `json:"posts"`
	} `json:"threads"`
}

type vichanThread struct {
	Posts []vichanPost `json:"posts"`
}

// ListThreads は catalog.json を取得してスレッド一覧を返します。
// catalog.json が存在しない場合はインデックスページ (0.json, 1.json, ...) を順に辿ります。
func (a *VichanAdapter) ListThreads(ctx context.Context, boardID string) ([]model.ThreadSummary, error) {
	catalogURL := a.boardURL(boardID, "catalog.json")
	body, err := a.fetcher.Get(ctx, catalogURL)
	if err != nil {
		if network.IsNotFound(err) {
			return a.listThreadsFromIndex(ctx, boardID)
		}
		return nil, fmt.Errorf("カタログの取得に失敗しました (board=%s, url=%s): %w", boardID, catalogURL, err)
	}

	var pages []vichanCatalogPage
	if err := json.Unmarshal(body, &pages); err != nil {
		return nil, malformed(catalogURL, "catalog.json のデコードに失敗", err)
	}

	var threads []model.ThreadSummary
	seen := make(map[int64]bool)
	for _, page := range pages {
		for _, op := range page.Threads {
			if op.No <= 0 || seen[op.No] {
				continue
			}
			seen[op.No] = true
			threads = append(threads, summaryFromOP(boardID, op))
		}
	}
	return threads, nil
}

func (a *VichanAdapter) listThreadsFromIndex(ctx context.Context, boardID string) ([]model.ThreadSummary, error) {
	var threads []model.ThreadSummary
	seen := make(map[int64]bool)

	for page := 0; page < vichanMaxIndexPages; page++ {
		pageURL := a.boardURL(boardID, strconv.Itoa(page)+".json")
		body, err := a.fetcher.Get(ctx, pageURL)
		if err != nil {
			if network.IsNotFound(err) {
				if page == 0 {
					return nil, fmt.Errorf("板のインデックスが見つかりません (board=%s, url=%s): %w", boardID, pageURL, err)
				}
				break
			}
			return nil, fmt.Errorf("インデックスページの取得に失敗しました (board=%s, page=%d): %w", boardID, page, err)
		}

		var index vichanIndexPage
		if err := json.Unmarshal(body, &index); err != nil {
			return nil, malformed(pageURL, "インデックスページのデコードに失敗", err)
		}
		if len(index.Threads) == 0 {
			break
		}
		for _, t := range index.Threads {
			if len(t.Posts) == 0 {
				continue
			}
			op := t.Posts[0]
			if op.No <= 0 || seen[op.No] {
				continue
			}
			seen[op.No] = true
			summary := summaryFromOP(boardID, op)
			if op.LastModified == 0 {
				// last_modified を出さない古い実装では最終レス番号で代用する
				summary.LastModified = t.Posts[len(t.Posts)-1].No
			}
			threads = append(threads, summary)
		}
	}
	return threads, nil
}

func summaryFromOP(boardID string, op vichanPost) model.ThreadSummary {
	signal := op.LastModified
	if signal == 0 {
		signal = int64(op.Replies)
	}
	var bumped time.Time
	if op.LastModified > 0 {
		bumped = time.Unix(op.LastModified, 0).UTC()
	}
	return model.ThreadSummary{
		ID:           op.No,
		BoardID:      boardID,
		Subject:      op.Sub,
		ReplyCount:   op.Replies,
		ImageCount:   op.Images,
		BumpedAt:     bumped,
		LastModified: signal,
	}
}

// FetchThread は res/{no}.json を取得して全レスを返します。
func (a *VichanAdapter) FetchThread(ctx context.Context, boardID string, threadID int64) (*model.Thread, error) {
	threadURL := a.boardURL(boardID, "res", strconv.FormatInt(threadID, 10)+".json")
	body, err := a.fetcher.Get(ctx, threadURL)
	if err != nil {
		if network.IsNotFound(err) {
			return nil, fmt.Errorf("%w (board=%s, thread_id=%d)", ErrThreadGone, boardID, threadID)
		}
		return nil, fmt.Errorf("スレッドの取得に失敗しました (board=%s, thread_id=%d): %w", boardID, threadID, err)
	}

	var raw vichanThread
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, malformed(threadURL, "スレッドJSONのデコードに失敗", err)
	}
	if len(raw.Posts) == 0 {
		return nil, malformed(threadURL, "レスが一つもありません", nil)
	}
	op := raw.Posts[0]
	if op.No != threadID {
		return nil, malformed(threadURL, fmt.Sprintf("先頭レス番号 %d がスレッド番号と一致しません", op.No), nil)
	}

	thread := &model.Thread{
		ID:           threadID,
		BoardID:      boardID,
		Subject:      op.Sub,
		CreatedAt:    time.Unix(op.Time, 0).UTC(),
		LastModified: op.LastModified,
		IsArchived:   op.Archived.truthy(),
		Posts:        make([]model.Post, 0, len(raw.Posts)),
	}
	if thread.LastModified == 0 {
		thread.LastModified = int64(len(raw.Posts) - 1)
	}

	seen := make(map[int64]bool, len(raw.Posts))
	for _, p := range raw.Posts {
		if p.No <= 0 {
			return nil, malformed(threadURL, fmt.Sprintf("レス番号 %d が不正です", p.No), nil)
		}
		if seen[p.No] {
			continue
		}
		seen[p.No] = true
		thread.Posts = append(thread.Posts, a.convertPost(boardID, threadID, p))
	}
	return thread, nil
}

func (a *VichanAdapter) convertPost(boardID string, threadID int64, p vichanPost) model.Post {
	post := model.Post{
		ID:           p.No,
		ThreadID:     threadID,
		AuthorName:   p.Name,
		Tripcode:     p.Trip,
		Subject:      p.Sub,
		TimestampRaw: strconv.FormatInt(p.Time, 10),
		BodyRaw:      p.Com,
		BodyText:     htmlToText(p.Com),
	}
	if p.Time > 0 {
		post.Timestamp = time.Unix(p.Time, 0).UTC()
	}
	if att, ok := a.attachment(boardID, p.vichanFile); ok {
		post.Attachments = append(post.Attachments, att)
	}
	for _, f := range p.ExtraFiles {
		if att, ok := a.attachment(boardID, f); ok {
			post.Attachments = append(post.Attachments, att)
		}
	}
	return post
}

func (a *VichanAdapter) attachment(boardID string, f vichanFile) (model.Attachment, bool) {
	if f.Tim == "" || f.Ext == "" || f.Ext == "deleted" {
		return model.Attachment{}, false
	}
	ext := strings.ToLower(f.Ext)
	thumbExt := ".jpg"
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		thumbExt = ext
	}
	att := model.Attachment{
		URL:              a.boardURL(boardID, "src", string(f.Tim)+f.Ext),
		ThumbnailURL:     a.boardURL(boardID, "thumb", string(f.Tim)+thumbExt),
		OriginalFilename: f.Filename + f.Ext,
		MimeHint:         mime.TypeByExtension(ext),
		Size:             f.Fsize,
	}
	if f.MD5 != "" {
		att.Checksum = "md5:" + f.MD5
	}
	return att, true
}
