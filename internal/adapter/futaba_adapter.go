package adapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"

	"GoImageBoardSync/internal/model"
	"GoImageBoardSync/internal/network"
)

func init() {
	Register("futaba", NewFutabaAdapter)
}

var (
	// ふたばちゃんねるの正規メディアファイル名を検出 (13桁以上の数字 + 任意の 's' + 拡張子)
	futabaMediaPattern = regexp.MustCompile(`^(\d{13,})(s?)\.(jpg|jpeg|png|webp|gif|webm|mp4|mp3|wav)$`)

	// カタログからのスレッド情報抽出用 (簡易的な正規表現)
	// href属性内に res/<数字>.htm が含まれるものを抽出。シングル/ダブルクォート、前置きの ./ や パスも許容
	catalogLinkPattern  = regexp.MustCompile(`href=["']?([^"'>]*?res/(\d+)\.htm)["']?`)
	catalogTitlePattern = regexp.MustCompile(`<small>(.*?)</small>`)
	catalogCountPattern = regexp.MustCompile(`<font size=["']?2["']?>(\d+)</font>`)
	htmlTagPattern      = regexp.MustCompile(`<[^>]*>`)

	futabaPostNoPattern = regexp.MustCompile(`No\.(\d+)`)
	futabaDatePattern   = regexp.MustCompile(`(\d{2})/(\d{2})/(\d{2})\(.+?\)(\d{2}):(\d{2}):(\d{2})`)
)

// futabaNotFoundMarker は、削除済みスレッドで 200 が返る場合の本文です。
const futabaNotFoundMarker = "スレッドがありません"

var jst = time.FixedZone("JST", 9*60*60)

// FutabaCatalogSettings は、ふたばちゃんねるの 'cxyl' Cookieの各値を定義します。
// 例: 9x100x20x0x0
type FutabaCatalogSettings struct {
	Cols        int // カタログの横のカラム数 (cx)
	Rows        int // カタログの縦の行数 (cy)
	TitleLength int // スレッドタイトルの最大表示文字数 (cl)
}

// DefaultFutabaCatalogSettings は、全スレッドがカタログに載る大きさの既定値です。
var DefaultFutabaCatalogSettings = FutabaCatalogSettings{Cols: 9, Rows: 100, TitleLength: 20}

// cookieSetter は、Cookie を設定できる Fetcher が実装します（network.Client など）。
type cookieSetter interface {
	SetCookie(domainURL string, cookie *http.Cookie) error
}

// FutabaAdapter は、ふたば☆ちゃんねる固有の解析ロジックを実装します。
type FutabaAdapter struct {
	baseURL *url.URL
	fetcher Fetcher
}

// NewFutabaAdapter は、FutabaAdapterの新しいインスタンスを返します。
// Fetcher が Cookie に対応していれば、カタログ表示用の 'cxyl' Cookie を設定します。
func NewFutabaAdapter(site model.SiteDescriptor, fetcher Fetcher) (BackendAdapter, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("futabaアダプタにFetcherが指定されていません (site=%s)", site.ID)
	}
	base, err := url.Parse(site.BaseURL())
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("サイトのベースURLが不正です (site=%s, domain=%s): %v", site.ID, site.Domain, err)
	}

	if cs, ok := fetcher.(cookieSetter); ok {
		settings := DefaultFutabaCatalogSettings
		cookie := &http.Cookie{
			Name:  "cxyl",
			Value: fmt.Sprintf("%dx%dx%dx0x0", settings.Cols, settings.Rows, settings.TitleLength),
			Path:  "/",
		}
		if err := cs.SetCookie(base.String(), cookie); err != nil {
			return nil, fmt.Errorf("'cxyl' Cookieの設定に失敗しました (site=%s): %w", site.ID, err)
		}
	}

	return &FutabaAdapter{baseURL: base, fetcher: fetcher}, nil
}

// Engine は "futaba" を返します。
func (a *FutabaAdapter) Engine() string { return "futaba" }

// MinRequestInterval は、ふたばへの推奨リクエスト間隔です。
func (a *FutabaAdapter) MinRequestInterval() time.Duration { return 2 * time.Second }

// NormalizeAuthor は、空の名前欄に fallback を適用します。
func (a *FutabaAdapter) NormalizeAuthor(raw, fallback string) string {
	return normalizeAuthor(raw, fallback)
}

// BuildCatalogURL は、ふたばのカタログURLを構築します。
func (a *FutabaAdapter) BuildCatalogURL(boardID string) string {
	u := *a.baseURL
	u.Path = path.Join("/", u.Path, boardID, "futaba.php")
	q := url.Values{}
	q.Set("mode", "cat")
	u.RawQuery = q.Encode()
	return u.String()
}

// BuildThreadURL は、スレッドHTMLのURLを構築します。
func (a *FutabaAdapter) BuildThreadURL(boardID string, threadID int64) string {
	u := *a.baseURL
	u.Path = path.Join("/", u.Path, boardID, "res", strconv.FormatInt(threadID, 10)+".htm")
	u.RawQuery = ""
	return u.String()
}

// ListThreads は、カタログHTMLを取得してスレッド一覧を返します。
func (a *FutabaAdapter) ListThreads(ctx context.Context, boardID string) ([]model.ThreadSummary, error) {
	catalogURL := a.BuildCatalogURL(boardID)
	body, err := a.fetcher.Get(ctx, catalogURL)
	if err != nil {
		return nil, fmt.Errorf("カタログHTMLの取得に失敗しました (board=%s, url=%s): %w", boardID, catalogURL, err)
	}
	threads, err := a.ParseCatalog(boardID, body)
	if err != nil {
		return nil, malformed(catalogURL, "カタログHTMLの解析に失敗", err)
	}
	return threads, nil
}

// ParseCatalog は、カタログHTMLを解析し、スレッド情報のスライスを返します。
// 正規表現を用いてリンクと、その周辺のテキスト（タイトルとレス数）を抽出します。
func (a *FutabaAdapter) ParseCatalog(boardID string, htmlBody []byte) ([]model.ThreadSummary, error) {
	// Shift_JIS -> UTF-8 変換
	utf8BodyStr, err := decodeShiftJIS(htmlBody)
	if err != nil {
		return nil, fmt.Errorf("文字コード変換に失敗しました: %w", err)
	}

	matches := catalogLinkPattern.FindAllStringSubmatchIndex(utf8BodyStr, -1)
	if len(matches) == 0 && !strings.Contains(utf8BodyStr, "<table") {
		return nil, fmt.Errorf("カタログの表が見つかりません (size=%d bytes)", len(htmlBody))
	}

	var threads []model.ThreadSummary
	seen := make(map[int64]bool)

	for i, m := range matches {
		if len(m) < 6 {
			continue
		}
		// m[4]:m[5] -> ID
		id, err := strconv.ParseInt(utf8BodyStr[m[4]:m[5]], 10, 64)
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true

		// タイトルとレス数は、このリンクから次のリンクまでの範囲を検索
		endPos := m[1]
		searchLimit := len(utf8BodyStr)
		if i+1 < len(matches) {
			searchLimit = matches[i+1][0]
		}
		if searchLimit > endPos+600 {
			searchLimit = endPos + 600
		}
		searchArea := utf8BodyStr[endPos:searchLimit]

		title := ""
		if match := catalogTitlePattern.FindStringSubmatch(searchArea); len(match) > 1 {
			extracted := strings.ReplaceAll(match[1], "<br>", " ")
			title = strings.TrimSpace(htmlTagPattern.ReplaceAllString(extracted, ""))
		}

		resCount := 0
		if match := catalogCountPattern.FindStringSubmatch(searchArea); len(match) > 1 {
			resCount, _ = strconv.Atoi(match[1])
		}

		threads = append(threads, model.ThreadSummary{
			ID:           id,
			BoardID:      boardID,
			Subject:      title,
			ReplyCount:   resCount,
			// カタログにはレス数しか無いため、これを更新シグナルにする。
			// 取得間隔の間に削除と新着が同数あった場合は次に数が変わるまで検出されない。
			LastModified: int64(resCount),
		})
	}

	return threads, nil
}

// FetchThread は、スレッドHTMLを取得して全レスを返します。
func (a *FutabaAdapter) FetchThread(ctx context.Context, boardID string, threadID int64) (*model.Thread, error) {
	threadURL := a.BuildThreadURL(boardID, threadID)
	body, err := a.fetcher.Get(ctx, threadURL)
	if err != nil {
		if network.IsNotFound(err) {
			return nil, fmt.Errorf("%w (board=%s, thread_id=%d)", ErrThreadGone, boardID, threadID)
		}
		return nil, fmt.Errorf("スレッドHTMLの取得に失敗しました (board=%s, thread_id=%d): %w", boardID, threadID, err)
	}
	return a.ParseThread(boardID, threadID, threadURL, body)
}

// ParseThread は、Shift_JIS のスレッドHTMLを解析します。
func (a *FutabaAdapter) ParseThread(boardID string, threadID int64, threadURL string, htmlBody []byte) (*model.Thread, error) {
	htmlContent, err := decodeShiftJIS(htmlBody)
	if err != nil {
		return nil, malformed(threadURL, "文字コード変換に失敗", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return nil, malformed(threadURL, "HTMLの解析に失敗", err)
	}
	base, err := url.Parse(threadURL)
	if err != nil {
		return nil, fmt.Errorf("スレッドURLの解析に失敗しました: %w", err)
	}

	thre := doc.Find("div.thre").First()
	if thre.Length() == 0 {
		if strings.Contains(htmlContent, futabaNotFoundMarker) {
			return nil, fmt.Errorf("%w (board=%s, thread_id=%d)", ErrThreadGone, boardID, threadID)
		}
		return nil, malformed(threadURL, "div.thre が見つかりません", nil)
	}

	// スレ本文は返信テーブルを除いた部分
	opSel := thre.Clone()
	opSel.Find("table").Remove()
	op := parseFutabaPost(opSel, base, threadID)
	if op.ID == 0 {
		if v, ok := thre.Attr("data-res"); ok {
			op.ID, _ = strconv.ParseInt(v, 10, 64)
		}
	}
	if op.ID != threadID {
		return nil, malformed(threadURL, fmt.Sprintf("スレ番号 %d がスレッド番号と一致しません", op.ID), nil)
	}

	thread := &model.Thread{
		ID:        threadID,
		BoardID:   boardID,
		Subject:   op.Subject,
		CreatedAt: op.Timestamp,
		Posts:     []model.Post{op},
	}

	seen := map[int64]bool{op.ID: true}
	thre.Find("td.rtd").Each(func(_ int, s *goquery.Selection) {
		p := parseFutabaPost(s, base, threadID)
		if p.ID == 0 || seen[p.ID] {
			return
		}
		seen[p.ID] = true
		thread.Posts = append(thread.Posts, p)
	})
	thread.LastModified = int64(len(thread.Posts) - 1)
	return thread, nil
}

func parseFutabaPost(s *goquery.Selection, base *url.URL, threadID int64) model.Post {
	var post model.Post
	post.ThreadID = threadID

	if m := futabaPostNoPattern.FindStringSubmatch(s.Find("span.cno").First().Text()); len(m) > 1 {
		post.ID, _ = strconv.ParseInt(m[1], 10, 64)
	}

	post.AuthorName = strings.TrimSpace(s.Find("span.cnm").First().Text())
	post.Subject = strings.TrimSpace(s.Find("span.csb").First().Text())
	post.TimestampRaw = strings.TrimSpace(s.Find("span.cnw").First().Text())
	post.Timestamp = parseFutabaDate(post.TimestampRaw)

	quote := s.Find("blockquote").First()
	if bodyHTML, err := quote.Html(); err == nil {
		post.BodyRaw = strings.TrimSpace(bodyHTML)
	}
	post.BodyText = htmlToText(post.BodyRaw)
	post.Attachments = extractFutabaMedia(s, base)
	return post
}

// extractFutabaMedia は、レス内のメディアリンクを抽出します。
// 同じファイルへはファイル名リンクと画像リンクの2つがあるため、URL単位でまとめます。
func extractFutabaMedia(s *goquery.Selection, base *url.URL) []model.Attachment {
	var media []model.Attachment
	index := make(map[string]int)

	s.Find("a[href]").Each(func(_ int, link *goquery.Selection) {
		rawHref, _ := link.Attr("href")
		if m := futabaMediaPattern.FindStringSubmatch(path.Base(rawHref)); m == nil || m[2] == "s" {
			return
		}
		hrefURL, err := url.Parse(rawHref)
		if err != nil {
			return
		}
		absString := base.ResolveReference(hrefURL).String()

		i, exists := index[absString]
		if !exists {
			originalFilename := path.Base(hrefURL.Path)
			media = append(media, model.Attachment{
				URL:              absString,
				OriginalFilename: originalFilename,
				MimeHint:         mime.TypeByExtension(path.Ext(originalFilename)),
			})
			i = len(media) - 1
			index[absString] = i
		}
		if src, ok := link.Find("img").First().Attr("src"); ok && media[i].ThumbnailURL == "" {
			if thumbURL, err := url.Parse(src); err == nil {
				media[i].ThumbnailURL = base.ResolveReference(thumbURL).String()
			}
		}
	})

	// サムネイルが無いものは推測する
	// ふたばの標準: src/1234567890.jpg -> thumb/1234567890s.jpg
	for i := range media {
		if media[i].ThumbnailURL != "" {
			continue
		}
		u, err := url.Parse(media[i].URL)
		if err != nil {
			continue
		}
		name := media[i].OriginalFilename
		stem := strings.TrimSuffix(name, path.Ext(name))
		u.Path = strings.Replace(u.Path, "/src/", "/thumb/", 1)
		u.Path = strings.Replace(u.Path, name, stem+"s.jpg", 1)
		media[i].ThumbnailURL = u.String()
	}
	return media
}

func parseFutabaDate(raw string) time.Time {
	m := futabaDatePattern.FindStringSubmatch(raw)
	if m == nil {
		return time.Time{}
	}
	n := make([]int, 6)
	for i := range n {
		n[i], _ = strconv.Atoi(m[i+1])
	}
	return time.Date(2000+n[0], time.Month(n[1]), n[2], n[3], n[4], n[5], 0, jst).UTC()
}

func decodeShiftJIS(b []byte) (string, error) {
	reader := transform.NewReader(bytes.NewReader(b), japanese.ShiftJIS.NewDecoder())
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}
