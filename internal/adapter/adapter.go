// Package adapter は、掲示板ソフトウェア（エンジン）固有の処理を抽象化するインターフェースと、
// その具体的な実装を提供します。各アダプタはバックエンドの応答形式とページング規約を
// 知っており、結果を model パッケージの正規化済み表現に変換します。
package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"GoImageBoardSync/internal/model"
)

// ErrThreadGone は、スレッドが存在しない（404相当）ことを表します。ネットワーク障害とは区別されます。
var ErrThreadGone = errors.New("スレッドが存在しません")

// ErrMalformedResponse は、バックエンドの応答を解析できなかったことを表します。
var ErrMalformedResponse = errors.New("応答の形式が不正です")

// MalformedResponseError は、解析に失敗した応答の詳細を保持します。
type MalformedResponseError struct {
	URL    string
	Detail string
	Err    error
}

func (e *MalformedResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v (url=%s, detail=%s): %v", ErrMalformedResponse, e.URL, e.Detail, e.Err)
	}
	return fmt.Sprintf("%v (url=%s, detail=%s)", ErrMalformedResponse, e.URL, e.Detail)
}

func (e *MalformedResponseError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMalformedResponse}
	}
	return []error{ErrMalformedResponse, e.Err}
}

func malformed(url, detail string, err error) error {
	return &MalformedResponseError{URL: url, Detail: detail, Err: err}
}

// Fetcher は、アダプタが使うHTTP取得の最小インターフェースです。
// network.Client がこれを満たします。404 は network.HTTPError として返されます。
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// BackendAdapter は、エンジン固有の処理を抽象化するインターフェースです。
// アダプタは板やスレッドをまたいで状態を持たないため、一つのインスタンスを
// 複数の板から並行に利用できます。
type BackendAdapter interface {
	// Engine は、このアダプタのエンジンIDを返します。
	Engine() string
	// ListThreads は、板の全スレッドの要約をバンプ順（新しいものが先）で返します。
	// ページングはアダプタ内部で処理されます。
	ListThreads(ctx context.Context, boardID string) ([]model.ThreadSummary, error)
	// FetchThread は、全レスを含むスレッドを返します。存在しない場合は ErrThreadGone を返します。
	FetchThread(ctx context.Context, boardID string, threadID int64) (*model.Thread, error)
	// NormalizeAuthor は、名前欄が省略・空白の場合に fallback を適用します。
	NormalizeAuthor(raw, fallback string) string
	// MinRequestInterval は、このバックエンドに推奨される最小リクエスト間隔です。
	MinRequestInterval() time.Duration
}

// NewDocumentFromBytes は、[]byteからgoquery.Documentを生成するヘルパー関数です。
func NewDocumentFromBytes(htmlBody []byte) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(bytes.NewReader(htmlBody))
}

// normalizeAuthor は、全アダプタ共通の名前欄の正規化です。
func normalizeAuthor(raw, fallback string) string {
	name := strings.TrimSpace(raw)
	if name == "" {
		return fallback
	}
	return name
}

// htmlToText は、本文HTMLをプレーンテキストに変換します。<br> は改行になります。
func htmlToText(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<div id=\"body\">" + raw + "</div>"))
	if err != nil {
		return raw
	}
	sel := doc.Find("#body")
	sel.Find("br").ReplaceWithHtml("\n")
	sel.Find("p").Each(func(_ int, p *goquery.Selection) {
		p.AppendHtml("\n")
	})
	return strings.TrimSpace(sel.Text())
}
