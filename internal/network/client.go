// Package network は、HTTP通信に関する機能を提供します。
// Cookie Jarによるセッション管理、ホストごとのリクエスト間隔制御、
// タイムアウトと短期リトライをカプセル化した、より高レベルなHTTPクライアントを実装しています。
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"

	"GoImageBoardSync/internal/config"
)

// ErrBodyTooLarge は、レスポンスボディが max_body_bytes を超えたことを表します。再試行の対象外です。
var ErrBodyTooLarge = errors.New("レスポンスボディが上限を超えています")

// HTTPError は、HTTPリクエストで発生したエラーとステータスコードを保持します。
type HTTPError struct {
	StatusCode int
	URL        string
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s (URL: %s)", e.StatusCode, e.Message, e.URL)
}

// IsRetryable は、このエラーがリトライ可能かどうかを判定します。
// 4xxエラー（クライアントエラー）はリトライ不可、5xxエラー（サーバーエラー）はリトライ可能とします。
// 429 Too Many Requests は例外としてリトライ可能です。
func (e *HTTPError) IsRetryable() bool {
	if e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if e.StatusCode >= 400 && e.StatusCode < 500 {
		return false
	}
	return true
}

// IsNotFound は、err が 404 / 410 を表す HTTPError かどうかを返します。
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	return httpErr.StatusCode == http.StatusNotFound || httpErr.StatusCode == http.StatusGone
}

// IsRetryable は、err が一時的な失敗（ネットワークエラーや 5xx）かどうかを返します。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrBodyTooLarge) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.IsRetryable()
	}
	return true
}

// Client は、Cookie Jarを内包し、HTTPセッションを管理するクライアントです。
// 一つの Client を全サイトで共有することで、同一ホストへのリクエスト間隔が
// 板をまたいで守られます。
type Client struct {
	httpClient     *http.Client
	jar            *cookiejar.Jar
	userAgent      string
	defaultHeaders map[string]string
	timeout        time.Duration
	retryCount     int
	retryWait      time.Duration
	maxBodyBytes   int64
	logger         *log.Logger

	rateLimitersMutex  sync.Mutex               // rateLimiters と perDomainIntervals へのアクセスを保護するMutex
	rateLimiters       map[string]*rate.Limiter // ホスト名ごとのレートリミッター
	perDomainIntervals map[string]time.Duration // ドメインごとの設定間隔
}

// NewClient は NetworkSettings に基づいて HTTP クライアントを初期化し、
// ドメインごとのレートリミッターを設定します。
func NewClient(settings config.NetworkSettings, logger *log.Logger) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jarの作成に失敗しました: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}

	timeout := time.Duration(settings.RequestTimeoutMillis) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second // デフォルトタイムアウト
	}

	intervals := make(map[string]time.Duration, len(settings.PerDomainIntervalMillis))
	for domain, intervalMillis := range settings.PerDomainIntervalMillis {
		if intervalMillis <= 0 {
			continue
		}
		intervals[hostOnly(domain)] = time.Duration(intervalMillis) * time.Millisecond
	}

	maxBody := settings.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 32 << 20
	}

	return &Client{
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: timeout,
		},
		jar:                jar,
		userAgent:          settings.UserAgent,
		defaultHeaders:     settings.DefaultHeaders,
		timeout:            timeout,
		retryCount:         settings.RetryCount,
		retryWait:          time.Duration(settings.RetryWaitMillis) * time.Millisecond,
		maxBodyBytes:       maxBody,
		logger:             logger,
		rateLimiters:       make(map[string]*rate.Limiter),
		perDomainIntervals: intervals,
	}, nil
}

// SetCookie は、指定されたURLのドメインに対して、任意のCookieを設定します。
func (c *Client) SetCookie(domainURL string, cookie *http.Cookie) error {
	if !strings.HasPrefix(domainURL, "http") {
		domainURL = "https://" + domainURL
	}

	parsedURL, err := url.Parse(domainURL)
	if err != nil {
		return fmt.Errorf("Cookie設定のためのURL解析に失敗しました: %w", err)
	}

	c.jar.SetCookies(parsedURL, []*http.Cookie{cookie})
	return nil
}

// EnsureHostInterval は、ホストへのリクエスト間隔を最低でも interval にします。
// 設定済みの間隔の方が長い場合は何もしません。
func (c *Client) EnsureHostInterval(host string, interval time.Duration) {
	if interval <= 0 {
		return
	}
	host = hostOnly(host)
	c.rateLimitersMutex.Lock()
	defer c.rateLimitersMutex.Unlock()

	if current, ok := c.perDomainIntervals[host]; ok && current >= interval {
		return
	}
	c.perDomainIntervals[host] = interval
	if limiter, ok := c.rateLimiters[host]; ok {
		limiter.SetLimit(rate.Every(interval))
	}
}

// HostInterval は、ホストに適用されているリクエスト間隔を返します。
func (c *Client) HostInterval(host string) time.Duration {
	host = hostOnly(host)
	c.rateLimitersMutex.Lock()
	defer c.rateLimitersMutex.Unlock()
	if val, ok := c.perDomainIntervals[host]; ok {
		return val
	}
	return defaultHostInterval
}

const defaultHostInterval = time.Second

// hostOnly は、"host:port" 形式からポートを取り除きます。
func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// Get は、設定済みのCookieを使って指定されたURLにGETリクエストを送信し、
// レスポンスボディを返します。一時的な失敗は retry_count 回まで再試行します。
func (c *Client) Get(ctx context.Context, reqURL string) ([]byte, error) {
	parsedURL, err := url.Parse(reqURL)
	if err != nil {
		return nil, fmt.Errorf("リクエストURLの解析に失敗しました (%s): %w", reqURL, err)
	}
	limiter := c.getLimiterForHost(parsedURL.Hostname())

	var body []byte
	var lastErr error
	err = retry.Do(
		func() error {
			b, err := c.doGet(ctx, limiter, reqURL)
			if err != nil {
				lastErr = err
				return err
			}
			body = b
			return nil
		},
		retry.Attempts(uint(c.retryCount+1)),
		retry.Delay(c.retryWait),
		retry.MaxDelay(10*c.retryWait+time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Printf("WARNING: リクエストを再試行します (試行 %d/%d, url=%s): %v", n+1, c.retryCount+1, reqURL, err)
		}),
		retry.RetryIf(IsRetryable),
	)
	if err != nil {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}
	return body, nil
}

func (c *Client) doGet(ctx context.Context, limiter *rate.Limiter, reqURL string) ([]byte, error) {
	if err := limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("レートリミッター待機中にエラーが発生しました: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("GETリクエストの作成に失敗しました (%s): %w", reqURL, err)
	}

	// デフォルトヘッダーを全て設定
	for key, value := range c.defaultHeaders {
		req.Header.Set(key, value)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GETリクエストの送信に失敗しました (%s): %w", reqURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// 接続を再利用できるようにボディを読み捨てる
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			URL:        reqURL,
			Message:    http.StatusText(resp.StatusCode),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み込みに失敗しました (%s): %w", reqURL, err)
	}
	if int64(len(body)) > c.maxBodyBytes {
		return nil, fmt.Errorf("%w (limit=%d bytes, url=%s)", ErrBodyTooLarge, c.maxBodyBytes, reqURL)
	}
	return body, nil
}

// getLimiterForHost は、指定されたホスト名に対応するレートリミッターを返します。
// 存在しない場合は新しく生成します。
func (c *Client) getLimiterForHost(host string) *rate.Limiter {
	c.rateLimitersMutex.Lock()
	defer c.rateLimitersMutex.Unlock()

	if limiter, exists := c.rateLimiters[host]; exists {
		return limiter
	}

	// 設定された間隔、またはデフォルトの1000ms間隔で新しいリミッターを生成
	interval := defaultHostInterval
	if val, ok := c.perDomainIntervals[host]; ok && val > 0 {
		interval = val
	}

	newLimiter := rate.NewLimiter(rate.Every(interval), 1) // バーストは1に設定
	c.rateLimiters[host] = newLimiter
	return newLimiter
}
