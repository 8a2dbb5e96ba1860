// Package config は、アプリケーションの設定ファイル(config.json / config.yaml)の構造定義と、
// その読み込み、解決（テンプレートのマージなど）に関する機能を提供します。
package config

import (
	"time"

	"GoImageBoardSync/internal/model"
)

// Config は設定ファイル全体を表すルート構造体です。
type Config struct {
	ConfigVersion string              `json:"config_version"`
	Network       NetworkSettings     `json:"network"`
	Scheduler     SchedulerSettings   `json:"scheduler"`
	Tracker       TrackerSettings     `json:"tracker"`
	CursorStore   CursorStoreSettings `json:"cursor_store"`
	SiteTemplates map[string]Site     `json:"site_templates"`
	Sites         []Site              `json:"sites"`
	EnableLogFile bool                `json:"enable_log_file"`
	LogFilePath   string              `json:"log_file_path,omitempty"`
}

// NetworkSettings は、HTTPリクエストに関するグローバルな設定を保持します。
type NetworkSettings struct {
	UserAgent               string            `json:"user_agent"`
	DefaultHeaders          map[string]string `json:"default_headers"`
	PerDomainIntervalMillis map[string]int    `json:"per_domain_interval_ms"`
	RequestTimeoutMillis    int               `json:"request_timeout_ms"`
	RetryCount              int               `json:"retry_count"`
	RetryWaitMillis         int               `json:"retry_wait_ms"`
	MaxBodyBytes            int64             `json:"max_body_bytes"`
}

// SchedulerSettings は、巡回スケジューラの方針を定義します。
type SchedulerSettings struct {
	Workers                int `json:"workers"`
	PollIntervalMillis     int `json:"poll_interval_ms"`
	PerOriginConcurrency   int `json:"per_origin_concurrency"`
	BackoffBaseMillis      int `json:"backoff_base_ms"`
	BackoffMaxMillis       int `json:"backoff_max_ms"`
	BackoffJitterMillis    int `json:"backoff_jitter_ms"`
	MaxConsecutiveFailures int `json:"max_consecutive_failures"`
	TickIntervalMillis     int `json:"tick_interval_ms"`
}

// TrackerSettings は、差分検出の方針を定義します。
type TrackerSettings struct {
	// GraceMisses は、スレッドを削除とみなすまでに許容する連続欠落回数です。
	GraceMisses int `json:"grace_misses"`
	// MaxThreadFetchesPerCycle は、1サイクルあたりのスレッド取得数の上限です (0 は無制限)。
	MaxThreadFetchesPerCycle int `json:"max_thread_fetches_per_cycle"`
}

// CursorStoreSettings は、同期カーソルの永続化先を定義します。
type CursorStoreSettings struct {
	Backend string `json:"backend"` // memory / json / sqlite
	Path    string `json:"path,omitempty"`
}

// Site は単一のサイト定義です。
type Site struct {
	Enabled            *bool            `json:"enabled,omitempty"`
	ID                 string           `json:"id,omitempty"`
	UseTemplate        string           `json:"use_template,omitempty"`
	Domain             string           `json:"domain,omitempty"`
	Scheme             string           `json:"scheme,omitempty"`
	Engine             string           `json:"engine,omitempty"`
	DefaultAuthorName  string           `json:"default_author_name,omitempty"`
	Boards             []model.BoardRef `json:"boards,omitempty"`
	PollIntervalMillis int              `json:"poll_interval_ms,omitempty"`
}

// IsEnabled は、サイトが有効かどうかを返します。未指定の場合は有効とみなします。
func (s Site) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Descriptor は、サイト定義をコアが扱う SiteDescriptor に変換します。
func (s Site) Descriptor() model.SiteDescriptor {
	boards := make([]model.BoardRef, len(s.Boards))
	copy(boards, s.Boards)
	return model.SiteDescriptor{
		ID:                s.ID,
		Domain:            s.Domain,
		Scheme:            s.Scheme,
		EngineID:          s.Engine,
		DefaultAuthorName: s.DefaultAuthorName,
		Boards:            boards,
	}
}

// PollInterval は、サイト個別の巡回間隔を返します。未設定なら fallback を返します。
func (s Site) PollInterval(fallback time.Duration) time.Duration {
	if s.PollIntervalMillis > 0 {
		return time.Duration(s.PollIntervalMillis) * time.Millisecond
	}
	return fallback
}

// ApplyDefaults は、未設定の値にデフォルト値を設定します。
func (c *Config) ApplyDefaults() {
	n := &c.Network
	if n.UserAgent == "" {
		n.UserAgent = "GoImageBoardSync/1.0"
	}
	if n.RequestTimeoutMillis <= 0 {
		n.RequestTimeoutMillis = 30000
	}
	if n.RetryWaitMillis <= 0 {
		n.RetryWaitMillis = 500
	}
	if n.MaxBodyBytes <= 0 {
		n.MaxBodyBytes = 32 << 20
	}

	s := &c.Scheduler
	if s.Workers <= 0 {
		s.Workers = 4
	}
	if s.PollIntervalMillis <= 0 {
		s.PollIntervalMillis = 60000
	}
	if s.PerOriginConcurrency <= 0 {
		s.PerOriginConcurrency = 2
	}
	if s.BackoffBaseMillis <= 0 {
		s.BackoffBaseMillis = 5000
	}
	if s.BackoffMaxMillis <= 0 {
		s.BackoffMaxMillis = 600000
	}
	if s.BackoffJitterMillis < 0 {
		s.BackoffJitterMillis = 0
	}
	if s.MaxConsecutiveFailures <= 0 {
		s.MaxConsecutiveFailures = 5
	}
	if s.TickIntervalMillis <= 0 {
		s.TickIntervalMillis = 500
	}

	if c.Tracker.GraceMisses < 0 {
		c.Tracker.GraceMisses = 0
	}
	if c.CursorStore.Backend == "" {
		c.CursorStore.Backend = "memory"
	}
}
