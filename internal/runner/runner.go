// Package runner は、読み込んだ設定から同期処理一式（HTTPクライアント、エンジン、
// カーソルストア、スケジューラ）を組み立てます。
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"GoImageBoardSync/internal/adapter"
	"GoImageBoardSync/internal/config"
	"GoImageBoardSync/internal/core"
	"GoImageBoardSync/internal/model"
	"GoImageBoardSync/internal/network"
	"GoImageBoardSync/internal/storage"
)

// SiteFailure は、起動できなかったサイトとその原因です。
type SiteFailure struct {
	SiteID string
	Err    error
}

// Runner は、設定に含まれる全ての有効なサイトを巡回します。
type Runner struct {
	cfg       *config.Config
	client    *network.Client
	store     core.CursorStore
	engines   []*core.Engine
	failed    []SiteFailure
	scheduler *core.Scheduler
	logger    *log.Logger
	logOut    io.Writer
	closers   []io.Closer
}

// New は、設定から Runner を構築します。sink が nil の場合はイベントをログに出力します。
// 未知のエンジンを使うサイトはスキップして Failed() に記録し、その板ごとに
// BoardDegraded を sink へ通知します。それ以外の構築エラーでは失敗します。
func New(cfg *config.Config, sink core.EventSink, logger *log.Logger) (*Runner, error) {
	r := &Runner{cfg: cfg, logOut: os.Stdout}
	if logger != nil {
		r.logOut = logger.Writer()
	}
	if cfg.EnableLogFile {
		if err := r.openLogFile(cfg.LogFilePath); err != nil {
			return nil, err
		}
	}
	if logger == nil || cfg.EnableLogFile {
		logger = log.New(r.logOut, "[runner] ", log.LstdFlags)
	}
	r.logger = logger
	if sink == nil {
		sink = core.LogSink{Logger: log.New(r.logOut, "[events] ", log.LstdFlags)}
	}

	client, err := network.NewClient(cfg.Network, log.New(r.logOut, "[network] ", log.LstdFlags))
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("ネットワーククライアントの初期化に失敗しました: %w", err)
	}
	r.client = client

	store, err := r.openStore(cfg.CursorStore)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.store = store

	r.scheduler = core.NewScheduler(cfg.Scheduler, sink, log.New(r.logOut, "[scheduler] ", log.LstdFlags))
	fallback := time.Duration(cfg.Scheduler.PollIntervalMillis) * time.Millisecond
	for _, site := range cfg.Sites {
		if !site.IsEnabled() {
			logger.Printf("INFO: サイト '%s' は無効化されているためスキップします", site.ID)
			continue
		}
		engine, err := core.NewEngine(site.Descriptor(), client, core.EngineOptions{
			Tracker: cfg.Tracker,
			Store:   store,
			Logger:  log.New(r.logOut, fmt.Sprintf("[%s] ", site.ID), log.LstdFlags),
		})
		if errors.Is(err, adapter.ErrUnknownEngine) {
			logger.Printf("ERROR: サイト '%s' を起動できません。スキップします: %v", site.ID, err)
			r.failed = append(r.failed, SiteFailure{SiteID: site.ID, Err: err})
			r.reportFailedSite(sink, site, err)
			continue
		}
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("サイト '%s' の初期化に失敗しました: %w", site.ID, err)
		}
		if err := r.scheduler.AddSite(engine, site.PollInterval(fallback)); err != nil {
			r.Close()
			return nil, err
		}
		r.engines = append(r.engines, engine)
	}

	logger.Printf("INFO: %d サイトを読み込みました (cursor_store=%s, failed=%d)", len(r.engines), cfg.CursorStore.Backend, len(r.failed))
	return r, nil
}

// reportFailedSite は、起動できなかったサイトの全ての板について BoardDegraded を通知します。
func (r *Runner) reportFailedSite(sink core.EventSink, site config.Site, cause error) {
	now := time.Now()
	events := make([]model.Event, 0, len(site.Boards))
	for _, b := range site.Boards {
		events = append(events, model.Event{
			Kind:       model.EventBoardDegraded,
			SiteID:     site.ID,
			BoardID:    b.ID,
			Reason:     cause.Error(),
			ObservedAt: now,
		})
	}
	if err := sink.Publish(context.Background(), events); err != nil {
		r.logger.Printf("WARNING: サイト '%s' の停止イベントの配信に失敗しました: %v", site.ID, err)
	}
}

// openStore は、cursor_store.backend に応じた CursorStore を返します。
func (r *Runner) openStore(settings config.CursorStoreSettings) (core.CursorStore, error) {
	switch settings.Backend {
	case "", "memory":
		return core.NewMemoryCursorStore(), nil
	case "json":
		path := settings.Path
		if path == "" {
			path = "cursors"
		}
		return core.NewFileCursorStore(path)
	case "sqlite":
		path := settings.Path
		if path == "" {
			path = filepath.Join("cursors", "cursors.db")
		}
		db, err := storage.OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, db)
		return db, nil
	default:
		return nil, fmt.Errorf("未知のカーソルストア '%s' です", settings.Backend)
	}
}

// openLogFile は、ログを標準出力とファイルの両方に書き込むようにします。
func (r *Runner) openLogFile(path string) error {
	if path == "" {
		path = "sync.log"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("ログディレクトリの作成に失敗しました (path=%s): %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("ログファイルを開けませんでした (path=%s): %w", path, err)
	}
	r.logOut = io.MultiWriter(r.logOut, f)
	r.closers = append(r.closers, f)
	return nil
}

// Engines は、構築済みのエンジン一覧を返します。
func (r *Runner) Engines() []*core.Engine { return r.engines }

// Failed は、起動できなかったサイトの一覧を返します。
func (r *Runner) Failed() []SiteFailure {
	out := make([]SiteFailure, len(r.failed))
	copy(out, r.failed)
	return out
}

// Scheduler は、内部のスケジューラを返します。
func (r *Runner) Scheduler() *core.Scheduler { return r.scheduler }

// Client は、全サイトで共有する HTTP クライアントを返します。
func (r *Runner) Client() *network.Client { return r.client }

// Run は、コンテキストが終了するまで巡回を続けます。
func (r *Runner) Run(ctx context.Context) error {
	err := r.scheduler.Run(ctx)
	stats := r.scheduler.Stats()
	r.logger.Printf("INFO: %s", stats.FormatSessionInfo())
	return err
}

// SyncOnce は、全ての板を一度だけ同期します。
func (r *Runner) SyncOnce(ctx context.Context) error {
	err := r.scheduler.SyncAll(ctx)
	stats := r.scheduler.Stats()
	r.logger.Printf("INFO: %s", stats.FormatSessionInfo())
	return err
}

// Close は、開いているファイルやデータベースを閉じます。
func (r *Runner) Close() error {
	var firstErr error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.closers = nil
	return firstErr
}
