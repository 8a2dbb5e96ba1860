package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"GoImageBoardSync/internal/adapter"
	"GoImageBoardSync/internal/config"
	"GoImageBoardSync/internal/model"
)

var (
	// ErrSyncInProgress は、同じ板の同期サイクルが既に実行中であることを表します。
	ErrSyncInProgress = errors.New("この板の同期は既に実行中です")
	// ErrUnknownBoard は、サイト定義に存在しない板が指定されたことを表します。
	ErrUnknownBoard = errors.New("サイト定義に存在しない板です")
	// ErrStaleResult は、確定しようとした同期結果が古くなっていることを表します。
	ErrStaleResult = errors.New("同期結果は既に確定済みか、カーソルが変更されています")
)

// hostIntervalSetter は、ホストごとのリクエスト間隔を調整できる Fetcher が実装します。
type hostIntervalSetter interface {
	EnsureHostInterval(host string, interval time.Duration)
}

// EngineOptions は、Engine の生成オプションです。
type EngineOptions struct {
	Tracker config.TrackerSettings
	Store   CursorStore // nil の場合はメモリのみ
	Logger  *log.Logger
}

// board は、一つの板の実行時状態です。Engine のみが所有します。
type board struct {
	ref      model.BoardRef
	cursor   *model.SyncCursor
	loaded   bool
	inFlight bool
	version  uint64 // カーソルが確定・リセットされるたびに増える
}

// Engine は、一つのサイト定義と解決済みアダプタを束ね、板単位の同期操作を提供します。
type Engine struct {
	site    model.SiteDescriptor
	adapter adapter.BackendAdapter
	tracker *Tracker
	store   CursorStore
	logger  *log.Logger

	mu       sync.Mutex
	boards   map[string]*board
	progress func(boardID string, state BoardState)
}

// NewEngine は、サイト定義のエンジンIDを解決して Engine を生成します。
// 未知のエンジンの場合は adapter.ErrUnknownEngine を返し、通信は一切行いません。
func NewEngine(site model.SiteDescriptor, fetcher adapter.Fetcher, opts EngineOptions) (*Engine, error) {
	if err := site.Validate(); err != nil {
		return nil, err
	}
	ad, err := adapter.New(site, fetcher)
	if err != nil {
		return nil, fmt.Errorf("サイト '%s' のアダプタの取得に失敗しました: %w", site.ID, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, fmt.Sprintf("[%s] ", site.ID), log.LstdFlags)
	}

	if hs, ok := fetcher.(hostIntervalSetter); ok {
		hs.EnsureHostInterval(site.Domain, ad.MinRequestInterval())
	}

	boards := make(map[string]*board, len(site.Boards))
	for _, ref := range site.Boards {
		boards[ref.ID] = &board{ref: ref}
	}

	return &Engine{
		site:    site,
		adapter: ad,
		tracker: NewTracker(opts.Tracker),
		store:   opts.Store,
		logger:  logger,
		boards:  boards,
	}, nil
}

// Site は、この Engine のサイト定義を返します。
func (e *Engine) Site() model.SiteDescriptor { return e.site }

// Adapter は、解決済みのアダプタを返します。
func (e *Engine) Adapter() adapter.BackendAdapter { return e.adapter }

// Boards は、サイト定義の板一覧を定義順で返します。
func (e *Engine) Boards() []model.BoardRef {
	out := make([]model.BoardRef, len(e.site.Boards))
	copy(out, e.site.Boards)
	return out
}

// SyncResult は、確定前の同期結果です。Commit に渡すとカーソルが進みます。
type SyncResult struct {
	SiteID   string
	BoardID  string
	Events   []model.Event
	Fetched  int
	Deferred int

	cursor    *model.SyncCursor
	version   uint64
	committed bool
}

// Sync は、板の一覧取得→差分計算→必要なスレッドの取得を行い、イベント列を返します。
// カーソルはまだ進みません。呼び出し側はイベントを配信した後で Commit を呼びます。
func (e *Engine) Sync(ctx context.Context, boardID string) (*SyncResult, error) {
	b, cursor, version, err := e.begin(ctx, boardID)
	if err != nil {
		return nil, err
	}
	defer e.end(b)

	e.report(boardID, StateFetching)
	summaries, err := e.adapter.ListThreads(ctx, boardID)
	if err != nil {
		return nil, fmt.Errorf("スレッド一覧の取得に失敗しました (site=%s, board=%s): %w", e.site.ID, boardID, err)
	}

	e.report(boardID, StateDiffing)
	diff, err := e.tracker.Diff(ctx, cursor, summaries, func(ctx context.Context, threadID int64) (*model.Thread, error) {
		return e.fetchThread(ctx, boardID, threadID)
	})
	if err != nil {
		return nil, fmt.Errorf("差分計算に失敗しました (site=%s, board=%s): %w", e.site.ID, boardID, err)
	}

	for i := range diff.Events {
		diff.Events[i].SiteID = e.site.ID
		diff.Events[i].BoardID = boardID
	}

	if len(diff.Events) > 0 || diff.Deferred > 0 {
		e.logger.Printf("INFO: 同期完了 (board=%s, threads=%d, fetched=%d, deferred=%d, events=%d)",
			boardID, len(summaries), diff.Fetched, diff.Deferred, len(diff.Events))
	}

	return &SyncResult{
		SiteID:   e.site.ID,
		BoardID:  boardID,
		Events:   diff.Events,
		Fetched:  diff.Fetched,
		Deferred: diff.Deferred,
		cursor:   diff.Cursor,
		version:  version,
	}, nil
}

// fetchThread は、アダプタからスレッドを取得し、名前欄に既定の名前を適用します。
func (e *Engine) fetchThread(ctx context.Context, boardID string, threadID int64) (*model.Thread, error) {
	thread, err := e.adapter.FetchThread(ctx, boardID, threadID)
	if err != nil {
		return nil, err
	}
	thread.BoardID = boardID
	for i := range thread.Posts {
		thread.Posts[i].ThreadID = threadID
		thread.Posts[i].AuthorName = e.adapter.NormalizeAuthor(thread.Posts[i].AuthorName, e.site.DefaultAuthorName)
	}
	return thread, nil
}

// Commit は、同期結果のカーソルを確定します。ストアへの保存に失敗した場合は確定しません。
func (e *Engine) Commit(ctx context.Context, res *SyncResult) error {
	if res == nil || res.SiteID != e.site.ID {
		return fmt.Errorf("このサイトの同期結果ではありません: %w", ErrStaleResult)
	}

	e.mu.Lock()
	b, ok := e.boards[res.BoardID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w (board=%s)", ErrUnknownBoard, res.BoardID)
	}
	if res.committed || b.version != res.version {
		e.mu.Unlock()
		return fmt.Errorf("%w (board=%s)", ErrStaleResult, res.BoardID)
	}
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.Save(ctx, e.site.ID, res.BoardID, res.cursor); err != nil {
			return fmt.Errorf("カーソルの保存に失敗しました (site=%s, board=%s): %w", e.site.ID, res.BoardID, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if res.committed || b.version != res.version {
		return fmt.Errorf("%w (board=%s)", ErrStaleResult, res.BoardID)
	}
	b.cursor = res.cursor
	b.loaded = true
	b.version++
	res.committed = true
	return nil
}

// SyncAndCommit は、Sync → sink への配信 → Commit を順に行います。
func (e *Engine) SyncAndCommit(ctx context.Context, boardID string, sink EventSink) ([]model.Event, error) {
	res, err := e.Sync(ctx, boardID)
	if err != nil {
		return nil, err
	}
	if sink != nil && len(res.Events) > 0 {
		if err := sink.Publish(ctx, res.Events); err != nil {
			return nil, fmt.Errorf("イベントの配信に失敗しました (site=%s, board=%s): %w", e.site.ID, boardID, err)
		}
	}
	if err := e.Commit(ctx, res); err != nil {
		return nil, err
	}
	return res.Events, nil
}

// Resync は、板のカーソルを破棄します。次の同期では全スレッドが新規として扱われます。
func (e *Engine) Resync(ctx context.Context, boardID string) error {
	e.mu.Lock()
	b, ok := e.boards[boardID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w (board=%s)", ErrUnknownBoard, boardID)
	}
	b.cursor = model.NewSyncCursor()
	b.loaded = true
	b.version++
	cursor := b.cursor.Clone()
	e.mu.Unlock()

	e.logger.Printf("INFO: カーソルをリセットしました (board=%s)", boardID)
	if e.store != nil {
		if err := e.store.Save(ctx, e.site.ID, boardID, cursor); err != nil {
			return fmt.Errorf("カーソルの保存に失敗しました (site=%s, board=%s): %w", e.site.ID, boardID, err)
		}
	}
	return nil
}

// Cursor は、板の現在のカーソルのコピーを返します。
func (e *Engine) Cursor(boardID string) (*model.SyncCursor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.boards[boardID]
	if !ok {
		return nil, fmt.Errorf("%w (board=%s)", ErrUnknownBoard, boardID)
	}
	return b.cursor.Clone(), nil
}

// begin は、板を実行中にし、差分計算に使うカーソルのコピーを返します。
// 初回はストアからカーソルを読み込みます。
func (e *Engine) begin(ctx context.Context, boardID string) (*board, *model.SyncCursor, uint64, error) {
	e.mu.Lock()
	b, ok := e.boards[boardID]
	if !ok {
		e.mu.Unlock()
		return nil, nil, 0, fmt.Errorf("%w (site=%s, board=%s)", ErrUnknownBoard, e.site.ID, boardID)
	}
	if b.inFlight {
		e.mu.Unlock()
		return nil, nil, 0, fmt.Errorf("%w (site=%s, board=%s)", ErrSyncInProgress, e.site.ID, boardID)
	}
	b.inFlight = true
	needLoad := !b.loaded && e.store != nil
	e.mu.Unlock()

	if needLoad {
		stored, err := e.store.Load(ctx, e.site.ID, boardID)
		if err != nil {
			e.end(b)
			return nil, nil, 0, fmt.Errorf("カーソルの読み込みに失敗しました (site=%s, board=%s): %w", e.site.ID, boardID, err)
		}
		e.mu.Lock()
		if !b.loaded {
			b.cursor = stored
			b.loaded = true
		}
		e.mu.Unlock()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	b.loaded = true
	return b, b.cursor.Clone(), b.version, nil
}

func (e *Engine) end(b *board) {
	e.mu.Lock()
	b.inFlight = false
	e.mu.Unlock()
	e.report(b.ref.ID, StateIdle)
}

func (e *Engine) setProgress(fn func(boardID string, state BoardState)) {
	e.mu.Lock()
	e.progress = fn
	e.mu.Unlock()
}

func (e *Engine) report(boardID string, state BoardState) {
	e.mu.Lock()
	fn := e.progress
	e.mu.Unlock()
	if fn != nil {
		fn(boardID, state)
	}
}
