package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"GoImageBoardSync/internal/adapter"
	"GoImageBoardSync/internal/config"
	"GoImageBoardSync/internal/model"
)

// defaultBackoffMaxMillis は、backoff_max_ms が未設定の場合の上限です。
const defaultBackoffMaxMillis = 600000

// ErrBoardDegraded は、連続失敗により板の巡回が停止していることを表します。
var ErrBoardDegraded = errors.New("板は連続失敗により停止中です")

// boardSlot は、スケジューラが管理する一つの板です。
type boardSlot struct {
	engine   *Engine
	siteID   string
	boardID  string
	domain   string
	interval time.Duration

	state       BoardState
	running     bool
	failures    int
	nextDue     time.Time
	lastSuccess time.Time
	lastErr     string
}

func (b *boardSlot) key() string { return b.siteID + "/" + b.boardID }

// Scheduler は、登録された全ての板の巡回を管理します。
// 同一ドメインの同時実行数はドメインごとのセマフォで制限し、リクエスト間隔は
// 共有の network.Client がホストごとに制御します。
type Scheduler struct {
	settings config.SchedulerSettings
	sink     EventSink
	logger   *log.Logger
	now      func() time.Time
	jitter   func(limit time.Duration) time.Duration

	mu         sync.Mutex
	slots      []*boardSlot
	index      map[string]*boardSlot
	originSems map[string]chan struct{}
	stats      SessionStats
}

// NewScheduler は、新しい Scheduler を生成します。
func NewScheduler(settings config.SchedulerSettings, sink EventSink, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(os.Stdout, "[scheduler] ", log.LstdFlags)
	}
	if sink == nil {
		sink = LogSink{Logger: logger}
	}
	if settings.Workers <= 0 {
		settings.Workers = 1
	}
	if settings.PerOriginConcurrency <= 0 {
		settings.PerOriginConcurrency = 1
	}
	if settings.MaxConsecutiveFailures <= 0 {
		settings.MaxConsecutiveFailures = 1
	}
	if settings.TickIntervalMillis <= 0 {
		settings.TickIntervalMillis = 500
	}
	if settings.BackoffMaxMillis <= 0 {
		settings.BackoffMaxMillis = defaultBackoffMaxMillis
	}
	return &Scheduler{
		settings: settings,
		sink:     sink,
		logger:   logger,
		now:      time.Now,
		jitter: func(limit time.Duration) time.Duration {
			if limit <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(limit)))
		},
		index:      make(map[string]*boardSlot),
		originSems: make(map[string]chan struct{}),
		stats:      SessionStats{StartTime: time.Now()},
	}
}

// AddSite は、Engine の全ての板を巡回対象に加えます。
// pollInterval が 0 以下の場合は設定の poll_interval_ms を使います。
func (s *Scheduler) AddSite(engine *Engine, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = time.Duration(s.settings.PollIntervalMillis) * time.Millisecond
	}
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	site := engine.Site()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ref := range engine.Boards() {
		if _, exists := s.index[site.ID+"/"+ref.ID]; exists {
			return fmt.Errorf("板は既に登録されています (site=%s, board=%s)", site.ID, ref.ID)
		}
	}
	if _, ok := s.originSems[site.Domain]; !ok {
		s.originSems[site.Domain] = make(chan struct{}, s.settings.PerOriginConcurrency)
	}
	for _, ref := range engine.Boards() {
		slot := &boardSlot{
			engine:   engine,
			siteID:   site.ID,
			boardID:  ref.ID,
			domain:   site.Domain,
			interval: pollInterval,
			state:    StateIdle,
		}
		s.slots = append(s.slots, slot)
		s.index[slot.key()] = slot
	}
	engine.setProgress(func(boardID string, state BoardState) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if slot, ok := s.index[site.ID+"/"+boardID]; ok && slot.running {
			slot.state = state
		}
	})
	return nil
}

// Run は、コンテキストが終了するまで巡回を続けます。
// 終了時は実行中のサイクルの完了を待ってから戻ります。
func (s *Scheduler) Run(ctx context.Context) error {
	jobs := make(chan *boardSlot)
	var wg sync.WaitGroup
	for i := 0; i < s.settings.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for slot := range jobs {
				s.runCycle(ctx, slot)
				s.releaseOrigin(slot.domain)
			}
		}()
	}

	s.logger.Printf("INFO: 巡回を開始します (boards=%d, workers=%d)", len(s.Status()), s.settings.Workers)
	ticker := time.NewTicker(time.Duration(s.settings.TickIntervalMillis) * time.Millisecond)
	defer ticker.Stop()

	for {
		s.dispatch(ctx, jobs)
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			s.logger.Println("INFO: シャットダウンシグナルを受信しました。巡回を終了します。")
			return nil
		case <-ticker.C:
		}
	}
}

// dispatch は、実行可能な板を空いているワーカーに渡します。
// 同一ドメインのセマフォが埋まっている板は次のティックに回します。
func (s *Scheduler) dispatch(ctx context.Context, jobs chan<- *boardSlot) {
	for _, slot := range s.dueSlots() {
		if ctx.Err() != nil {
			return
		}
		if !s.tryAcquireOrigin(slot.domain) {
			continue
		}
		if !s.markRunning(slot) {
			s.releaseOrigin(slot.domain)
			continue
		}
		select {
		case jobs <- slot:
		default:
			// 空きワーカーなし
			s.unmarkRunning(slot)
			s.releaseOrigin(slot.domain)
			return
		}
	}
}

// dueSlots は、期限が来ている板を期限の古い順に返します。
func (s *Scheduler) dueSlots() []*boardSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var due []*boardSlot
	for _, slot := range s.slots {
		if slot.running || slot.state == StateDegraded || now.Before(slot.nextDue) {
			continue
		}
		due = append(due, slot)
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].nextDue.Before(due[j].nextDue) })
	return due
}

// SyncAll は、停止中でない全ての板を期限に関係なく一度ずつ同期し、完了を待ちます。
// 失敗した板のエラーをまとめて返します。
func (s *Scheduler) SyncAll(ctx context.Context) error {
	s.mu.Lock()
	slots := make([]*boardSlot, 0, len(s.slots))
	for _, slot := range s.slots {
		if slot.state != StateDegraded {
			slots = append(slots, slot)
		}
	}
	s.mu.Unlock()

	workerSem := make(chan struct{}, s.settings.Workers)
	var wg sync.WaitGroup
	var errMu sync.Mutex
	var errs []error

	for _, slot := range slots {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case workerSem <- struct{}{}:
		}
		if !s.markRunning(slot) {
			<-workerSem
			continue
		}

		wg.Add(1)
		go func(slot *boardSlot) {
			defer wg.Done()
			defer func() { <-workerSem }()
			if err := s.acquireOrigin(ctx, slot.domain); err != nil {
				s.unmarkRunning(slot)
				return
			}
			defer s.releaseOrigin(slot.domain)
			if err := s.runCycle(ctx, slot); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("site=%s, board=%s: %w", slot.siteID, slot.boardID, err))
				errMu.Unlock()
			}
		}(slot)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

// SyncBoard は、指定された板を期限に関係なく一度だけ同期します。
// 停止中の板には ErrBoardDegraded、実行中の板には ErrSyncInProgress を返します。
func (s *Scheduler) SyncBoard(ctx context.Context, siteID, boardID string) error {
	s.mu.Lock()
	slot, ok := s.index[siteID+"/"+boardID]
	var state BoardState
	if ok {
		state = slot.state
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w (site=%s, board=%s)", ErrUnknownBoard, siteID, boardID)
	}
	if state == StateDegraded {
		return fmt.Errorf("%w (site=%s, board=%s)", ErrBoardDegraded, siteID, boardID)
	}
	if !s.markRunning(slot) {
		return fmt.Errorf("%w (site=%s, board=%s)", ErrSyncInProgress, siteID, boardID)
	}
	if err := s.acquireOrigin(ctx, slot.domain); err != nil {
		s.unmarkRunning(slot)
		return err
	}
	defer s.releaseOrigin(slot.domain)
	return s.runCycle(ctx, slot)
}

// runCycle は、一つの板について Sync → 配信 → Commit を行い、結果に応じて状態を更新します。
// 呼び出し時点で slot は実行中としてマークされている必要があります。
func (s *Scheduler) runCycle(ctx context.Context, slot *boardSlot) error {
	logger := slot.engine.logger

	res, err := slot.engine.Sync(ctx, slot.boardID)
	if err == nil && len(res.Events) > 0 {
		if perr := s.sink.Publish(ctx, res.Events); perr != nil {
			err = fmt.Errorf("イベントの配信に失敗しました: %w", perr)
		}
	}
	if err == nil {
		err = slot.engine.Commit(ctx, res)
	}

	if err != nil && ctx.Err() != nil {
		// キャンセルは失敗として数えない。カーソルは進んでいない
		s.unmarkRunning(slot)
		return ctx.Err()
	}
	if errors.Is(err, ErrSyncInProgress) {
		s.unmarkRunning(slot)
		return err
	}
	if err != nil {
		s.recordFailure(ctx, slot, err)
		return err
	}

	s.mu.Lock()
	slot.running = false
	slot.state = StateIdle
	slot.failures = 0
	slot.lastErr = ""
	slot.lastSuccess = s.now()
	slot.nextDue = slot.lastSuccess.Add(slot.interval)
	s.stats.Cycles++
	s.stats.EventsPublished += len(res.Events)
	s.stats.ThreadsFetched += res.Fetched
	s.mu.Unlock()

	if res.Deferred > 0 {
		logger.Printf("INFO: %d 件のスレッド取得を次のサイクルに延期しました (board=%s)", res.Deferred, slot.boardID)
	}
	return nil
}

// recordFailure は、失敗を記録してバックオフまたは停止状態に移行します。
func (s *Scheduler) recordFailure(ctx context.Context, slot *boardSlot, err error) {
	logger := slot.engine.logger
	if errors.Is(err, adapter.ErrMalformedResponse) {
		logger.Printf("ERROR: 応答の解析に失敗しました (board=%s): %v", slot.boardID, err)
	} else {
		logger.Printf("WARNING: 同期に失敗しました (board=%s): %v", slot.boardID, err)
	}

	s.mu.Lock()
	slot.running = false
	slot.failures++
	slot.lastErr = err.Error()
	s.stats.Failures++
	failures := slot.failures

	if failures < s.settings.MaxConsecutiveFailures {
		delay := s.backoffDelay(failures)
		slot.state = StateBackoff
		slot.nextDue = s.now().Add(delay)
		s.mu.Unlock()
		logger.Printf("INFO: %v 後に再試行します (board=%s, failures=%d)", delay, slot.boardID, failures)
		return
	}

	slot.state = StateDegraded
	slot.lastErr = fmt.Sprintf("%v: %v", ErrBoardDegraded, err)
	s.stats.DegradedBoards++
	s.mu.Unlock()

	logger.Printf("ERROR: 連続 %d 回失敗したため巡回を停止します (board=%s)", failures, slot.boardID)
	ev := model.Event{
		Kind:       model.EventBoardDegraded,
		SiteID:     slot.siteID,
		BoardID:    slot.boardID,
		Reason:     fmt.Sprintf("連続 %d 回失敗: %v", failures, err),
		ObservedAt: s.now(),
	}
	if perr := s.sink.Publish(ctx, []model.Event{ev}); perr != nil {
		logger.Printf("WARNING: 停止イベントの配信に失敗しました (board=%s): %v", slot.boardID, perr)
	}
}

// backoffDelay は、base × 2^(n-1) を上限で切り詰め、ジッタを加えた待機時間を返します。
func (s *Scheduler) backoffDelay(failures int) time.Duration {
	base := time.Duration(s.settings.BackoffBaseMillis) * time.Millisecond
	maxDelay := time.Duration(s.settings.BackoffMaxMillis) * time.Millisecond
	delay := base
	for i := 1; i < failures; i++ {
		if delay > math.MaxInt64/2 {
			break
		}
		delay *= 2
		if delay >= maxDelay {
			break
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay + s.jitter(time.Duration(s.settings.BackoffJitterMillis)*time.Millisecond)
}

// Reenable は、停止中の板を再び巡回対象に戻します。
func (s *Scheduler) Reenable(siteID, boardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.index[siteID+"/"+boardID]
	if !ok {
		return fmt.Errorf("%w (site=%s, board=%s)", ErrUnknownBoard, siteID, boardID)
	}
	if slot.state != StateDegraded {
		return nil
	}
	slot.state = StateIdle
	slot.failures = 0
	slot.nextDue = time.Time{}
	s.stats.DegradedBoards--
	slot.engine.logger.Printf("INFO: 巡回を再開します (board=%s)", boardID)
	return nil
}

// Status は、全ての板の状態のスナップショットを登録順で返します。
func (s *Scheduler) Status() []BoardStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BoardStatus, 0, len(s.slots))
	for _, slot := range s.slots {
		out = append(out, BoardStatus{
			SiteID:      slot.siteID,
			BoardID:     slot.boardID,
			Domain:      slot.domain,
			State:       slot.state,
			Failures:    slot.failures,
			NextDue:     slot.nextDue,
			LastSuccess: slot.lastSuccess,
			LastError:   slot.lastErr,
		})
	}
	return out
}

// Stats は、セッション統計情報のコピーを返します。
func (s *Scheduler) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) markRunning(slot *boardSlot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot.running || slot.state == StateDegraded {
		return false
	}
	slot.running = true
	return true
}

func (s *Scheduler) unmarkRunning(slot *boardSlot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot.running = false
	if slot.state == StateFetching || slot.state == StateDiffing {
		slot.state = StateIdle
	}
}

func (s *Scheduler) originSem(domain string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.originSems[domain]
}

func (s *Scheduler) tryAcquireOrigin(domain string) bool {
	select {
	case s.originSem(domain) <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Scheduler) acquireOrigin(ctx context.Context, domain string) error {
	select {
	case s.originSem(domain) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) releaseOrigin(domain string) {
	<-s.originSem(domain)
}
