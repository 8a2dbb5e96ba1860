package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"GoImageBoardSync/internal/adapter"
	"GoImageBoardSync/internal/config"
	"GoImageBoardSync/internal/model"
)

// FetchThreadFunc は、差分計算中にスレッド全体を取得するための関数です。
type FetchThreadFunc func(ctx context.Context, threadID int64) (*model.Thread, error)

// Tracker は、カタログのスナップショットと板のカーソルを比較して
// ドメインイベントを計算します。Tracker 自体は状態を持ちません。
type Tracker struct {
	graceMisses      int
	maxThreadFetches int
	now              func() time.Time
}

// NewTracker は、TrackerSettings に基づく Tracker を返します。
func NewTracker(settings config.TrackerSettings) *Tracker {
	grace := settings.GraceMisses
	if grace < 0 {
		grace = 0
	}
	return &Tracker{
		graceMisses:      grace,
		maxThreadFetches: settings.MaxThreadFetchesPerCycle,
		now:              time.Now,
	}
}

// DiffResult は、一回の差分計算の結果です。Cursor は次に確定すべきカーソルで、
// 元のカーソルとは別のオブジェクトです。
type DiffResult struct {
	Events   []model.Event
	Cursor   *model.SyncCursor
	Fetched  int // 取得したスレッド数
	Deferred int // 取得上限により次サイクルに回したスレッド数
}

// Diff は、fresh（最新カタログ）と cursor（前回の状態）の差分からイベント列を計算します。
//
// イベント順序: スレッド削除 → 新規スレッド → 既存スレッドの更新。
// 取得エラー（ErrThreadGone を除く）やキャンセルの場合はエラーを返し、cursor は変更されません。
func (t *Tracker) Diff(ctx context.Context, cursor *model.SyncCursor, fresh []model.ThreadSummary, fetch FetchThreadFunc) (*DiffResult, error) {
	now := t.now()
	next := cursor.Clone()
	res := &DiffResult{Cursor: next}

	inCatalog := make(map[int64]bool, len(fresh))
	for _, s := range fresh {
		inCatalog[s.ID] = true
	}

	// 1. カタログから消えたスレッド
	var deletions []model.Event
	for _, id := range sortedThreadIDs(next.Threads) {
		if inCatalog[id] {
			continue
		}
		tc := next.Threads[id]
		if tc.Gone {
			// 404 済みのスレッドがカタログからも消えたので追跡を終える
			delete(next.Threads, id)
			continue
		}
		tc.Misses++
		if tc.Misses > t.graceMisses {
			deletions = append(deletions, model.Event{
				Kind:       model.EventThreadDeleted,
				ThreadID:   id,
				Reason:     fmt.Sprintf("カタログから %d 回連続で欠落", tc.Misses),
				ObservedAt: now,
			})
			delete(next.Threads, id)
			continue
		}
		next.Threads[id] = tc
	}

	// 2. 新規スレッドと 3. 既存スレッドの更新
	var created, updated []model.Event
	fetches := 0
	for _, s := range fresh {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		tc, known := next.Threads[s.ID]
		if known && tc.Gone {
			continue
		}
		if known {
			tc.Misses = 0
			next.Threads[s.ID] = tc
			if tc.LastModified == s.LastModified {
				continue
			}
		}

		if t.maxThreadFetches > 0 && fetches >= t.maxThreadFetches {
			res.Deferred++
			continue
		}
		fetches++

		thread, err := fetch(ctx, s.ID)
		if err != nil {
			if errors.Is(err, adapter.ErrThreadGone) {
				if known {
					deletions = append(deletions, model.Event{
						Kind:       model.EventThreadDeleted,
						ThreadID:   s.ID,
						Reason:     "スレッドが 404 を返しました",
						ObservedAt: now,
					})
				}
				next.Threads[s.ID] = model.ThreadCursor{Gone: true}
				continue
			}
			return nil, fmt.Errorf("スレッドの取得に失敗しました (thread_id=%d): %w", s.ID, err)
		}
		res.Fetched++

		posts := sortedPosts(thread.Posts)
		if !known {
			created = append(created, newThreadEvents(thread, posts, now)...)
			next.Threads[s.ID] = threadCursorFor(model.ThreadCursor{}, posts, s.LastModified)
			continue
		}

		updated = append(updated, updateEvents(tc, s.ID, posts, now)...)
		next.Threads[s.ID] = threadCursorFor(tc, posts, s.LastModified)
	}

	sort.SliceStable(deletions, func(i, j int) bool { return deletions[i].ThreadID < deletions[j].ThreadID })
	res.Events = make([]model.Event, 0, len(deletions)+len(created)+len(updated))
	res.Events = append(res.Events, deletions...)
	res.Events = append(res.Events, created...)
	res.Events = append(res.Events, updated...)
	next.UpdatedAt = now
	return res, nil
}

func newThreadEvents(thread *model.Thread, posts []model.Post, now time.Time) []model.Event {
	th := *thread
	th.Posts = posts
	events := make([]model.Event, 0, len(posts)+1)
	events = append(events, model.Event{
		Kind:       model.EventNewThread,
		ThreadID:   thread.ID,
		Thread:     &th,
		ObservedAt: now,
	})
	for i := range posts {
		events = append(events, model.Event{
			Kind:       model.EventNewPost,
			ThreadID:   thread.ID,
			PostID:     posts[i].ID,
			Post:       &posts[i],
			ObservedAt: now,
		})
	}
	return events
}

// updateEvents は、既存スレッドの削除レスと新着レスを計算します。
func updateEvents(prev model.ThreadCursor, threadID int64, posts []model.Post, now time.Time) []model.Event {
	present := make(map[int64]bool, len(posts))
	for _, p := range posts {
		present[p.ID] = true
	}

	var events []model.Event
	for _, id := range prev.KnownPostIDs {
		if !present[id] {
			events = append(events, model.Event{
				Kind:       model.EventPostDeleted,
				ThreadID:   threadID,
				PostID:     id,
				ObservedAt: now,
			})
		}
	}
	for i := range posts {
		if posts[i].ID <= prev.LastPostID {
			continue
		}
		events = append(events, model.Event{
			Kind:       model.EventNewPost,
			ThreadID:   threadID,
			PostID:     posts[i].ID,
			Post:       &posts[i],
			ObservedAt: now,
		})
	}
	return events
}

// threadCursorFor は、取得したレス一覧から次のスレッドカーソルを作ります。
// LastPostID は単調非減少です。
func threadCursorFor(prev model.ThreadCursor, posts []model.Post, signal int64) model.ThreadCursor {
	next := model.ThreadCursor{
		LastPostID:   prev.LastPostID,
		LastModified: signal,
		KnownPostIDs: make([]int64, 0, len(posts)),
	}
	for _, p := range posts {
		next.KnownPostIDs = append(next.KnownPostIDs, p.ID)
		if p.ID > next.LastPostID {
			next.LastPostID = p.ID
		}
	}
	return next
}

func sortedPosts(posts []model.Post) []model.Post {
	out := make([]model.Post, len(posts))
	copy(out, posts)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedThreadIDs(m map[int64]model.ThreadCursor) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
