package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"GoImageBoardSync/internal/adapter"
	"GoImageBoardSync/internal/config"
	"GoImageBoardSync/internal/model"
)

// fakeCatalog は、差分計算の入力となるカタログとスレッド本体を保持します。
type fakeCatalog struct {
	threads map[int64]*model.Thread
	order   []int64
	errs    map[int64]error
	calls   []int64
}

func newFakeCatalog(threads ...*model.Thread) *fakeCatalog {
	c := &fakeCatalog{threads: make(map[int64]*model.Thread), errs: make(map[int64]error)}
	c.set(threads...)
	return c
}

// set は、カタログの内容を threads で置き換えます（順序も threads の通り）。
func (c *fakeCatalog) set(threads ...*model.Thread) {
	c.threads = make(map[int64]*model.Thread)
	c.order = nil
	for _, th := range threads {
		c.threads[th.ID] = th
		c.order = append(c.order, th.ID)
	}
}

func (c *fakeCatalog) summaries() []model.ThreadSummary {
	out := make([]model.ThreadSummary, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, model.ThreadSummary{ID: id, LastModified: c.threads[id].LastModified})
	}
	return out
}

func (c *fakeCatalog) fetch(_ context.Context, id int64) (*model.Thread, error) {
	c.calls = append(c.calls, id)
	if err, ok := c.errs[id]; ok {
		return nil, err
	}
	th, ok := c.threads[id]
	if !ok {
		return nil, fmt.Errorf("%w (thread_id=%d)", adapter.ErrThreadGone, id)
	}
	cp := *th
	cp.Posts = append([]model.Post(nil), th.Posts...)
	return &cp, nil
}

func newTestTracker(grace, maxFetches int) *Tracker {
	tr := NewTracker(config.TrackerSettings{GraceMisses: grace, MaxThreadFetchesPerCycle: maxFetches})
	tr.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return tr
}

// runDiff は、Diff を実行して失敗時にテストを止めます。
func runDiff(t *testing.T, tr *Tracker, cursor *model.SyncCursor, c *fakeCatalog) *DiffResult {
	t.Helper()
	c.calls = nil
	res, err := tr.Diff(context.Background(), cursor, c.summaries(), c.fetch)
	if err != nil {
		t.Fatalf("Diffが予期せぬエラーを返しました: %v", err)
	}
	return res
}

func assertKinds(t *testing.T, want []string, events []model.Event) {
	t.Helper()
	if want == nil {
		want = []string{}
	}
	if diff := cmp.Diff(want, kinds(events)); diff != "" {
		t.Errorf("イベント列が期待値と異なります (-want +got):\n%s", diff)
	}
}

func TestTracker_NewThreads(t *testing.T) {
	// Arrange
	tr := newTestTracker(2, 0)
	c := newFakeCatalog(newThread(1, 200), newThread(5, 100, 101, 102))

	// Act
	res := runDiff(t, tr, nil, c)

	// Assert
	assertKinds(t, []string{
		"NewThread:200/0", "NewPost:200/200",
		"NewThread:100/0", "NewPost:100/100", "NewPost:100/101", "NewPost:100/102",
	}, res.Events)
	if res.Fetched != 2 {
		t.Errorf("取得数が期待値と異なります。期待値: 2, 実際値: %d", res.Fetched)
	}
	want := model.ThreadCursor{LastPostID: 102, LastModified: 5, KnownPostIDs: []int64{100, 101, 102}}
	if diff := cmp.Diff(want, res.Cursor.Threads[100]); diff != "" {
		t.Errorf("スレッドカーソルが期待値と異なります (-want +got):\n%s", diff)
	}
	if res.Events[0].Thread == nil || len(res.Events[0].Thread.Posts) != 1 {
		t.Errorf("NewThread イベントにスレッド本体が含まれていません: %+v", res.Events[0])
	}
	if res.Events[3].Post == nil || res.Events[3].Post.ID != 100 {
		t.Errorf("NewPost イベントにレス本体が含まれていません: %+v", res.Events[3])
	}
}

func TestTracker_Idempotent(t *testing.T) {
	tr := newTestTracker(2, 0)
	c := newFakeCatalog(newThread(1, 200), newThread(5, 100, 101, 102))
	first := runDiff(t, tr, nil, c)

	second := runDiff(t, tr, first.Cursor, c)

	assertKinds(t, nil, second.Events)
	if len(c.calls) != 0 {
		t.Errorf("シグナルが変わらないスレッドを取得しました: %v", c.calls)
	}
	if diff := cmp.Diff(first.Cursor.Threads, second.Cursor.Threads); diff != "" {
		t.Errorf("変化が無いのにカーソルが変わりました (-want +got):\n%s", diff)
	}
}

func TestTracker_NewAndDeletedPosts(t *testing.T) {
	// Arrange
	tr := newTestTracker(2, 0)
	c := newFakeCatalog(newThread(5, 100, 101, 102))
	res := runDiff(t, tr, nil, c)

	// Act: 101 が削除され、103 と 104 が追加された
	c.set(newThread(6, 100, 102, 103, 104))
	res = runDiff(t, tr, res.Cursor, c)

	// Assert
	assertKinds(t, []string{"PostDeleted:100/101", "NewPost:100/103", "NewPost:100/104"}, res.Events)
	if got := res.Cursor.Threads[100].LastPostID; got != 104 {
		t.Errorf("LastPostIDが期待値と異なります: %d", got)
	}
}

func TestTracker_LastPostIDIsMonotonic(t *testing.T) {
	tr := newTestTracker(2, 0)
	c := newFakeCatalog(newThread(1, 100, 101, 102))
	res := runDiff(t, tr, nil, c)

	// 末尾のレスが削除されても LastPostID は戻らない
	c.set(newThread(2, 100))
	res = runDiff(t, tr, res.Cursor, c)
	assertKinds(t, []string{"PostDeleted:100/101", "PostDeleted:100/102"}, res.Events)
	if got := res.Cursor.Threads[100].LastPostID; got != 102 {
		t.Errorf("LastPostIDが減少しました: %d", got)
	}

	c.set(newThread(3, 100, 103))
	res = runDiff(t, tr, res.Cursor, c)
	assertKinds(t, []string{"NewPost:100/103"}, res.Events)
}

func TestTracker_UnchangedSignalSkipsFetch(t *testing.T) {
	tr := newTestTracker(2, 0)
	c := newFakeCatalog(newThread(5, 100, 101), newThread(1, 200))
	res := runDiff(t, tr, nil, c)

	c.set(newThread(5, 100, 101), newThread(2, 200, 201))
	res = runDiff(t, tr, res.Cursor, c)

	if diff := cmp.Diff([]int64{200}, c.calls); diff != "" {
		t.Errorf("取得したスレッドが期待値と異なります (-want +got):\n%s", diff)
	}
	assertKinds(t, []string{"NewPost:200/201"}, res.Events)
}

func TestTracker_GraceWindow(t *testing.T) {
	// Arrange
	tr := newTestTracker(2, 0)
	present := newFakeCatalog(newThread(5, 100, 101))
	empty := newFakeCatalog()
	res := runDiff(t, tr, nil, present)

	// 1回欠落してから再出現しても削除されない
	res = runDiff(t, tr, res.Cursor, empty)
	assertKinds(t, nil, res.Events)
	if got := res.Cursor.Threads[100].Misses; got != 1 {
		t.Errorf("欠落回数が期待値と異なります: %d", got)
	}
	res = runDiff(t, tr, res.Cursor, present)
	assertKinds(t, nil, res.Events)
	if got := res.Cursor.Threads[100].Misses; got != 0 {
		t.Errorf("再出現後に欠落回数がリセットされていません: %d", got)
	}
	if len(present.calls) != 0 {
		t.Errorf("再出現したスレッドを不要に取得しました: %v", present.calls)
	}

	// 猶予を超えて欠落すると一度だけ削除される
	var deleted int
	for i := 0; i < 5; i++ {
		res = runDiff(t, tr, res.Cursor, empty)
		for _, ev := range res.Events {
			if ev.Kind == model.EventThreadDeleted {
				deleted++
				if i != 2 {
					t.Errorf("%d 回目の欠落で削除されました。期待値: 3 回目", i+1)
				}
			}
		}
	}
	if deleted != 1 {
		t.Errorf("ThreadDeleted の回数が期待値と異なります。期待値: 1, 実際値: %d", deleted)
	}
	if _, ok := res.Cursor.Threads[100]; ok {
		t.Error("削除されたスレッドがカーソルに残っています。")
	}
}

func TestTracker_ZeroGraceDeletesImmediately(t *testing.T) {
	tr := newTestTracker(0, 0)
	res := runDiff(t, tr, nil, newFakeCatalog(newThread(5, 100)))

	res = runDiff(t, tr, res.Cursor, newFakeCatalog())

	assertKinds(t, []string{"ThreadDeleted:100/0"}, res.Events)
	if res.Events[0].Reason == "" {
		t.Error("ThreadDeleted に理由が記録されていません。")
	}
}

func TestTracker_ThreadGoneForKnownThread(t *testing.T) {
	// Arrange
	tr := newTestTracker(2, 0)
	c := newFakeCatalog(newThread(5, 100, 101))
	res := runDiff(t, tr, nil, c)

	// Act: カタログには残っているが本体は 404
	c.set(newThread(6, 100, 101, 102))
	c.errs[100] = fmt.Errorf("%w (thread_id=100)", adapter.ErrThreadGone)
	res = runDiff(t, tr, res.Cursor, c)

	// Assert
	assertKinds(t, []string{"ThreadDeleted:100/0"}, res.Events)
	if !res.Cursor.Threads[100].Gone {
		t.Error("404 のスレッドは墓標として残るべきです。")
	}
	if len(res.Cursor.LastSeenThreadIDs()) != 0 {
		t.Errorf("墓標は LastSeenThreadIDs に含まれるべきではありません: %v", res.Cursor.LastSeenThreadIDs())
	}

	// カタログに残っている間は再取得しない
	c.set(newThread(7, 100, 101, 102, 103))
	res = runDiff(t, tr, res.Cursor, c)
	assertKinds(t, nil, res.Events)
	if len(c.calls) != 0 {
		t.Errorf("墓標のスレッドを再取得しました: %v", c.calls)
	}

	// カタログから消えたら墓標も消える
	res = runDiff(t, tr, res.Cursor, newFakeCatalog())
	assertKinds(t, nil, res.Events)
	if _, ok := res.Cursor.Threads[100]; ok {
		t.Error("カタログから消えた墓標が残っています。")
	}
}

func TestTracker_ThreadGoneForUnseenThread(t *testing.T) {
	tr := newTestTracker(2, 0)
	c := newFakeCatalog(newThread(1, 100))
	c.errs[100] = adapter.ErrThreadGone

	res := runDiff(t, tr, nil, c)

	assertKinds(t, nil, res.Events)
	if !res.Cursor.Threads[100].Gone {
		t.Error("未観測の 404 スレッドは墓標として記録されるべきです。")
	}
}

func TestTracker_FetchErrorLeavesCursorUntouched(t *testing.T) {
	// Arrange
	tr := newTestTracker(2, 0)
	c := newFakeCatalog(newThread(5, 100, 101))
	res := runDiff(t, tr, nil, c)
	before := res.Cursor.Clone()

	c.set(newThread(6, 100, 101, 102), newThread(1, 200))
	c.errs[200] = errors.New("connection reset")

	// Act
	_, err := tr.Diff(context.Background(), res.Cursor, c.summaries(), c.fetch)

	// Assert
	if err == nil {
		t.Fatal("取得エラーは Diff のエラーになるべきです。")
	}
	if diff := cmp.Diff(before, res.Cursor); diff != "" {
		t.Errorf("エラー時に元のカーソルが変更されました (-want +got):\n%s", diff)
	}
}

func TestTracker_CancelledContext(t *testing.T) {
	tr := newTestTracker(2, 0)
	c := newFakeCatalog(newThread(1, 100))
	cursor := model.NewSyncCursor()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tr.Diff(ctx, cursor, c.summaries(), c.fetch)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("context.Canceled が返されるべきです: %v", err)
	}
	if len(cursor.Threads) != 0 || len(c.calls) != 0 {
		t.Errorf("キャンセル後に状態が変化しました: threads=%d calls=%v", len(cursor.Threads), c.calls)
	}
}

func TestTracker_FetchCapDefersThreads(t *testing.T) {
	// Arrange
	tr := newTestTracker(2, 1)
	c := newFakeCatalog(newThread(1, 300), newThread(1, 200), newThread(1, 100))

	// Act & Assert
	res := runDiff(t, tr, nil, c)
	assertKinds(t, []string{"NewThread:300/0", "NewPost:300/300"}, res.Events)
	if res.Fetched != 1 || res.Deferred != 2 {
		t.Errorf("取得数/延期数が期待値と異なります: fetched=%d deferred=%d", res.Fetched, res.Deferred)
	}

	res = runDiff(t, tr, res.Cursor, c)
	assertKinds(t, []string{"NewThread:200/0", "NewPost:200/200"}, res.Events)

	res = runDiff(t, tr, res.Cursor, c)
	assertKinds(t, []string{"NewThread:100/0", "NewPost:100/100"}, res.Events)

	res = runDiff(t, tr, res.Cursor, c)
	assertKinds(t, nil, res.Events)
	if res.Deferred != 0 {
		t.Errorf("全て取得済みなのに延期されています: %d", res.Deferred)
	}
}

func TestTracker_EventOrder(t *testing.T) {
	// Arrange
	tr := newTestTracker(0, 0)
	c := newFakeCatalog(newThread(1, 300), newThread(1, 50), newThread(1, 10))
	res := runDiff(t, tr, nil, c)

	// Act: 10 と 300 が消え、400 が立ち、50 にレスが付いた
	c.set(newThread(1, 400), newThread(2, 50, 51))
	res = runDiff(t, tr, res.Cursor, c)

	// Assert
	assertKinds(t, []string{
		"ThreadDeleted:10/0", "ThreadDeleted:300/0",
		"NewThread:400/0", "NewPost:400/400",
		"NewPost:50/51",
	}, res.Events)
	if diff := cmp.Diff([]int64{50, 400}, sortedKeys(res.Cursor.Threads)); diff != "" {
		t.Errorf("カーソルのスレッドが期待値と異なります (-want +got):\n%s", diff)
	}
}
