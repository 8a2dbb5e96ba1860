package core

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"GoImageBoardSync/internal/adapter"
	"GoImageBoardSync/internal/model"
	"GoImageBoardSync/internal/network"
)

const fakeEngineID = "fake-core-test"

var fakeBackends sync.Map // siteID -> *fakeBackend

func init() {
	adapter.Register(fakeEngineID, func(site model.SiteDescriptor, _ adapter.Fetcher) (adapter.BackendAdapter, error) {
		v, ok := fakeBackends.Load(site.ID)
		if !ok {
			return nil, fmt.Errorf("fake backend for site %s is not registered", site.ID)
		}
		return v.(*fakeBackend), nil
	})
}

// fakeBackend は、メモリ上の板を返す BackendAdapter です。
type fakeBackend struct {
	mu       sync.Mutex
	boards   map[string][]*model.Thread // カタログ順
	listErr  error
	fetchErr map[int64]error
	delay    time.Duration
	block    chan struct{} // nil でなければ ListThreads はこれが閉じられるか ctx が終わるまで待つ

	active    int32
	maxActive int32
	listCalls int32
	fetches   int32
}

func newFakeBackend(siteID string) *fakeBackend {
	b := &fakeBackend{boards: make(map[string][]*model.Thread), fetchErr: make(map[int64]error)}
	fakeBackends.Store(siteID, b)
	return b
}

func (b *fakeBackend) setThreads(boardID string, threads ...*model.Thread) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.boards[boardID] = threads
}

func (b *fakeBackend) setListErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listErr = err
}

func (b *fakeBackend) Engine() string { return fakeEngineID }

func (b *fakeBackend) MinRequestInterval() time.Duration { return 0 }

func (b *fakeBackend) NormalizeAuthor(raw, fallback string) string {
	return defaultIfEmpty(raw, fallback)
}

func defaultIfEmpty(raw, fallback string) string {
	if raw == "" {
		return fallback
	}
	return raw
}

func (b *fakeBackend) ListThreads(ctx context.Context, boardID string) ([]model.ThreadSummary, error) {
	n := atomic.AddInt32(&b.active, 1)
	defer atomic.AddInt32(&b.active, -1)
	for {
		m := atomic.LoadInt32(&b.maxActive)
		if n <= m || atomic.CompareAndSwapInt32(&b.maxActive, m, n) {
			break
		}
	}
	atomic.AddInt32(&b.listCalls, 1)

	b.mu.Lock()
	delay, block, listErr := b.delay, b.block, b.listErr
	b.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if listErr != nil {
		return nil, listErr
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.ThreadSummary
	for _, th := range b.boards[boardID] {
		out = append(out, model.ThreadSummary{ID: th.ID, BoardID: boardID, Subject: th.Subject, LastModified: th.LastModified})
	}
	return out, nil
}

func (b *fakeBackend) FetchThread(ctx context.Context, boardID string, threadID int64) (*model.Thread, error) {
	atomic.AddInt32(&b.fetches, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, ok := b.fetchErr[threadID]; ok {
		return nil, err
	}
	for _, th := range b.boards[boardID] {
		if th.ID == threadID {
			cp := *th
			cp.Posts = append([]model.Post(nil), th.Posts...)
			return &cp, nil
		}
	}
	return nil, adapter.ErrThreadGone
}

// newThread は、指定したレス番号を持つスレッドを作ります。先頭がスレ番号です。
func newThread(signal int64, ids ...int64) *model.Thread {
	th := &model.Thread{ID: ids[0], Subject: fmt.Sprintf("thread %d", ids[0]), LastModified: signal}
	for _, id := range ids {
		th.Posts = append(th.Posts, model.Post{ID: id, ThreadID: ids[0], BodyRaw: fmt.Sprintf("post %d", id)})
	}
	return th
}

func fakeSite(siteID string, boards ...string) model.SiteDescriptor {
	refs := make([]model.BoardRef, 0, len(boards))
	for _, b := range boards {
		refs = append(refs, model.BoardRef{ID: b})
	}
	return model.SiteDescriptor{
		ID:                siteID,
		Domain:            siteID + ".example",
		EngineID:          fakeEngineID,
		DefaultAuthorName: "Anonymous",
		Boards:            refs,
	}
}

func discardLogger() *log.Logger { return log.New(io.Discard, "", 0) }

// kinds は、イベント列を "Kind:thread/post" の形にまとめます。
func kinds(events []model.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, fmt.Sprintf("%s:%d/%d", ev.Kind, ev.ThreadID, ev.PostID))
	}
	return out
}

// recordingSink は、受け取ったイベントを記録します。
type recordingSink struct {
	mu     sync.Mutex
	events []model.Event
	err    error
}

func (s *recordingSink) Publish(_ context.Context, events []model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, events...)
	return nil
}

func (s *recordingSink) snapshot() []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Event(nil), s.events...)
}

func (s *recordingSink) count(kind model.EventKind) int {
	n := 0
	for _, ev := range s.snapshot() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// httpFetcher は、レート制御を行わない最小の Fetcher です。
type httpFetcher struct {
	requests int32
}

func (f *httpFetcher) Get(ctx context.Context, url string) ([]byte, error) {
	atomic.AddInt32(&f.requests, 1)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &network.HTTPError{StatusCode: resp.StatusCode, URL: url, Message: http.StatusText(resp.StatusCode)}
	}
	return io.ReadAll(resp.Body)
}

func sortedKeys(m map[int64]model.ThreadCursor) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
