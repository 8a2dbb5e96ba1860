package adapter

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"golang.org/x/text/encoding/japanese"

	"GoImageBoardSync/internal/network"
)

// stubFetcher は、URLごとに固定の応答を返す Fetcher です。未登録のURLには 404 を返します。
type stubFetcher struct {
	mu        sync.Mutex
	pages     map[string][]byte
	errs      map[string]error
	requested []string
	cookies   []*http.Cookie
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{pages: make(map[string][]byte), errs: make(map[string]error)}
}

func (f *stubFetcher) Get(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, url)
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	if body, ok := f.pages[url]; ok {
		return body, nil
	}
	return nil, &network.HTTPError{StatusCode: http.StatusNotFound, URL: url, Message: "Not Found"}
}

func (f *stubFetcher) SetCookie(_ string, cookie *http.Cookie) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cookies = append(f.cookies, cookie)
	return nil
}

func readTestdata(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("テスト用ファイル '%s' の読み込みに失敗しました: %v", name, err)
	}
	return data
}

// readShiftJIS は、UTF-8 のテストデータを Shift_JIS に変換して返します。
func readShiftJIS(t *testing.T, name string) []byte {
	t.Helper()
	encoded, err := japanese.ShiftJIS.NewEncoder().Bytes(readTestdata(t, name))
	if err != nil {
		t.Fatalf("Shift_JIS への変換に失敗しました (%s): %v", name, err)
	}
	return encoded
}
