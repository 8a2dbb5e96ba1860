package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"GoImageBoardSync/internal/model"
)

// CursorStore は、板ごとの SyncCursor を永続化します。
// Load は未保存の板に対して (nil, nil) を返します。
type CursorStore interface {
	Load(ctx context.Context, siteID, boardID string) (*model.SyncCursor, error)
	Save(ctx context.Context, siteID, boardID string, cursor *model.SyncCursor) error
}

// MemoryCursorStore は、プロセス内にのみカーソルを保持します。
type MemoryCursorStore struct {
	mu      sync.Mutex
	cursors map[string]*model.SyncCursor
}

// NewMemoryCursorStore は、空の MemoryCursorStore を返します。
func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[string]*model.SyncCursor)}
}

func (s *MemoryCursorStore) Load(_ context.Context, siteID, boardID string) (*model.SyncCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[siteID+"/"+boardID]
	if !ok {
		return nil, nil
	}
	return c.Clone(), nil
}

func (s *MemoryCursorStore) Save(_ context.Context, siteID, boardID string, cursor *model.SyncCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[siteID+"/"+boardID] = cursor.Clone()
	return nil
}

// FileCursorStore は、板ごとに一つのJSONファイルへカーソルを保存します。
// ファイルは <root>/<site>/<board>.cursor.json です。
type FileCursorStore struct {
	root string
}

// NewFileCursorStore は、root ディレクトリを使う FileCursorStore を返します。
func NewFileCursorStore(root string) (*FileCursorStore, error) {
	if root == "" {
		return nil, fmt.Errorf("カーソル保存ディレクトリが指定されていません")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("カーソル保存ディレクトリの作成に失敗しました (path=%s): %w", root, err)
	}
	return &FileCursorStore{root: root}, nil
}

func (s *FileCursorStore) path(siteID, boardID string) string {
	return filepath.Join(s.root, SanitizeFilename(siteID), SanitizeFilename(boardID)+".cursor.json")
}

// Load は、既存のカーソルファイルを読み込みます。
func (s *FileCursorStore) Load(_ context.Context, siteID, boardID string) (*model.SyncCursor, error) {
	cursorPath := s.path(siteID, boardID)
	data, err := os.ReadFile(cursorPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // カーソルが存在しない（初回同期）
		}
		return nil, fmt.Errorf("カーソルファイルの読み込みに失敗しました (path=%s): %w", cursorPath, err)
	}

	cursor := model.NewSyncCursor()
	if err := json.Unmarshal(data, cursor); err != nil {
		return nil, fmt.Errorf("カーソルのパースに失敗しました (path=%s): %w", cursorPath, err)
	}
	if cursor.Threads == nil {
		cursor.Threads = make(map[int64]model.ThreadCursor)
	}
	return cursor, nil
}

// Save は、カーソルを一時ファイルに書いてからリネームすることで、途中状態を残さずに保存します。
func (s *FileCursorStore) Save(_ context.Context, siteID, boardID string, cursor *model.SyncCursor) error {
	cursorPath := s.path(siteID, boardID)
	if err := os.MkdirAll(filepath.Dir(cursorPath), 0755); err != nil {
		return fmt.Errorf("カーソル保存ディレクトリの作成に失敗しました (path=%s): %w", filepath.Dir(cursorPath), err)
	}

	data, err := json.MarshalIndent(cursor, "", "  ")
	if err != nil {
		return fmt.Errorf("カーソルのシリアライズに失敗しました: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(cursorPath), ".cursor-*.tmp")
	if err != nil {
		return fmt.Errorf("一時ファイルの作成に失敗しました (dir=%s): %w", filepath.Dir(cursorPath), err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("カーソルファイルの書き込みに失敗しました (path=%s): %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("カーソルファイルのクローズに失敗しました (path=%s): %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, cursorPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("カーソルファイルの置き換えに失敗しました (path=%s): %w", cursorPath, err)
	}
	return nil
}

// SanitizeFilename は、ファイル名として使用できない文字を置換します。
func SanitizeFilename(name string) string {
	invalid := []rune{'<', '>', ':', '"', '/', '\\', '|', '?', '*'}
	out := []rune(name)
	for i, r := range out {
		for _, bad := range invalid {
			if r == bad {
				out[i] = '_'
				break
			}
		}
	}
	s := string(out)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
