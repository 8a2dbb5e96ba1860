// Package storage は、同期カーソルを SQLite に永続化する CursorStore を提供します。
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"GoImageBoardSync/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS cursors (
	site_id    TEXT NOT NULL,
	board_id   TEXT NOT NULL,
	data       TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (site_id, board_id)
);`

// SQLiteStore は、板ごとのカーソルを cursors テーブルに一行ずつ保存します。
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite は、path のデータベースを開き、スキーマを作成します。
// path が ":memory:" の場合はメモリ上のデータベースを使います。
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("データベースのパスが指定されていません")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("データベースディレクトリの作成に失敗しました (path=%s): %w", path, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("データベースを開けませんでした (path=%s): %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("PRAGMA の設定に失敗しました (%s): %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマの作成に失敗しました: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close は、データベースを閉じます。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load は、保存済みのカーソルを返します。未保存の板には (nil, nil) を返します。
func (s *SQLiteStore) Load(ctx context.Context, siteID, boardID string) (*model.SyncCursor, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM cursors WHERE site_id = ? AND board_id = ?`, siteID, boardID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("カーソルの読み込みに失敗しました (site=%s, board=%s): %w", siteID, boardID, err)
	}

	cursor := model.NewSyncCursor()
	if err := json.Unmarshal([]byte(data), cursor); err != nil {
		return nil, fmt.Errorf("カーソルのパースに失敗しました (site=%s, board=%s): %w", siteID, boardID, err)
	}
	if cursor.Threads == nil {
		cursor.Threads = make(map[int64]model.ThreadCursor)
	}
	return cursor, nil
}

// Save は、カーソルを上書き保存します。
func (s *SQLiteStore) Save(ctx context.Context, siteID, boardID string, cursor *model.SyncCursor) error {
	data, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("カーソルのシリアライズに失敗しました: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO cursors (site_id, board_id, data, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(site_id, board_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		siteID, boardID, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("カーソルの保存に失敗しました (site=%s, board=%s): %w", siteID, boardID, err)
	}
	return nil
}

// Boards は、カーソルが保存されている (site, board) の一覧を返します。
func (s *SQLiteStore) Boards(ctx context.Context) ([][2]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT site_id, board_id FROM cursors ORDER BY site_id, board_id`)
	if err != nil {
		return nil, fmt.Errorf("カーソル一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var out [][2]string
	for rows.Next() {
		var site, board string
		if err := rows.Scan(&site, &board); err != nil {
			return nil, err
		}
		out = append(out, [2]string{site, board})
	}
	return out, rows.Err()
}
