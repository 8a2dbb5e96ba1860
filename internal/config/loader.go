package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"GoImageBoardSync/internal/model"
)

// DefaultGraceMisses は、grace_misses が省略された場合の値です。
const DefaultGraceMisses = 2

// sitePatch は、サイト設定をデコードするための中間ヘルパー構造体です。
type sitePatch struct {
	Enabled            *bool             `json:"enabled,omitempty"`
	ID                 *string           `json:"id,omitempty"`
	UseTemplate        string            `json:"use_template,omitempty"`
	Domain             *string           `json:"domain,omitempty"`
	Scheme             *string           `json:"scheme,omitempty"`
	Engine             *string           `json:"engine,omitempty"`
	DefaultAuthorName  *string           `json:"default_author_name,omitempty"`
	Boards             *[]model.BoardRef `json:"boards,omitempty"`
	PollIntervalMillis *int              `json:"poll_interval_ms,omitempty"`
}

type rawTracker struct {
	GraceMisses              *int `json:"grace_misses"`
	MaxThreadFetchesPerCycle int  `json:"max_thread_fetches_per_cycle"`
}

// rawConfig は、設定ファイルをデコードするための中間構造体です。
type rawConfig struct {
	ConfigVersion string              `json:"config_version"`
	Network       NetworkSettings     `json:"network"`
	Scheduler     SchedulerSettings   `json:"scheduler"`
	Tracker       rawTracker          `json:"tracker"`
	CursorStore   CursorStoreSettings `json:"cursor_store"`
	SiteTemplates map[string]Site     `json:"site_templates"`
	Sites         []sitePatch         `json:"sites"`
	EnableLogFile bool                `json:"enable_log_file"`
	LogFilePath   string              `json:"log_file_path"`
}

// LoadAndResolve は、指定されたパスから設定ファイルを読み込み、解析と解決を行います。
// 拡張子が .yaml / .yml の場合は YAML として読み込みます。
func LoadAndResolve(path string) (*Config, error) {
	absPath, _ := filepath.Abs(path)
	cwd, _ := os.Getwd()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("設定ファイル '%s' の読み込みに失敗しました (Abs: '%s', Cwd: '%s'): %w", path, absPath, cwd, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("YAML設定ファイル '%s' の解析に失敗しました: %w", path, err)
		}
	}
	return ParseAndResolve(data)
}

// ParseAndResolve は、設定データのバイトスライスを解析し、テンプレートを解決して最終的な設定を返します。
// この関数はテストのために分離されています。
func ParseAndResolve(data []byte) (*Config, error) {
	var rawCfg rawConfig
	if err := json.Unmarshal(data, &rawCfg); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError

		if errors.As(err, &syntaxErr) {
			line, col := computeLineAndColumn(data, syntaxErr.Offset)
			return nil, fmt.Errorf("設定ファイルのJSON構文エラー (行 %d, 列 %d): %w", line, col, err)
		}
		if errors.As(err, &typeErr) {
			line, col := computeLineAndColumn(data, typeErr.Offset)
			return nil, fmt.Errorf("設定ファイルの型エラー (行 %d, 列 %d, フィールド '%s'): 期待値 %v, 実際 %v - %w",
				line, col, typeErr.Field, typeErr.Type, typeErr.Value, err)
		}
		return nil, fmt.Errorf("設定ファイルの解析に失敗しました: %w", err)
	}

	const compatibleVersion = "1.0"
	if rawCfg.ConfigVersion != compatibleVersion {
		return nil, fmt.Errorf("サポートされていない設定バージョン '%s' です。'%s' が必要です。", rawCfg.ConfigVersion, compatibleVersion)
	}

	// 構造チェック
	if err := validateDocument(data); err != nil {
		return nil, err
	}

	graceMisses := DefaultGraceMisses
	if rawCfg.Tracker.GraceMisses != nil {
		graceMisses = *rawCfg.Tracker.GraceMisses
	}

	resolvedConfig := &Config{
		ConfigVersion: rawCfg.ConfigVersion,
		Network:       rawCfg.Network,
		Scheduler:     rawCfg.Scheduler,
		Tracker: TrackerSettings{
			GraceMisses:              graceMisses,
			MaxThreadFetchesPerCycle: rawCfg.Tracker.MaxThreadFetchesPerCycle,
		},
		CursorStore:   rawCfg.CursorStore,
		SiteTemplates: rawCfg.SiteTemplates,
		Sites:         make([]Site, 0, len(rawCfg.Sites)),
		EnableLogFile: rawCfg.EnableLogFile,
		LogFilePath:   rawCfg.LogFilePath,
	}

	seen := make(map[string]bool)
	for _, patch := range rawCfg.Sites {
		var resolvedSite Site
		if patch.UseTemplate != "" {
			template, ok := rawCfg.SiteTemplates[patch.UseTemplate]
			if !ok {
				siteID := "unknown"
				if patch.ID != nil {
					siteID = *patch.ID
				}
				return nil, fmt.Errorf("サイト '%s' が未定義のテンプレート '%s' を使用しています", siteID, patch.UseTemplate)
			}
			resolvedSite = template
		}
		applyPatch(&resolvedSite, &patch)

		if err := resolvedSite.Descriptor().Validate(); err != nil {
			return nil, fmt.Errorf("サイト定義が不正です: %w", err)
		}
		if seen[resolvedSite.ID] {
			return nil, fmt.Errorf("サイトID '%s' が重複しています", resolvedSite.ID)
		}
		seen[resolvedSite.ID] = true
		resolvedConfig.Sites = append(resolvedConfig.Sites, resolvedSite)
	}

	resolvedConfig.ApplyDefaults()
	return resolvedConfig, nil
}

// applyPatch は、patchの非nilフィールドをtargetに上書きします。
func applyPatch(target *Site, patch *sitePatch) {
	target.UseTemplate = patch.UseTemplate
	if patch.Enabled != nil {
		target.Enabled = patch.Enabled
	}
	if patch.ID != nil {
		target.ID = *patch.ID
	}
	if patch.Domain != nil {
		target.Domain = *patch.Domain
	}
	if patch.Scheme != nil {
		target.Scheme = *patch.Scheme
	}
	if patch.Engine != nil {
		target.Engine = *patch.Engine
	}
	if patch.DefaultAuthorName != nil {
		target.DefaultAuthorName = *patch.DefaultAuthorName
	}
	if patch.Boards != nil {
		target.Boards = *patch.Boards
	}
	if patch.PollIntervalMillis != nil {
		target.PollIntervalMillis = *patch.PollIntervalMillis
	}
}

// yamlToJSON は、YAML文書を同等のJSONに変換します。
func yamlToJSON(data []byte) ([]byte, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	doc, err := normalizeYAML(doc)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// normalizeYAML は、yaml.v3 が生成する値を encoding/json で扱える形に揃えます。
func normalizeYAML(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			n, err := normalizeYAML(val)
			if err != nil {
				return nil, err
			}
			t[k] = n
		}
		return t, nil
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("文字列以外のキー %v は使用できません", k)
			}
			n, err := normalizeYAML(val)
			if err != nil {
				return nil, err
			}
			out[key] = n
		}
		return out, nil
	case []interface{}:
		for i, val := range t {
			n, err := normalizeYAML(val)
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
		return t, nil
	default:
		return v, nil
	}
}

// computeLineAndColumn は、バイトオフセットから行番号と列番号（1始まり）を計算します。
func computeLineAndColumn(data []byte, offset int64) (int, int) {
	if offset < 0 || int(offset) > len(data) {
		return 0, 0
	}
	line := 1
	lastLineStart := 0
	for i, b := range data {
		if int64(i) == offset {
			return line, i - lastLineStart + 1
		}
		if b == '\n' {
			line++
			lastLineStart = i + 1
		}
	}
	return line, int(offset) - lastLineStart + 1
}
