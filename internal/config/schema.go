package config

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const configSchemaJSON = `{
  "type": "object",
  "required": ["config_version"],
  "properties": {
    "config_version": {"type": "string"},
    "network": {
      "type": "object",
      "properties": {
        "user_agent": {"type": "string"},
        "default_headers": {"type": "object", "additionalProperties": {"type": "string"}},
        "per_domain_interval_ms": {"type": "object", "additionalProperties": {"type": "integer", "minimum": 0}},
        "request_timeout_ms": {"type": "integer", "minimum": 0},
        "retry_count": {"type": "integer", "minimum": 0},
        "retry_wait_ms": {"type": "integer", "minimum": 0},
        "max_body_bytes": {"type": "integer", "minimum": 0}
      }
    },
    "scheduler": {
      "type": "object",
      "properties": {
        "workers": {"type": "integer", "minimum": 0},
        "poll_interval_ms": {"type": "integer", "minimum": 0},
        "per_origin_concurrency": {"type": "integer", "minimum": 0},
        "backoff_base_ms": {"type": "integer", "minimum": 0},
        "backoff_max_ms": {"type": "integer", "minimum": 0},
        "backoff_jitter_ms": {"type": "integer", "minimum": 0},
        "max_consecutive_failures": {"type": "integer", "minimum": 0},
        "tick_interval_ms": {"type": "integer", "minimum": 0}
      }
    },
    "tracker": {
      "type": "object",
      "properties": {
        "grace_misses": {"type": "integer", "minimum": 0},
        "max_thread_fetches_per_cycle": {"type": "integer", "minimum": 0}
      }
    },
    "cursor_store": {
      "type": "object",
      "properties": {
        "backend": {"enum": ["", "memory", "json", "sqlite"]},
        "path": {"type": "string"}
      }
    },
    "site_templates": {"type": "object", "additionalProperties": {"$ref": "#/$defs/site"}},
    "sites": {"type": "array", "items": {"$ref": "#/$defs/site"}},
    "enable_log_file": {"type": "boolean"},
    "log_file_path": {"type": "string"}
  },
  "$defs": {
    "site": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "id": {"type": "string"},
        "use_template": {"type": "string"},
        "domain": {"type": "string"},
        "scheme": {"enum": ["http", "https"]},
        "engine": {"type": "string"},
        "default_author_name": {"type": "string"},
        "poll_interval_ms": {"type": "integer", "minimum": 0},
        "boards": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["id"],
            "properties": {
              "id": {"type": "string", "minLength": 1},
              "title": {"type": "string"}
            }
          }
        }
      }
    }
  }
}`

var configSchema = jsonschema.MustCompileString("config.schema.json", configSchemaJSON)

// validateDocument は、設定文書をスキーマに照らして検証します。
func validateDocument(data []byte) error {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("設定ファイルの解析に失敗しました: %w", err)
	}
	if err := configSchema.Validate(doc); err != nil {
		return fmt.Errorf("設定ファイルの構造が不正です: %w", err)
	}
	return nil
}
