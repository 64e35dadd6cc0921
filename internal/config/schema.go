package config

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// configSchema is the structural contract for the YAML configuration file.
// Value-range rules the schema cannot express (threshold bounds, backend
// cross-field requirements) live in Config.check.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "log_level": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
    "log_format": {"type": "string", "enum": ["text", "json"]},
    "database_path": {"type": "string"},
    "buffer": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "capacity": {"type": "integer", "minimum": 1},
        "min_substantive_length": {"type": "integer", "minimum": 1}
      }
    },
    "triggers": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "auto_save_threshold": {"type": "number"},
        "semantic_threshold": {"type": "number"},
        "conversation_length_trigger": {"type": "integer", "minimum": 1},
        "trigger_cooldown_seconds": {"type": "number", "minimum": 0},
        "global_per_minute": {"type": "integer", "minimum": 1},
        "importance_vocabulary": {"type": "array", "items": {"type": "string"}},
        "rules": {
          "type": "array",
          "items": {
            "type": "object",
            "additionalProperties": false,
            "required": ["name", "kind"],
            "properties": {
              "name": {"type": "string", "minLength": 1},
              "kind": {
                "type": "string",
                "enum": ["keyword", "pattern", "semantic_similarity", "importance_threshold", "conversation_length", "context_change", "time_interval"]
              },
              "keywords": {"type": "array", "items": {"type": "string"}},
              "pattern": {"type": "string"},
              "threshold": {"type": "number"},
              "min_messages": {"type": "integer", "minimum": 1},
              "interval_seconds": {"type": "number", "minimum": 0},
              "action": {"type": "string", "enum": ["save_memory", "search_memories", "get_context", "none"]},
              "priority": {"type": "integer"},
              "cooldown_seconds": {"type": "number", "minimum": 0},
              "urgent": {"type": "boolean"},
              "confidence": {"type": "number", "minimum": 0, "maximum": 1}
            }
          }
        }
      }
    },
    "store": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "backend": {"type": "string", "enum": ["memory", "chromem", "pgvector"]},
        "path": {"type": "string"},
        "dsn": {"type": "string"},
        "dimensions": {"type": "integer", "minimum": 1},
        "default_project": {"type": "string"},
        "search_limit": {"type": "integer", "minimum": 1},
        "search_threshold": {"type": "number"},
        "max_content_length": {"type": "integer", "minimum": 1},
        "cache_size": {"type": "integer", "minimum": 1},
        "cache_ttl_seconds": {"type": "number", "minimum": 0}
      }
    },
    "outbox": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "max_attempts": {"type": "integer", "minimum": 1},
        "batch_size": {"type": "integer", "minimum": 1},
        "base_delay_seconds": {"type": "number", "minimum": 0},
        "max_delay_seconds": {"type": "number", "minimum": 0},
        "drain_interval_seconds": {"type": "number", "minimum": 1},
        "attempt_timeout_seconds": {"type": "number", "minimum": 1}
      }
    },
    "embedding": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "provider": {"type": "string", "enum": ["openai", "mock", "none"]},
        "api_key": {"type": "string"},
        "base_url": {"type": "string"},
        "model": {"type": "string"}
      }
    },
    "classifier": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "api_key": {"type": "string"},
        "base_url": {"type": "string"},
        "model": {"type": "string"}
      }
    },
    "server": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "socket": {"type": "string"}
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("engram-config.schema.json", configSchema)

// validateSchema checks the raw YAML document against the embedded schema
// before any decoding, so typos and misplaced keys fail with a pointed
// error instead of silently becoming zero values.
func validateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("config: parse yaml: %w", err)
	}
	if doc == nil {
		return nil
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return fmt.Errorf("config: schema validation: %w", err)
	}
	return nil
}
