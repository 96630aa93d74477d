package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// configSchema validates the shape of config.yaml before it is decoded into
// the typed Config. Unknown keys are tolerated for forward compatibility;
// known keys must carry the right types.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "backend": {"type": "string", "enum": ["claude", "opencode", "codex"]},
    "working_dir": {"type": "string"},
    "timezone": {"type": "string"},
    "log_level": {"type": "string", "enum": ["debug", "info", "warn", "warning", "error"]},
    "drain_timeout_seconds": {"type": "integer", "minimum": 0},
    "binaries": {
      "type": "object",
      "properties": {
        "claude": {"type": "string"},
        "opencode": {"type": "string"},
        "codex": {"type": "string"}
      }
    },
    "rate_limit": {
      "type": "object",
      "properties": {
        "max_requests": {"type": "integer", "minimum": 0},
        "window_ms": {"type": "integer", "minimum": 0}
      }
    },
    "limits": {
      "type": "object",
      "properties": {
        "max_turns": {"type": "integer"},
        "max_session_minutes": {"type": "integer"}
      }
    },
    "queue": {
      "type": "object",
      "properties": {
        "worker_count": {"type": "integer", "minimum": 0},
        "poll_interval_ms": {"type": "integer", "minimum": 0},
        "max_attempts": {"type": "integer", "minimum": 0},
        "job_timeout_seconds": {"type": "integer", "minimum": 0},
        "keep_last": {"type": "integer", "minimum": 0},
        "max_queue_depth": {"type": "integer", "minimum": 0},
        "max_concurrent_spawns": {"type": "integer", "minimum": 0}
      }
    },
    "channels": {
      "type": "object",
      "properties": {
        "telegram": {
          "type": "object",
          "properties": {
            "token": {"type": "string"},
            "allowed_ids": {"type": "array", "items": {"type": "integer"}},
            "resume_keyword": {"type": "string"}
          }
        }
      }
    },
    "gateway": {
      "type": "object",
      "properties": {
        "bind_addr": {"type": "string"},
        "auth_token": {"type": "string"}
      }
    },
    "otel": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "exporter": {"type": "string", "enum": ["", "otlp-http", "stdout", "none"]},
        "endpoint": {"type": "string"},
        "service_name": {"type": "string"},
        "sample_rate": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "schedules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "cron", "prompt"],
        "properties": {
          "name": {"type": "string"},
          "cron": {"type": "string"},
          "prompt": {"type": "string"},
          "thread_id": {"type": "string"},
          "enabled": {"type": "boolean"}
        }
      }
    }
  }
}`

// validateSchema checks raw config.yaml bytes against configSchema.
// The yaml document is round-tripped through JSON because the validator
// operates on JSON values.
func validateSchema(data []byte) error {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode for validation: %w", err)
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchema))
	if err != nil {
		return fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("config.schema.json", doc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("config.schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(jsonBytes))
	if err != nil {
		return fmt.Errorf("decode for validation: %w", err)
	}
	if err := schema.Validate(parsed); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}
