package codec

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/example/workspace-sync/internal/syncerr"
)

const pushSchemaURL = "https://schemas.workspace-sync.dev/push-request.json"

const pushSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["changes"],
  "properties": {
    "scopeType": {"$ref": "#/$defs/scopeType"},
    "scopeId": {"type": "string"},
    "vectorClock": {
      "type": ["object", "null"],
      "additionalProperties": {"type": "integer", "minimum": 0}
    },
    "changes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "scopeType", "scopeId", "opType"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "scopeType": {"$ref": "#/$defs/scopeType"},
          "scopeId": {"type": "string", "minLength": 1},
          "deviceId": {"type": "string"},
          "opType": {"enum": ["insert", "update", "delete", "crdt"]},
          "lamport": {"type": "integer", "minimum": 0},
          "serverEpoch": {"type": "integer"},
          "createdAt": {"type": "string"}
        }
      }
    }
  },
  "$defs": {
    "scopeType": {
      "enum": ["workspace", "project", "collection", "request", "environment", "variable", "secret"]
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func pushRequestSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(pushSchema))
		if err != nil {
			schemaErr = fmt.Errorf("parse push schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(pushSchemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("add push schema: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(pushSchemaURL)
	})
	return schema, schemaErr
}

// ValidatePushBody checks a raw push request against the push schema before it
// is decoded.
func ValidatePushBody(body []byte) error {
	sch, err := pushRequestSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return syncerr.Malformed("push body is not JSON: %v", err)
	}
	if err := sch.Validate(inst); err != nil {
		return syncerr.Malformed("push body: %v", err)
	}
	return nil
}
