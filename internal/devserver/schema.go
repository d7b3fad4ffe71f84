package devserver

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var frameSchemas struct {
	once    sync.Once
	initErr error
	inbound *jsonschema.Schema
}

func initFrameSchemas() error {
	frameSchemas.once.Do(func() {
		frameSchemas.inbound, frameSchemas.initErr = jsonschema.CompileString("client_frame", clientFrameSchema)
	})
	return frameSchemas.initErr
}

// validateClientFrame checks a raw client frame before it is decoded.
func validateClientFrame(raw []byte) error {
	if err := initFrameSchemas(); err != nil {
		return err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return frameSchemas.inbound.Validate(payload)
}

const clientFrameSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": { "enum": ["join", "leave", "event"] },
    "room": { "type": "string" },
    "event": { "type": "string" },
    "payload": {}
  },
  "allOf": [
    {
      "if": { "properties": { "type": { "enum": ["join", "leave"] } } },
      "then": {
        "required": ["room"],
        "properties": { "room": { "minLength": 1, "maxLength": 128 } }
      }
    },
    {
      "if": { "properties": { "type": { "const": "event" } } },
      "then": {
        "required": ["event"],
        "properties": { "event": { "minLength": 1, "maxLength": 64 } }
      }
    }
  ],
  "additionalProperties": false
}`
