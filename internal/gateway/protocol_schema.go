package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/canvasd/internal/canvas"
)

type controlSchemaRegistry struct {
	once     sync.Once
	initErr  error
	envelope *jsonschema.Schema
	payloads map[canvas.Opcode]*jsonschema.Schema
}

var controlSchemas controlSchemaRegistry

func initControlSchemas() error {
	controlSchemas.once.Do(func() {
		envelope, err := jsonschema.CompileString("control_envelope", envelopeSchema)
		if err != nil {
			controlSchemas.initErr = err
			return
		}
		controlSchemas.envelope = envelope

		payloads := map[canvas.Opcode]string{
			canvas.OpSwitchCanvas:      switchCanvasSchema,
			canvas.OpUnsubscribeCanvas: emptyPayloadSchema,
			canvas.OpClearCanvas:       emptyPayloadSchema,
			canvas.OpPing:              emptyPayloadSchema,
		}
		controlSchemas.payloads = make(map[canvas.Opcode]*jsonschema.Schema, len(payloads))
		for op, schema := range payloads {
			compiled, err := jsonschema.CompileString(fmt.Sprintf("control_payload_%d", op), schema)
			if err != nil {
				controlSchemas.initErr = err
				return
			}
			controlSchemas.payloads[op] = compiled
		}
	})
	return controlSchemas.initErr
}

// decodeControl validates an inbound text frame and decodes its envelope.
func decodeControl(raw []byte) (canvas.Envelope, error) {
	if err := initControlSchemas(); err != nil {
		return canvas.Envelope{}, err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return canvas.Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := controlSchemas.envelope.Validate(doc); err != nil {
		return canvas.Envelope{}, err
	}
	env, err := canvas.DecodeEnvelope(raw)
	if err != nil {
		return canvas.Envelope{}, err
	}

	var payload any = map[string]any{}
	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return canvas.Envelope{}, err
		}
	}
	if schema := controlSchemas.payloads[env.Opcode]; schema != nil {
		if err := schema.Validate(payload); err != nil {
			return canvas.Envelope{}, err
		}
	}
	return env, nil
}

const envelopeSchema = `{
  "type": "object",
  "required": ["opcode"],
  "properties": {
    "opcode": { "type": "integer", "minimum": 0, "maximum": 3 },
    "payload": { "type": ["object", "null"] }
  },
  "additionalProperties": true
}`

const switchCanvasSchema = `{
  "type": "object",
  "required": ["canvas_id"],
  "properties": {
    "canvas_id": { "type": "string", "minLength": 1, "maxLength": 64 },
    "resume_token": { "type": "string", "maxLength": 128 }
  },
  "additionalProperties": true
}`

const emptyPayloadSchema = `{
  "type": "object",
  "additionalProperties": true
}`
