package server

import "github.com/santhosh-tekuri/jsonschema/v5"

// createSchema validates POST /instances bodies before they are decoded
// into a CreateSpec, so shape errors surface as one precise 400 instead of
// half-decoded structs.
const createSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["image"],
  "additionalProperties": false,
  "properties": {
    "image":         {"type": "string", "minLength": 1},
    "image_tag":     {"type": "string"},
    "cpu_cores":     {"type": "integer", "minimum": 0},
    "memory_gb":     {"type": "integer", "minimum": 0},
    "gpu_count":     {"type": "integer", "minimum": 0},
    "ports": {
      "type": "object",
      "propertyNames": {"pattern": "^[0-9]+$"},
      "additionalProperties": {"type": "string", "pattern": "^([0-9]+|auto)$"}
    },
    "env": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "command":       {"type": "string"},
    "remote_access": {"type": "boolean"}
  }
}`

// actionSchema validates PUT /instances bodies.
const actionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["action"],
  "additionalProperties": false,
  "properties": {
    "action": {"type": "string", "enum": ["start", "stop", "restart"]}
  }
}`

// keySchema validates POST/DELETE /ssh bodies.
const keySchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["public_key"],
  "additionalProperties": false,
  "properties": {
    "public_key": {"type": "string", "minLength": 1}
  }
}`

var (
	createSchema = jsonschema.MustCompileString("create.json", createSchemaJSON)
	actionSchema = jsonschema.MustCompileString("action.json", actionSchemaJSON)
	keySchema    = jsonschema.MustCompileString("key.json", keySchemaJSON)
)
