package httpapi

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Request bodies are validated against JSON Schemas before any handler
// logic runs, so malformed input never reaches the ledger.

const auditActionSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"folder": {"type": "string", "maxLength": 512},
		"subjectName": {"type": "string", "maxLength": 512},
		"actor": {"type": "string", "minLength": 1, "maxLength": 128},
		"at": {"type": "string", "maxLength": 64},
		"idempotencyKey": {"type": "string", "maxLength": 128}
	},
	"required": ["actor"],
	"additionalProperties": false
}`

const eventCreateSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"eventId": {"type": "string", "maxLength": 128},
		"topic": {"type": "string", "minLength": 1, "maxLength": 256},
		"description": {"type": "string", "maxLength": 4096},
		"createdBy": {"type": "string", "minLength": 1, "maxLength": 128},
		"eventAt": {"type": "string", "maxLength": 64}
	},
	"required": ["topic", "createdBy"],
	"additionalProperties": false
}`

const chatPostSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"username": {"type": "string", "minLength": 1, "maxLength": 128},
		"message": {"type": "string", "minLength": 1, "maxLength": 8192},
		"idempotencyKey": {"type": "string", "maxLength": 128}
	},
	"required": ["username", "message"],
	"additionalProperties": false
}`

const rosterPutSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"members": {
			"type": "array",
			"items": {"type": "string", "minLength": 1, "maxLength": 128},
			"maxItems": 256
		}
	},
	"required": ["members"],
	"additionalProperties": false
}`

const webhookEnvelopeSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"projectId": {"type": "string", "minLength": 1, "maxLength": 128},
		"action": {"type": "string", "minLength": 1, "maxLength": 64},
		"folder": {"type": "string", "maxLength": 512},
		"subjectName": {"type": "string", "maxLength": 512},
		"actor": {"type": "string", "minLength": 1, "maxLength": 128},
		"at": {"type": "string", "maxLength": 64},
		"idempotencyKey": {"type": "string", "maxLength": 128}
	},
	"required": ["projectId", "action", "actor"],
	"additionalProperties": false
}`

var (
	auditActionValidator     = mustCompileSchema("audit-action.json", auditActionSchema)
	eventCreateValidator     = mustCompileSchema("event-create.json", eventCreateSchema)
	chatPostValidator        = mustCompileSchema("chat-post.json", chatPostSchema)
	rosterPutValidator       = mustCompileSchema("roster-put.json", rosterPutSchema)
	webhookEnvelopeValidator = mustCompileSchema("webhook-envelope.json", webhookEnvelopeSchema)
)

func mustCompileSchema(name, text string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	return schema
}

// validateSchema checks raw JSON against a compiled schema and returns
// a one-line description of the first violation.
func validateSchema(schema *jsonschema.Schema, body []byte) error {
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json body")
	}
	if err := schema.Validate(value); err != nil {
		return err
	}
	return nil
}
