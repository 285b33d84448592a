package ingest

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"procodus.dev/ecoatlas/pkg/telemetry"
)

const readingSchema = `{
	"type": "object",
	"required": ["device_id", "timestamp"],
	"properties": {
		"device_id":         {"type": "string", "minLength": 1, "maxLength": 128},
		"timestamp":         {"type": "integer"},
		"temperature":       {"type": ["number", "null"]},
		"humidity":          {"type": ["number", "null"]},
		"pressure":          {"type": ["number", "null"]},
		"pm25":              {"type": ["number", "null"]},
		"pm10":              {"type": ["number", "null"]},
		"co2":               {"type": ["number", "null"]},
		"co2_level":         {"type": ["number", "null"]},
		"air_quality":       {"type": ["number", "null"]},
		"light_level":       {"type": ["number", "null"]},
		"power_consumption": {"type": ["number", "null"]},
		"wifi_rssi":         {"type": ["number", "null"]},
		"wifi_signal":       {"type": ["number", "null"]},
		"location":          {"type": ["string", "null"], "maxLength": 256},
		"node_type":         {"type": ["string", "null"], "maxLength": 64}
	}
}`

const statusSchema = `{
	"type": "object",
	"required": ["device_id", "status"],
	"properties": {
		"device_id":  {"type": "string", "minLength": 1, "maxLength": 128},
		"status":     {"type": "string", "maxLength": 32},
		"ip_address": {"type": ["string", "null"], "maxLength": 64},
		"timestamp":  {"type": ["integer", "null"]}
	}
}`

const heartbeatSchema = `{
	"type": "object",
	"required": ["device_id"],
	"properties": {
		"device_id":  {"type": "string", "minLength": 1, "maxLength": 128},
		"ip_address": {"type": ["string", "null"], "maxLength": 64},
		"timestamp":  {"type": ["integer", "null"]}
	}
}`

// schemas holds the compiled payload schemas.
type schemas struct {
	reading   *gojsonschema.Schema
	status    *gojsonschema.Schema
	heartbeat *gojsonschema.Schema
}

func compileSchemas() (*schemas, error) {
	compile := func(name, src string) (*gojsonschema.Schema, error) {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s schema: %w", name, err)
		}
		return s, nil
	}

	reading, err := compile("reading", readingSchema)
	if err != nil {
		return nil, err
	}
	status, err := compile("status", statusSchema)
	if err != nil {
		return nil, err
	}
	heartbeat, err := compile("heartbeat", heartbeatSchema)
	if err != nil {
		return nil, err
	}
	return &schemas{reading: reading, status: status, heartbeat: heartbeat}, nil
}

// validate checks raw against schema and reports the first violation.
func validate(schema *gojsonschema.Schema, raw []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return telemetry.NewValidationError("payload", "malformed JSON")
	}
	if result.Valid() {
		return nil
	}

	first := result.Errors()[0]
	field := first.Field()
	if first.Type() == "required" {
		if p, ok := first.Details()["property"].(string); ok {
			return telemetry.NewValidationError(p, "is required")
		}
	}
	if field == "(root)" {
		field = "payload"
	}
	return telemetry.NewValidationError(field, first.Description())
}
