package api

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// documentSchema accepts a sandbox or container document: an optional OCI
// spec, of which only annotations and linux.resources are interpreted,
// plus free-form string labels.
const documentSchema = `{
	"type": ["object", "null"],
	"properties": {
		"spec": {
			"type": ["object", "null"],
			"properties": {
				"annotations": {
					"type": ["object", "null"],
					"additionalProperties": {"type": "string"}
				},
				"linux": {
					"type": ["object", "null"],
					"properties": {
						"resources": {"type": ["object", "null"]}
					}
				}
			}
		},
		"labels": {
			"type": ["object", "null"],
			"additionalProperties": {"type": "string"}
		}
	}
}`

const idSchema = `{"type": "string", "minLength": 1, "maxLength": 256, "pattern": "^[^/\\s]+$"}`

const (
	createSandboxSchemaSource = `{
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": ` + idSchema + `,
			"sandbox": ` + documentSchema + `
		}
	}`

	updateSandboxSchemaSource = `{
		"type": "object",
		"required": ["sandbox"],
		"properties": {
			"sandbox": ` + documentSchema + `
		}
	}`

	appendContainerSchemaSource = `{
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": ` + idSchema + `,
			"container": ` + documentSchema + `
		}
	}`

	updateContainerSchemaSource = `{
		"type": "object",
		"required": ["container"],
		"properties": {
			"container": ` + documentSchema + `
		}
	}`
)

var (
	createSandboxSchema   = mustSchema(createSandboxSchemaSource)
	updateSandboxSchema   = mustSchema(updateSandboxSchemaSource)
	appendContainerSchema = mustSchema(appendContainerSchemaSource)
	updateContainerSchema = mustSchema(updateContainerSchemaSource)
)

func mustSchema(source string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(source))
	if err != nil {
		panic(fmt.Sprintf("invalid request schema: %v", err))
	}
	return schema
}

// validateBody checks a raw request body against schema
func validateBody(schema *gojsonschema.Schema, body []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if !result.Valid() {
		var errors []string
		for _, desc := range result.Errors() {
			errors = append(errors, desc.String())
		}
		return fmt.Errorf("validation errors: %s", strings.Join(errors, "; "))
	}

	return nil
}
