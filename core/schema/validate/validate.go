package validate

import (
	"fmt"

	"github.com/kaptinlin/jsonschema"

	schemasession "github.com/complykit/casereview/core/schema/v1/session"
)

// ValidateJSON checks data against a JSON Schema supplied as raw bytes.
func ValidateJSON(schemaBytes, data []byte) error {
	schema, err := compileSchema(schemaBytes)
	if err != nil {
		return err
	}
	return validateJSON(schema, data)
}

// ValidateDescriptor checks a serialized session descriptor against the
// embedded descriptor schema.
func ValidateDescriptor(data []byte) error {
	return ValidateJSON(schemasession.DescriptorSchema, data)
}

func compileSchema(schemaBytes []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile(schemaBytes)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func validateJSON(schema *jsonschema.Schema, data []byte) error {
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("schema validation failed: %v", result.Errors)
}
