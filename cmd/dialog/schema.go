package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/dialogtree/dialog/pkg/config"
)

// SchemaCmd generates a JSON Schema from the config structs. Output goes to
// stdout so it can be redirected into docs or editor tooling.
type SchemaCmd struct {
	Compact bool `help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run(cli *CLI) error {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		// Inline all definitions (no $ref) so editors without resolver
		// support can still validate.
		DoNotReference: true,
	}

	schema := reflector.Reflect(&config.Config{})
	schema.ID = "https://dialogtree.dev/schemas/config.json"
	schema.Title = "Dialog Configuration Schema"
	schema.Description = "Configuration schema for the dialog orchestration service"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	schema.Examples = []interface{}{
		map[string]interface{}{
			"tenants": []string{"acme"},
			"providers": []map[string]interface{}{{
				"name":    "openai",
				"type":    "openai",
				"api_key": "${OPENAI_API_KEY}",
			}},
			"models": []map[string]interface{}{{
				"name":         "gpt-4o-mini",
				"provider":     "openai",
				"capabilities": []string{"text_generation", "intent_classification"},
				"active":       true,
			}},
		},
	}

	encoder := json.NewEncoder(os.Stdout)
	if !c.Compact {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(schema); err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}
	return nil
}
