package config

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

var schemaOnce = sync.OnceValues(func() ([]byte, error) {
	r := &jsonschema.Reflector{
		FieldNameTag:              "yaml",
		AllowAdditionalProperties: false,
	}
	schema := r.Reflect(&Config{})
	schema.Title = "canvasd configuration"
	schema.Description = "Configuration file of the canvasd collaborative canvas server."
	return json.MarshalIndent(schema, "", "  ")
})

// JSONSchema describes the configuration file, for editors and the
// "config schema" command.
func JSONSchema() ([]byte, error) {
	return schemaOnce()
}
