package tool

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// reflectSchema derives a tool's input schema from its argument struct.
// Schemas are inlined so providers and the validator see a plain object
// schema with no references.
func reflectSchema(v any) json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(v)
	s.Version = ""
	raw, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return raw
}
