package streams

// Event types carried on the collaboration stream.
const (
	EventTypeCollab = "collab.event"
	VersionV1       = "v1"
)

// Definition is one payload schema.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

var baseDefinitions = []Definition{
	{
		EventType: EventTypeCollab,
		Version:   VersionV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["seq", "run_id", "type", "timestamp"],
  "properties": {
    "seq": {"type": "integer", "minimum": 1},
    "run_id": {"type": "string", "minLength": 1},
    "type": {
      "type": "string",
      "enum": ["phase_start", "stage_start", "stage_end", "council_progress", "final_chunk", "done", "error", "checkpoint", "cancelled"]
    },
    "timestamp": {"type": "string"},
    "phase": {"type": "string"},
    "role": {"type": "string"},
    "completed": {"type": "integer", "minimum": 0},
    "total": {"type": "integer", "minimum": 0},
    "chunk": {"type": "string"},
    "message": {"type": "string"}
  },
  "additionalProperties": true
}`),
	},
}

// RegisterBaseSchemas loads the built-in definitions.
func RegisterBaseSchemas(reg *SchemaRegistry) error {
	for _, def := range baseDefinitions {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}
