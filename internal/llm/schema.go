package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ReplySchema is a lazily compiled JSON Schema for structured replies.
type ReplySchema struct {
	name   string
	source string

	once     sync.Once
	compiled *jsonschema.Schema
	err      error
}

// NewReplySchema wraps a schema document under a resource name.
func NewReplySchema(name, source string) *ReplySchema {
	return &ReplySchema{name: name, source: source}
}

// Name returns the resource name the schema was registered under.
func (s *ReplySchema) Name() string { return s.name }

func (s *ReplySchema) compile() (*jsonschema.Schema, error) {
	s.once.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(s.name, strings.NewReader(s.source)); err != nil {
			s.err = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile(s.name)
		if err != nil {
			s.err = fmt.Errorf("compile %s: %w", s.name, err)
			return
		}
		s.compiled = schema
	})
	return s.compiled, s.err
}

// Validate checks that raw is a JSON document matching the schema.
func (s *ReplySchema) Validate(raw []byte) error {
	schema, err := s.compile()
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("reply is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("reply does not match %s: %w", s.name, err)
	}
	return nil
}

// ExtractJSON trims code fences and surrounding prose from a model reply,
// returning the outermost JSON object.
func ExtractJSON(content string) string {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
