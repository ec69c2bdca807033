package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// StructuredValidator validates JSON documents, either model replies or
// capability payloads, against a compiled JSON Schema.
type StructuredValidator struct {
	schema     *jsonschema.Schema
	schemaJSON json.RawMessage
	maxRetries int
}

// NewStructuredValidator compiles schemaJSON. maxRetries bounds how many
// times GenerateStructured re-prompts the model; 0 means 2.
func NewStructuredValidator(schemaJSON json.RawMessage, maxRetries int) (*StructuredValidator, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	if maxRetries == 0 {
		maxRetries = 2
	}
	return &StructuredValidator{schema: schema, schemaJSON: schemaJSON, maxRetries: maxRetries}, nil
}

// MustStructuredValidator panics if schemaJSON does not compile. For
// package-level schemas only.
func MustStructuredValidator(schemaJSON string) *StructuredValidator {
	v, err := NewStructuredValidator(json.RawMessage(schemaJSON), 0)
	if err != nil {
		panic(err)
	}
	return v
}

func (sv *StructuredValidator) SchemaJSON() json.RawMessage { return sv.schemaJSON }

func (sv *StructuredValidator) MaxRetries() int { return sv.maxRetries }

// ValidationError describes a schema validation failure.
type ValidationError struct {
	Message string
	Raw     string
}

func (e *ValidationError) Error() string { return e.Message }

// Validate checks a raw JSON document against the schema.
func (sv *StructuredValidator) Validate(raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return &ValidationError{Message: fmt.Sprintf("invalid JSON: %s", err), Raw: string(raw)}
	}
	if err := sv.schema.Validate(doc); err != nil {
		return &ValidationError{Message: fmt.Sprintf("schema validation failed: %s", err), Raw: string(raw)}
	}
	return nil
}

// ValidateResponse extracts the JSON document from a model reply and
// validates it, returning the extracted JSON.
func (sv *StructuredValidator) ValidateResponse(responseText string) (string, error) {
	jsonStr := ExtractJSON(responseText)
	if jsonStr == "" {
		return "", &ValidationError{Message: "response does not contain valid JSON", Raw: responseText}
	}
	if err := sv.Validate([]byte(jsonStr)); err != nil {
		return "", err
	}
	return jsonStr, nil
}

// GenerateStructured prompts m and re-prompts with the validation error until
// the reply validates or the validator's retry budget is spent. The returned
// string is the extracted JSON document.
func GenerateStructured(ctx context.Context, m Model, p Prompt, sv *StructuredValidator) (string, error) {
	reply, err := m.Generate(ctx, p)
	if err != nil {
		return "", err
	}
	for attempt := 0; ; attempt++ {
		jsonStr, valErr := sv.ValidateResponse(reply)
		if valErr == nil {
			return jsonStr, nil
		}
		if attempt >= sv.MaxRetries() {
			return "", valErr
		}
		retry := p
		retry.User = fmt.Sprintf("%s\n\nYour previous reply did not match the required JSON schema. Error: %s\n"+
			"Reply again with only JSON matching this schema:\n%s", p.User, valErr.Error(), string(sv.schemaJSON))
		reply, err = m.Generate(ctx, retry)
		if err != nil {
			return "", fmt.Errorf("retry generate: %w", err)
		}
	}
}

// ExtractJSON finds a JSON object or array in a model reply: a ```json
// fence, a bare fence, or the first balanced literal.
func ExtractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); candidate != "" {
				return candidate
			}
		}
	}

	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); isJSON(candidate) {
				return candidate
			}
		}
	}

	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			if candidate := extractBalanced(text[i:]); candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}
	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced returns the balanced object or array at the start of s,
// ignoring brackets inside strings.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}
	open := s[0]
	var close byte
	switch open {
	case '{':
		close = '}'
	case '[':
		close = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		if ch == open {
			depth++
		} else if ch == close {
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
