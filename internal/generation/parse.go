package generation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var (
	// ErrNoJSONArray is returned when the reply has no [...] span.
	ErrNoJSONArray = errors.New("no JSON array in model output")
	// ErrInvalidJSON is returned when the bracketed span does not parse.
	ErrInvalidJSON = errors.New("model output is not valid JSON")
	// ErrSchema is returned when the array does not hold test cases.
	ErrSchema = errors.New("model output does not match the test case schema")
)

var textField = map[string]any{
	"oneOf": []any{
		map[string]any{"type": "string"},
		map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		map[string]any{"type": "null"},
	},
}

// testCaseSchema accepts an array of objects with a string title; the
// other fields may be strings, string arrays or null. Unknown fields are
// ignored.
var testCaseSchema = gojsonschema.NewGoLoader(map[string]any{
	"type": "array",
	"items": map[string]any{
		"type":     "object",
		"required": []any{"title"},
		"properties": map[string]any{
			"title":            map[string]any{"type": "string"},
			"description":      textField,
			"preconditions":    textField,
			"steps":            textField,
			"expected_results": textField,
		},
	},
})

// ExtractJSONArray returns the substring from the first '[' to the last
// ']' of raw.
func ExtractJSONArray(raw string) (string, error) {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return "", ErrNoJSONArray
	}
	return raw[start : end+1], nil
}

// ParseTestCases extracts, validates and decodes the test-case array in a
// model reply.
func ParseTestCases(raw string) ([]TestCase, error) {
	span, err := ExtractJSONArray(raw)
	if err != nil {
		return nil, err
	}
	if !json.Valid([]byte(span)) {
		return nil, ErrInvalidJSON
	}

	result, err := gojsonschema.Validate(testCaseSchema, gojsonschema.NewStringLoader(span))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrSchema, strings.Join(details, "; "))
	}

	var cases []TestCase
	if err := json.Unmarshal([]byte(span), &cases); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return cases, nil
}
