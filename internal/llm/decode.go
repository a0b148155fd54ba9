package llm

import (
	"strings"

	"github.com/goccy/go-json"
)

// DecodeJSON unmarshals a model's JSON answer into v. Output that wraps the
// object in prose or code fences is tolerated by slicing from the first '{'
// to the last '}'. Failures are returned as *ParseError.
func DecodeJSON(output string, v any) error {
	s := strings.TrimSpace(output)
	if s == "" {
		return NewParseError("empty output", output, nil)
	}

	if err := json.Unmarshal([]byte(s), v); err == nil {
		return nil
	}

	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end <= start {
		return NewParseError("no JSON object found", output, nil)
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), v); err != nil {
		return NewParseError("invalid JSON object", output, err)
	}
	return nil
}
