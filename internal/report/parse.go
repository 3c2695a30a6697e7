package report

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Parse decodes raw into caller fields. The body must be a single JSON
// object carrying a non-empty string agent_name; any other shape yields a
// *PayloadError with a truncated echo of the input.
func Parse(raw []byte) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &PayloadError{Reason: "body must be a JSON object", Echo: Truncate(raw)}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, &PayloadError{Reason: "malformed JSON", Echo: Truncate(raw)}
	}
	var name string
	if rawName, ok := fields[KeyAgentName]; !ok || json.Unmarshal(rawName, &name) != nil || strings.TrimSpace(name) == "" {
		return nil, &PayloadError{Reason: "agent_name is required", Echo: Truncate(raw)}
	}
	return fields, nil
}
