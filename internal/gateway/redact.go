package gateway

import (
	"encoding/json"
	"strings"
)

const redacted = "***REDACTED***"

// credentialKeys are redacted wholesale wherever they appear in a payload.
var credentialKeys = map[string]bool{
	"api_key":          true,
	"apikey":           true,
	"password":         true,
	"secret":           true,
	"token":            true,
	"token_id":         true,
	"granted_token_id": true,
	"authorization":    true,
	"credential":       true,
}

// partialKeys keep only a trailing suffix, enough to correlate without
// exposing the identifier.
var partialKeys = map[string]int{
	"account_id":      2,
	"broker_order_id": 4,
	"proposal_id":     8,
}

// Redact returns a deep copy of a payload safe for logs and audit events.
// Credentials are replaced entirely; well-known identifiers keep a short
// suffix. Nested maps and slices are walked recursively.
func Redact(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = redactValue(k, v)
	}
	return out
}

func redactValue(key string, v any) any {
	lower := strings.ToLower(key)
	if credentialKeys[lower] {
		return redacted
	}
	if keep, ok := partialKeys[lower]; ok {
		if s, isStr := v.(string); isStr {
			return partial(s, keep)
		}
	}
	switch val := v.(type) {
	case map[string]any:
		return Redact(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue("", item)
		}
		return out
	default:
		return v
	}
}

// partial masks all but the last keep characters.
func partial(s string, keep int) string {
	if len(s) <= keep {
		return redacted
	}
	return "***" + s[len(s)-keep:]
}

// Sanitize prepares a handler result for return to the agent. The value
// is round-tripped through JSON into plain maps and slices, then every
// credential-class field is masked at any depth. Identifiers stay intact:
// the agent needs proposal and order ids to drive the workflow, but no
// tool response may ever carry an approval token.
func Sanitize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var plain any
	if err := json.Unmarshal(data, &plain); err != nil {
		return nil, err
	}
	return sanitizeValue("", plain), nil
}

func sanitizeValue(key string, v any) any {
	if credentialKeys[strings.ToLower(key)] {
		return redacted
	}
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			val[k] = sanitizeValue(k, item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = sanitizeValue("", item)
		}
		return val
	default:
		return v
	}
}
