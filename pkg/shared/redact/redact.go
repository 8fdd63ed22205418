package redact

import (
	"encoding/json"
	"strings"
)

const mask = "***"

var sensitiveKeys = []string{"authorization", "cookie", "access_token", "id_token", "session", "apikey", "password", "token", "secret"}

// RedactJSON masks sensitive fields in a JSON string best-effort.
func RedactJSON(s string) string {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	redactNode(&v)
	b, err := json.Marshal(v)
	if err != nil {
		return s
	}
	return string(b)
}

// RedactMap returns a copy of m with sensitive keys masked and JSON
// object values redacted recursively.
func RedactMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch {
		case isSensitiveKey(k):
			out[k] = mask
		case strings.HasPrefix(strings.TrimSpace(v), "{"):
			out[k] = RedactJSON(v)
		default:
			out[k] = v
		}
	}
	return out
}

func redactNode(n *any) {
	switch t := (*n).(type) {
	case map[string]any:
		for k, v := range t {
			if isSensitiveKey(k) {
				t[k] = mask
				continue
			}
			vv := any(v)
			redactNode(&vv)
			t[k] = vv
		}
	case []any:
		for i := range t {
			vv := any(t[i])
			redactNode(&vv)
			t[i] = vv
		}
	}
}

func isSensitiveKey(k string) bool {
	k = strings.ToLower(k)
	for _, s := range sensitiveKeys {
		if k == s {
			return true
		}
	}
	return false
}
