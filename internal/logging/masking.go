// Package logging provides logger construction and masking of credentials in log output.
package logging

import (
	"encoding/json"
	"strings"
)

// TokenBodyAllowlist lists the token server response fields that are safe to
// log. The MAC key is deliberately absent.
var TokenBodyAllowlist = []string{
	"id", "uid", "api_endpoint", "hashed_fxa_uid", "hashedFxAUID", "duration",
	"timestamp", "status", "errors", "location", "name", "description",
}

// MaskHeader redacts sensitive header values based on header name.
//
// Rules:
// - Password/secret headers: "[REDACTED]" (no partial reveal)
// - Authorization: the scheme is kept, the credential becomes "****" + last 4 chars
// - Other headers: returned unchanged
func MaskHeader(name, value string) string {
	lowerName := strings.ToLower(name)

	if strings.Contains(lowerName, "password") ||
		strings.Contains(lowerName, "secret") ||
		strings.Contains(lowerName, "private-key") {
		return "[REDACTED]"
	}

	if lowerName == "authorization" {
		scheme, credential, ok := strings.Cut(value, " ")
		if !ok {
			return maskTail(value)
		}
		return scheme + " " + maskTail(credential)
	}

	return value
}

func maskTail(value string) string {
	if len(value) < 4 {
		return "****"
	}
	return "****" + value[len(value)-4:]
}

// MaskJSONBody redacts non-allowlisted fields in a JSON body.
//
// If allowlist is nil, returns the body unchanged (everything allowed).
// Otherwise primitive values of fields outside the allowlist are replaced
// with "[REDACTED]". Returns the original body if it is not valid JSON.
func MaskJSONBody(body []byte, allowlist []string) []byte {
	if allowlist == nil || len(body) == 0 {
		return body
	}

	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return body
	}

	allowlistMap := make(map[string]bool)
	for _, field := range allowlist {
		allowlistMap[field] = true
	}

	result, err := json.Marshal(maskJSONValue(data, allowlistMap))
	if err != nil {
		return body
	}
	return result
}

func maskJSONValue(value interface{}, allowlist map[string]bool) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		result := make(map[string]interface{})
		for key, val := range v {
			if allowlist[key] {
				result[key] = maskJSONValue(val, allowlist)
				continue
			}
			switch val.(type) {
			case map[string]interface{}, []interface{}:
				result[key] = maskJSONValue(val, allowlist)
			default:
				result[key] = "[REDACTED]"
			}
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(v))
		for i, item := range v {
			result[i] = maskJSONValue(item, allowlist)
		}
		return result
	default:
		return value
	}
}
