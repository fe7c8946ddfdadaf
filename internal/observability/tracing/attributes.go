package tracing

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys that must never reach an exporter, matched as substrings.
var redactedAttributeKeys = []string{
	"password",
	"secret",
	"token",
	"api_key",
	"admin_key",
	"signature",
	"authorization",
}

// SafeAttributes drops attributes whose keys look sensitive.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := attrs[:0]
	for _, attr := range attrs {
		if isRedactedKey(string(attr.Key)) {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}

// SafeError reduces an error to its type so span events cannot leak
// request payloads embedded in error strings.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%T", err)
}

func isRedactedKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	for _, needle := range redactedAttributeKeys {
		if strings.Contains(key, needle) {
			return true
		}
	}
	return false
}
