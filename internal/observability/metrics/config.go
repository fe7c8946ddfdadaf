package metrics

import (
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Config identifies the service for metric labels.
type Config struct {
	ServiceName string
	Environment string
}

var disallowedAttributeKeys = []string{
	"password",
	"secret",
	"token",
	"api_key",
	"authorization",
}

// FilterAttributes drops attributes whose keys could carry credentials.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if isDisallowedKey(string(attr.Key)) {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}

func isDisallowedKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	for _, needle := range disallowedAttributeKeys {
		if strings.Contains(key, needle) {
			return true
		}
	}
	return false
}
