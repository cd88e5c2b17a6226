package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// sensitiveKeys are masked by every handler built with Setup, whatever the
// call site passes. Keys are compared after normalizeKey.
var sensitiveKeys = map[string]struct{}{
	"token":         {},
	"bearer":        {},
	"authorization": {},
	"secret":        {},
	"hmacsecret":    {},
	"password":      {},
	"privatekey":    {},
}

func normalizeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	return strings.NewReplacer("_", "", "-", "", ".", "").Replace(key)
}

// IsSensitive reports whether values logged under key are always redacted.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[normalizeKey(key)]
	return ok
}

// MaskValue returns the canonical redacted placeholder for non-empty values. Empty values
// are returned unchanged to avoid introducing noise in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns a slog.Attr whose value is redacted. The original key
// casing is preserved for readability.
func MaskField(key, value string) slog.Attr {
	return slog.String(key, MaskValue(value))
}

func redactAttr(attr slog.Attr) slog.Attr {
	if !IsSensitive(attr.Key) {
		return attr
	}
	if attr.Value.Kind() == slog.KindString && strings.TrimSpace(attr.Value.String()) == "" {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}
