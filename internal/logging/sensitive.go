// Package logging configures the process logger and keeps credentials out of
// log output.
package logging

import (
	"regexp"
	"strings"
)

// SensitiveFields contains field names whose values are never logged.
var SensitiveFields = map[string]bool{
	"password":          true,
	"secret":            true,
	"token":             true,
	"api_key":           true,
	"authorization":     true,
	"bearer":            true,
	"routing_key":       true,
	"routing_keys":      true,
	"webhook_url":       true,
	"access_key_id":     true,
	"secret_access_key": true,
	"session_token":     true,
	"sasl_password":     true,
}

// MaskedValue is the string used to replace sensitive values.
const MaskedValue = "[REDACTED]"

// IsSensitiveField checks if a field name is sensitive.
func IsSensitiveField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	if SensitiveFields[lower] {
		return true
	}
	for sensitive := range SensitiveFields {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}

// MaskSensitiveValue masks a value if the field name is sensitive.
func MaskSensitiveValue(fieldName, value string) string {
	if value == "" || !IsSensitiveField(fieldName) {
		return value
	}
	return MaskedValue
}

// MaskString keeps the first and last characters of s and masks the rest.
func MaskString(s string, showFirst, showLast int) string {
	if s == "" {
		return s
	}
	if len(s) <= showFirst+showLast+3 {
		return MaskedValue
	}
	return s[:showFirst] + "***" + s[len(s)-showLast:]
}

// SensitivePatterns match credentials embedded in free text such as error
// messages returned by HTTP clients.
var SensitivePatterns = []*regexp.Regexp{
	// Slack tokens
	regexp.MustCompile(`xox[abposr]-[A-Za-z0-9-]+`),
	// Slack incoming webhook paths
	regexp.MustCompile(`hooks\.slack\.com/services/[A-Za-z0-9/_-]+`),
	// Bearer tokens
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]+`),
	// key=value style secrets
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|routing_key)['":\s]*[=:]\s*['"]?([a-zA-Z0-9_\-\.]+)['"]?`),
	// AWS access key ids
	regexp.MustCompile(`(AKIA|ASIA)[A-Z0-9]{16}`),
}

// MaskSensitivePatterns masks sensitive patterns in a raw string.
func MaskSensitivePatterns(s string) string {
	for _, pattern := range SensitivePatterns {
		s = pattern.ReplaceAllString(s, MaskedValue)
	}
	return s
}

// SafeLogValue returns a safe-to-log version of a value based on field name.
func SafeLogValue(fieldName string, value interface{}) interface{} {
	if value == nil {
		return nil
	}
	if !IsSensitiveField(fieldName) {
		return value
	}
	if v, ok := value.([]string); ok {
		masked := make([]string, len(v))
		for i := range v {
			masked[i] = MaskedValue
		}
		return masked
	}
	return MaskedValue
}
