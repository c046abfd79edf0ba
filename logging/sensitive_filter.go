package logging

import (
	"regexp"
	"strings"
)

// RedactedPlaceholder replaces any value judged sensitive.
const RedactedPlaceholder = "[REDACTED]"

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(bearer\s+[a-zA-Z0-9._~+/=-]{8,})`),
	regexp.MustCompile(`(AKIA|ASIA)[0-9A-Z]{16}`),                           // AWS access key IDs
	regexp.MustCompile(`(?i)(aws_secret_access_key\s*[:=]\s*[^\s,;]{16,})`), // AWS secrets in env dumps
	regexp.MustCompile(`\$2[aby]\$\d{2}\$[./A-Za-z0-9]{53}`),                // bcrypt hashes
	regexp.MustCompile(`(?i)(hf_[a-zA-Z0-9]{30,})`),                         // Hugging Face tokens
	regexp.MustCompile(`(?i)(X-Amz-Signature=[a-f0-9]{64})`),                // presigned URLs
	regexp.MustCompile(`(?i)(password\s*[:=]\s*[^\s,;]{8,})`),
	regexp.MustCompile(`(?i)(secret\s*[:=]\s*[^\s,;]{8,})`),
	regexp.MustCompile(`(?i)(token\s*[:=]\s*[^\s,;]{8,})`),
}

// Field names containing any of these are always redacted.
var sensitiveFieldMarkers = []string{
	"API_TOKEN",
	"AUTHORIZATION",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
	"PASSWORD",
	"SECRET",
	"TOKEN_HASH",
}

// RedactSensitiveData replaces every sensitive substring of value.
func RedactSensitiveData(value string) string {
	if value == "" {
		return value
	}
	result := value
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllString(result, RedactedPlaceholder)
	}
	return result
}

// RedactField redacts fieldValue entirely when fieldName is sensitive and
// otherwise scans the value itself.
func RedactField(fieldName, fieldValue string) string {
	if IsSensitiveField(fieldName) {
		return RedactedPlaceholder
	}
	return RedactSensitiveData(fieldValue)
}

// IsSensitiveField reports whether fieldName names a secret.
func IsSensitiveField(fieldName string) bool {
	upperName := strings.ToUpper(fieldName)
	for _, marker := range sensitiveFieldMarkers {
		if strings.Contains(upperName, marker) {
			return true
		}
	}
	return false
}

// ContainsSensitiveData reports whether value matches any known secret shape.
func ContainsSensitiveData(value string) bool {
	if value == "" {
		return false
	}
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(value) {
			return true
		}
	}
	return false
}
