package logger

import (
	"regexp"
	"strings"
)

// Customer-facing identifiers and contact details must never reach logs in
// the clear. Redaction runs on every message and on field values whose key
// looks PII-bearing; customer IDs are truncated instead of blanked so log
// lines stay correlatable.

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s\-()]{8,}\d`)
)

// RedactAll masks email addresses and phone numbers embedded in s.
func RedactAll(s string) string {
	if s == "" {
		return s
	}
	s = emailPattern.ReplaceAllString(s, "[EMAIL]")
	s = phonePattern.ReplaceAllString(s, "[PHONE]")
	return s
}

// RedactCustomerID keeps the first four characters of a customer identifier.
func RedactCustomerID(id string) string {
	if len(id) <= 4 {
		return "****"
	}
	return id[:4] + strings.Repeat("*", len(id)-4)
}

// RedactField applies key-aware redaction to a structured log field value.
func RedactField(key string, value interface{}) interface{} {
	s, ok := value.(string)
	if !ok {
		return value
	}

	lower := strings.ToLower(key)
	switch {
	case strings.Contains(lower, "email"), strings.Contains(lower, "phone"),
		strings.Contains(lower, "address"):
		return "[REDACTED]"
	case strings.Contains(lower, "customerid"), strings.Contains(lower, "customer_id"):
		return RedactCustomerID(s)
	default:
		return RedactAll(s)
	}
}
