// Package classify contains the pure prompt-classification functions used by
// the router: privacy (PII) level, complexity score, and task type.
package classify

import "regexp"

// PrivacyLevel is the PII sensitivity of a prompt.
type PrivacyLevel string

const (
	PrivacyPublic    PrivacyLevel = "PUBLIC"
	PrivacySensitive PrivacyLevel = "SENSITIVE"
	PrivacyCritical  PrivacyLevel = "CRITICAL"
)

// PII detection patterns. SSN and credit card escalate to CRITICAL; the rest
// mark the prompt SENSITIVE.
var (
	emailPattern      = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phonePattern      = regexp.MustCompile(`\+?\d{1,3}[-. (]?\d{3}[-. )]?\d{3}[-. ]?\d{4}`)
	ssnPattern        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	creditCardPattern = regexp.MustCompile(`\b\d{4}[- ]?\d{4}[- ]?\d{4}[- ]?\d{4}\b`)
	ipv4Pattern       = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
)

// Privacy scans text for PII and returns its sensitivity level.
// Any SSN or credit card number makes the prompt CRITICAL; any other PII
// match makes it SENSITIVE; otherwise it is PUBLIC.
func Privacy(text string) PrivacyLevel {
	if ssnPattern.MatchString(text) || creditCardPattern.MatchString(text) {
		return PrivacyCritical
	}
	if emailPattern.MatchString(text) || phonePattern.MatchString(text) || ipv4Pattern.MatchString(text) {
		return PrivacySensitive
	}
	return PrivacyPublic
}

// Redact replaces each PII match with its tag. IP addresses are left intact
// by default; they are routing signals, not identifiers, in most prompts.
func Redact(text string) string {
	text = ssnPattern.ReplaceAllString(text, "[REDACTED_SSN]")
	text = creditCardPattern.ReplaceAllString(text, "[REDACTED_CARD]")
	text = emailPattern.ReplaceAllString(text, "[REDACTED_EMAIL]")
	text = phonePattern.ReplaceAllString(text, "[REDACTED_PHONE]")
	return text
}
