package server

import (
	"regexp"
	"strings"
)

// Sanitizer verdicts. Blocked prompts are rejected with 400; suspicious
// prompts are flagged for tracing but allowed through.
type sanitizeVerdict int

const (
	promptClean sanitizeVerdict = iota
	promptSuspicious
	promptBlocked
)

// blockedPatterns match unambiguous prompt-injection attempts.
var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(?:all\s+|any\s+)?(?:previous|prior|above)\s+(?:instructions|prompts|rules)`),
	regexp.MustCompile(`(?i)disregard\s+(?:all\s+|your\s+)?(?:previous|prior|system)\s+(?:instructions|prompts|rules)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+in\s+(?:developer|dan|jailbreak)\s+mode`),
	regexp.MustCompile(`(?i)reveal\s+(?:your\s+)?system\s+prompt`),
	regexp.MustCompile(`(?i)\bdo\s+anything\s+now\b`),
}

// suspiciousPatterns match phrasing that often precedes an injection attempt
// but also appears in legitimate prompts.
var suspiciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)pretend\s+(?:you\s+are|to\s+be)`),
	regexp.MustCompile(`(?i)\bjailbreak\b`),
	regexp.MustCompile(`(?i)act\s+as\s+(?:if\s+you\s+have\s+)?no\s+(?:restrictions|rules|filters)`),
	regexp.MustCompile(`(?i)override\s+(?:your\s+)?safety`),
}

// sanitize strips control characters (0x00-0x1F except \t \n \r, plus 0x7F)
// and classifies the prompt. Idempotent: sanitize(sanitize(x)) == sanitize(x).
func sanitize(prompt string) (string, sanitizeVerdict) {
	clean := strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return r
		}
		if r < 0x20 || r == 0x7F {
			return -1
		}
		return r
	}, prompt)

	for _, p := range blockedPatterns {
		if p.MatchString(clean) {
			return clean, promptBlocked
		}
	}
	for _, p := range suspiciousPatterns {
		if p.MatchString(clean) {
			return clean, promptSuspicious
		}
	}
	return clean, promptClean
}
