// Package sseutil provides shared SSE/NDJSON line reading utilities for
// upstream adapters.
package sseutil

import (
	"bufio"
	"io"
	"strings"
)

const maxLineSize = 64 * 1024 // 64KB per line

// NewScanner returns a bufio.Scanner configured for reading SSE or NDJSON
// lines with a 64KB buffer. Each call to Scan() returns a single line
// (without the trailing newline).
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// ParseLine extracts the data payload from a stream line. It understands
// both SSE framing ("data: <payload>") and bare NDJSON lines (the payload
// is the whole line). Comments, empty lines, and non-data SSE fields return
// ok=false.
func ParseLine(line string) (data string, ok bool) {
	if line == "" {
		return "", false
	}
	if line[0] == ':' {
		return "", false // SSE comment
	}
	if line[0] == '{' {
		return line, true // NDJSON
	}

	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", false
	}
	value = strings.TrimPrefix(value, " ")
	if key != "data" {
		return "", false
	}
	return value, true
}
