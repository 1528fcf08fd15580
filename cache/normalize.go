// Package cache provides plan replay and semantic response caches.
package cache

import (
	"regexp"
	"strings"
)

var (
	// ISO-8601 timestamps, with optional time and zone parts.
	isoTimestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}([Tt ]\d{2}:\d{2}(:\d{2}(\.\d+)?)?([Zz]|[+-]\d{2}:?\d{2})?)?`)

	// Unix timestamps in seconds or milliseconds.
	unixTimestampRe = regexp.MustCompile(`\b\d{10,13}\b`)

	whitespaceRe = regexp.MustCompile(`\s+`)
)

// Normalize canonicalizes a user message for cache keying: timestamps
// are stripped before lowercasing, then whitespace collapses to single
// spaces.
func Normalize(message string) string {
	s := isoTimestampRe.ReplaceAllString(message, "")
	s = unixTimestampRe.ReplaceAllString(s, "")
	s = strings.ToLower(s)
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
