package pgsink

import (
	"regexp"
	"strings"
)

var notWordRe = regexp.MustCompile(`[^\w]+`)

// Clean normalizes a metric or dimension/measurement name into a
// Postgres-safe identifier: lowercased, with every run of non-word
// characters collapsed to a single underscore.
func Clean(name string) string {
	lowered := strings.ToLower(name)
	return notWordRe.ReplaceAllString(lowered, "_")
}
