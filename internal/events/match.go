// ABOUTME: Glob-style matching of event identifiers against subscription patterns.
// ABOUTME: Supports exact names, trailing-wildcard prefixes, and the full wildcard.

package events

// Wildcard matches every identifier, including the empty one.
const Wildcard = "*"

// Match reports whether identifier matches pattern.
//
// Supported patterns:
//
//	"*"        matches anything
//	"prefix*"  matches identifiers starting with prefix
//	"exact"    matches only that identifier
//
// Matching is case-sensitive and does not allocate.
func Match(identifier, pattern string) bool {
	n := len(pattern)
	if n == 0 {
		return identifier == ""
	}
	if pattern[n-1] != '*' {
		return identifier == pattern
	}
	prefix := pattern[:n-1]
	return len(identifier) >= len(prefix) && identifier[:len(prefix)] == prefix
}
