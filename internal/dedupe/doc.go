// Package dedupe provides a time-based result cache so identical tool calls
// within a configurable window are answered once.
package dedupe
