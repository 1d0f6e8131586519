// Package strutil holds small string helpers shared by config and startup.
package strutil

import "strings"

// NormalizeLower trims surrounding whitespace and lower-cases value. Used for
// locale codes and log levels, where case is not significant.
func NormalizeLower(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// NonEmpty returns the trimmed values that are not blank, in order.
func NonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
