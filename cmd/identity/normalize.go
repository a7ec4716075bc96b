package identity

import "strings"

// NormalizeUserID trims surrounding whitespace. User ids are opaque and case-sensitive,
// so nothing else is folded.
func NormalizeUserID(s string) string {
	return strings.TrimSpace(s)
}
