package pairing

import "strings"

// NormalizeID strips every non-digit from raw. Empty results map to DefaultSessionID.
func NormalizeID(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		if c := raw[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	if b.Len() == 0 {
		return DefaultSessionID
	}
	return b.String()
}
