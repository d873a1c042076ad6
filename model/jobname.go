package model

import "strings"

// maxJobNameLength is the platform's limit on job names.
const maxJobNameLength = 25

// FixJobName canonicalizes a platform job name: lowercased, any character
// outside [a-z0-9-] replaced with a dash, runs of dashes collapsed, then
// truncated to the platform's 25-character limit.
func FixJobName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	lastDash := true // swallows leading dashes
	for _, r := range strings.ToLower(name) {
		valid := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if valid {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		if !lastDash {
			b.WriteRune('-')
			lastDash = true
		}
	}
	fixed := b.String()
	if len(fixed) > maxJobNameLength {
		fixed = fixed[:maxJobNameLength]
	}
	return strings.TrimRight(fixed, "-")
}
