package urlcheck

import "strings"

// HostMatch checks if host matches the glob pattern. Patterns are matched
// label by label, right-anchored on dots:
//
//	"*"  — matches any single DNS label
//	"**" — matches zero or more labels
//
// All other labels are matched literally (case-insensitive).
func HostMatch(pattern, host string) bool {
	return labelMatch(
		strings.Split(strings.ToLower(pattern), "."),
		strings.Split(strings.ToLower(host), "."),
	)
}

func labelMatch(pat, labels []string) bool {
	for len(pat) > 0 {
		p := pat[0]
		pat = pat[1:]

		if p == "**" {
			// "**" at the end matches everything remaining.
			if len(pat) == 0 {
				return true
			}
			// Try matching the rest of the pattern at every
			// position in the remaining labels.
			for i := 0; i <= len(labels); i++ {
				if labelMatch(pat, labels[i:]) {
					return true
				}
			}
			return false
		}

		if len(labels) == 0 {
			return false
		}

		if p != "*" && p != labels[0] {
			return false
		}
		labels = labels[1:]
	}

	return len(labels) == 0
}
