package matching

import "strings"

// CycleKey canonicalizes an ordered intent-id cycle into its
// rotation-invariant key: the cycle is rotated so the lexicographically
// smallest id comes first, then ids are joined with "|". Two engines that
// discover the same cycle starting at different elements produce the same
// key.
func CycleKey(intentIDs []string) string {
	if len(intentIDs) == 0 {
		return ""
	}
	best := 0
	for i := 1; i < len(intentIDs); i++ {
		if intentIDs[i] < intentIDs[best] {
			best = i
		}
	}
	rotated := make([]string, 0, len(intentIDs))
	rotated = append(rotated, intentIDs[best:]...)
	rotated = append(rotated, intentIDs[:best]...)
	return strings.Join(rotated, "|")
}
