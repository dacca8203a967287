package news

import (
	"regexp"
	"strings"
)

var listMarker = regexp.MustCompile(`^\s*(?:[-*•#]+|\d+[.)])\s*`)

// NormalizeTopic lower-cases a topic name and collapses internal whitespace.
func NormalizeTopic(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// CleanTopicLabel strips list markers, numbering and quotes that models tend to
// prepend to topic labels, and collapses whitespace.
func CleanTopicLabel(label string) string {
	s := listMarker.ReplaceAllString(label, "")
	s = strings.Trim(s, "\"'`.,;: ")
	return strings.Join(strings.Fields(s), " ")
}

// CleanTopics normalizes labels, drops empties and case-insensitive duplicates,
// and keeps at most max entries (max <= 0 means unbounded).
func CleanTopics(labels []string, max int) []string {
	seen := make(map[string]bool, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		label := CleanTopicLabel(l)
		key := NormalizeTopic(label)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, label)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
