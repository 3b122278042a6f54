package hub

import "strings"

// Topics are flat, dot-separated names (conversation.<id>,
// agent.<kind>.status, crisis.<owner_id>). Subscriptions use exact match or
// a trailing "*" wildcard covering one or more segments.

// MatchTopic reports whether a pattern matches a topic. "conversation.*"
// matches "conversation.c1" and "conversation.c1.meta"; a bare "*" matches
// everything.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if pattern == "*" {
		return topic != ""
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(topic, prefix) && len(topic) > len(prefix)
	}
	return false
}

// ValidTopic rejects empty topics and patterns with interior wildcards.
func ValidTopic(pattern string) bool {
	if pattern == "" {
		return false
	}
	if i := strings.Index(pattern, "*"); i >= 0 && i != len(pattern)-1 {
		return false
	}
	if strings.Contains(pattern, " ") {
		return false
	}
	return true
}

// IsPattern reports whether the subscription string is a wildcard.
func IsPattern(pattern string) bool {
	return strings.HasSuffix(pattern, "*")
}
