package hub

import "testing"

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"conversation.c1", "conversation.c1", true},
		{"conversation.c1", "conversation.c2", false},
		{"conversation.*", "conversation.c1", true},
		{"conversation.*", "conversation.c1.meta", true},
		{"conversation.*", "conversation.", false},
		{"conversation.*", "conversation", false},
		{"conversation.*", "crisis.owner-1", false},
		{"agent.*", "agent.narrative.status", true},
		{"*", "anything.at.all", true},
		{"*", "", false},
		{"crisis.owner-1", "crisis.owner-2", false},
	}
	for _, tc := range cases {
		if got := MatchTopic(tc.pattern, tc.topic); got != tc.want {
			t.Errorf("MatchTopic(%q, %q) = %v, want %v", tc.pattern, tc.topic, got, tc.want)
		}
	}
}

func TestValidTopic(t *testing.T) {
	valid := []string{"conversation.c1", "conversation.*", "*", "public.announcements"}
	for _, p := range valid {
		if !ValidTopic(p) {
			t.Errorf("ValidTopic(%q) = false, want true", p)
		}
	}
	invalid := []string{"", "conversation.*.meta", "has space", "*.suffix"}
	for _, p := range invalid {
		if ValidTopic(p) {
			t.Errorf("ValidTopic(%q) = true, want false", p)
		}
	}
}
