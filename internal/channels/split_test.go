package channels

import (
	"strings"
	"testing"
)

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{name: "short passes through", text: "hello", limit: 10, want: []string{"hello"}},
		{name: "empty yields nothing", text: "", limit: 10, want: nil},
		{
			name:  "prefers newline",
			text:  "first line\nsecond line",
			limit: 15,
			want:  []string{"first line", "second line"},
		},
		{
			name:  "falls back to space",
			text:  "aaaa bbbb cccc",
			limit: 10,
			want:  []string{"aaaa bbbb", "cccc"},
		},
		{
			name:  "hard split without separators",
			text:  strings.Repeat("x", 25),
			limit: 10,
			want:  []string{strings.Repeat("x", 10), strings.Repeat("x", 10), strings.Repeat("x", 5)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitMessage(tt.text, tt.limit)
			if len(got) != len(tt.want) {
				t.Fatalf("SplitMessage() = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSplitMessageRespectsRuneLimit(t *testing.T) {
	text := strings.Repeat("日本語テキスト ", 400)
	for i, chunk := range SplitMessage(text, MaxMessageRunes) {
		if n := len([]rune(chunk)); n > MaxMessageRunes {
			t.Errorf("chunk %d has %d runes, limit %d", i, n, MaxMessageRunes)
		}
	}
}

func TestSplitChannelID(t *testing.T) {
	prefix, chatID, err := SplitChannelID("wa:1234@g.us")
	if err != nil || prefix != "wa" || chatID != "1234@g.us" {
		t.Errorf("SplitChannelID() = %q, %q, %v", prefix, chatID, err)
	}
	for _, bad := range []string{"", "noprefix", ":x", "wa:"} {
		if _, _, err := SplitChannelID(bad); err == nil {
			t.Errorf("SplitChannelID(%q) should fail", bad)
		}
	}
}
