package store

import (
	"sort"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
)

// TestBuildMessageContent covers text, attachment and mixed forms.
func TestBuildMessageContent(t *testing.T) {
	tests := []struct {
		name string
		text string
		atts []bus.Attachment
		want string
	}{
		{
			name: "text only",
			text: "hello there",
			want: "hello there",
		},
		{
			name: "text with one attachment",
			text: "look at this",
			atts: []bus.Attachment{
				{Name: "photo.jpg", MimeType: "image/jpeg", RelPath: "attachments/m1/photo.jpg"},
			},
			want: "look at this\n[file: photo.jpg | image/jpeg | attachments/m1/photo.jpg]",
		},
		{
			name: "attachment only",
			text: "",
			atts: []bus.Attachment{
				{Name: "doc.pdf", MimeType: "application/pdf", RelPath: "attachments/m2/doc.pdf"},
			},
			want: "[file: doc.pdf | application/pdf | attachments/m2/doc.pdf]",
		},
		{
			name: "multiple attachments",
			text: "",
			atts: []bus.Attachment{
				{Name: "a.png", MimeType: "image/png", RelPath: "attachments/m3/a.png"},
				{Name: "b.png", MimeType: "image/png", RelPath: "attachments/m3/b.png"},
			},
			want: "[file: a.png | image/png | attachments/m3/a.png]\n[file: b.png | image/png | attachments/m3/b.png]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildMessageContent(tt.text, tt.atts)
			if got != tt.want {
				t.Errorf("BuildMessageContent(%q, %d atts) = %q, want %q", tt.text, len(tt.atts), got, tt.want)
			}
			// Same inputs, same output.
			if again := BuildMessageContent(tt.text, tt.atts); again != got {
				t.Errorf("BuildMessageContent not deterministic: %q then %q", got, again)
			}
		})
	}
}

// TestTimestampOrdering verifies that lexicographic order of formatted
// timestamps matches chronological order, which the watermark queries
// depend on.
func TestTimestampOrdering(t *testing.T) {
	base := time.Date(2025, 3, 9, 23, 58, 0, 0, time.UTC)
	times := []time.Time{
		base.Add(90 * time.Minute), // crosses midnight and a date boundary
		base,
		base.Add(5 * time.Millisecond),
		base.Add(-12 * time.Hour),
		base.Add(72 * time.Hour),
	}

	formatted := make([]string, len(times))
	for i, tm := range times {
		formatted[i] = FormatTimestamp(tm)
	}

	lex := append([]string(nil), formatted...)
	sort.Strings(lex)

	chrono := append([]time.Time(nil), times...)
	sort.Slice(chrono, func(i, j int) bool { return chrono[i].Before(chrono[j]) })

	for i, tm := range chrono {
		if lex[i] != FormatTimestamp(tm) {
			t.Fatalf("order mismatch at %d: lexicographic %q, chronological %q", i, lex[i], FormatTimestamp(tm))
		}
	}

	// Fixed width regardless of sub-second precision.
	for _, f := range formatted {
		if len(f) != len("2006-01-02T15:04:05.000Z") {
			t.Errorf("FormatTimestamp produced variable width: %q", f)
		}
	}
}

// TestParseTimestampRoundTrip checks Format/Parse symmetry at millisecond
// precision.
func TestParseTimestampRoundTrip(t *testing.T) {
	orig := time.Date(2025, 6, 1, 8, 30, 15, 250_000_000, time.UTC)
	s := FormatTimestamp(orig)
	back, err := ParseTimestamp(s)
	if err != nil {
		t.Fatalf("ParseTimestamp(%q) error = %v", s, err)
	}
	if !back.Equal(orig) {
		t.Errorf("round trip = %v, want %v", back, orig)
	}
}
