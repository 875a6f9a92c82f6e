package main

import (
	"testing"
	"time"
)

func TestParseDue(t *testing.T) {
	jst := time.FixedZone("JST", 9*3600)
	cases := []struct {
		in   string
		want time.Time
	}{
		{"2026-04-03T09:00:00Z", time.Date(2026, 4, 3, 18, 0, 0, 0, jst)},
		{"2026-04-03 18:30", time.Date(2026, 4, 3, 18, 30, 0, 0, jst)},
		{"2026-04-03T18:30", time.Date(2026, 4, 3, 18, 30, 0, 0, jst)},
		{"2026-04-03", time.Date(2026, 4, 3, 23, 59, 0, 0, jst)},
	}
	for _, tc := range cases {
		got, err := parseDue(tc.in, jst)
		if err != nil {
			t.Fatalf("parseDue(%q): %v", tc.in, err)
		}
		if !got.Equal(tc.want) || got.Location() != jst {
			t.Fatalf("parseDue(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
	if _, err := parseDue("next friday", jst); err == nil {
		t.Fatal("expected error for free text")
	}
}
