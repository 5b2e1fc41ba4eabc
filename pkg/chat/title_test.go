package chat

import (
	"strings"
	"testing"
)

func TestDeriveTitleKeywords(t *testing.T) {
	cases := map[string]string{
		"How do I mint a plant?":          "Minting plants",
		"when can I STAKE my tokens":      "Staking",
		"my plant needs water, what now?": "Plant care",
		"Where is the marketplace?":       "Marketplace",
		"claim my rewards please":         "Rewards and claims",
	}
	for seed, want := range cases {
		if got := DeriveTitle(seed); got != want {
			t.Fatalf("DeriveTitle(%q) = %q, want %q", seed, got, want)
		}
	}
}

func TestDeriveTitleKeywordNeedsWholeWord(t *testing.T) {
	if got := DeriveTitle("hello there"); got != "hello there" {
		t.Fatalf("unexpected title %q", got)
	}
	if got := DeriveTitle("I love peppermints"); got == "Minting plants" {
		t.Fatalf("substring should not trigger keyword title")
	}
}

func TestDeriveTitleTruncatesSeed(t *testing.T) {
	seed := strings.Repeat("lorem ipsum ", 10)
	got := DeriveTitle(seed)
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("long seed should be truncated with ellipsis: %q", got)
	}
	if n := len([]rune(got)); n > maxTitleRunes+1 {
		t.Fatalf("title too long: %d runes", n)
	}
}

func TestDeriveTitlePlaceholder(t *testing.T) {
	if got := DeriveTitle("   "); got != placeholderTitle {
		t.Fatalf("got %q, want placeholder", got)
	}
}
