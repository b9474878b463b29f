package budget

import (
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"
)

func Test_Estimate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		input string
		want  int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 1},
		{"abcdefgh", 2},
		{strings.Repeat("x", 400), 100},
	}
	for _, tc := range cases {
		if got := Estimate(tc.input); got != tc.want {
			t.Errorf("Estimate(%q) = %d, want %d", tc.input, got, tc.want)
		}
	}
}

func Test_EstimateMessages(t *testing.T) {
	t.Parallel()
	msgs := []*schema.Message{
		schema.SystemMessage("rate it"),   // 4 + 1 + 1
		schema.UserMessage("hello world"), // 4 + 1 + 2
	}
	if got := EstimateMessages(msgs); got != 13 {
		t.Errorf("EstimateMessages = %d, want 13", got)
	}
}

func Test_Truncate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"fits", "short", 10, "short"},
		{"cut", strings.Repeat("a", 20), 2, "aaaaaaaa"},
		{"zero", "anything", 0, ""},
		{"rune boundary", "ééééé", 1, "éé"},
	}
	for _, tc := range cases {
		if got := Truncate(tc.in, tc.max); got != tc.want {
			t.Errorf("%s: Truncate(%q, %d) = %q, want %q", tc.name, tc.in, tc.max, got, tc.want)
		}
	}
}

func Test_FitLast(t *testing.T) {
	t.Parallel()

	msgs := []*schema.Message{
		schema.SystemMessage("system prompt"),
		schema.UserMessage(strings.Repeat("word ", 200)),
	}
	if !FitLast(msgs, 50) {
		t.Fatal("FitLast reported failure")
	}
	if got := EstimateMessages(msgs); got > 50 {
		t.Errorf("EstimateMessages after FitLast = %d, want <= 50", got)
	}
	if msgs[0].Content != "system prompt" {
		t.Errorf("system message was modified: %q", msgs[0].Content)
	}

	tight := []*schema.Message{schema.SystemMessage(strings.Repeat("x", 400)), schema.UserMessage("q")}
	if FitLast(tight, 10) {
		t.Error("FitLast should fail when fixed messages exceed the budget")
	}
}
