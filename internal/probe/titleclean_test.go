package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanTitle(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain", "Inbox", "Inbox"},
		{"unread count", "(3) Inbox", "Inbox"},
		{"unread count only prefix", "Notes (2)", "Notes (2)"},
		{"editor suffix", "main.go - Visual Studio Code", "main.go"},
		{"editor suffix em dash", "main.go — Visual Studio Code", "main.go"},
		{"elapsed timer", "Standup 12:45", "Standup"},
		{"elapsed timer with hours", "Recording 1:02:30 live", "Recording live"},
		{"curly quotes", "“draft” and ‘notes’", `"draft" and 'notes'`},
		{"combined", "(12) review.go - Visual Studio Code", "review.go"},
		{"whitespace trimmed", "  padded  ", "padded"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CleanTitle(tc.in))
		})
	}
}

func TestCleanTitleStableUnderRepeat(t *testing.T) {
	in := "(3) Standup 12:45 - Visual Studio Code"
	once := CleanTitle(in)
	assert.Equal(t, once, CleanTitle(once))
}
