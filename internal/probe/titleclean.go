package probe

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalizer collapses volatile window titles to a stable form so that
// near-identical titles accumulate under one key.
type Normalizer func(string) string

var unicodeReplacer = strings.NewReplacer(
	"“", `"`, // left double quotation mark
	"”", `"`, // right double quotation mark
	"‘", "'", // left single quotation mark
	"’", "'", // right single quotation mark
)

var (
	// "(3)" style unread counters, e.g. "(3) Inbox - Mail".
	unreadCount = regexp.MustCompile(`^\(\d+\)\s*`)
	// Elapsed timers embedded in titles, e.g. "Meeting 1:23:45".
	elapsedTimer = regexp.MustCompile(`\s*\b\d{1,2}:\d{2}(:\d{2})?\b\s*`)
)

// CleanTitle normalizes a raw window title: unicode normalization,
// editor suffix stripping, and removal of volatile substrings such as
// unread counts and elapsed timers.
func CleanTitle(title string) string {
	if title == "" {
		return title
	}

	title = norm.NFC.String(title)
	title = unicodeReplacer.Replace(title)

	for _, suffix := range []string{
		" — Visual Studio Code",
		" - Visual Studio Code",
	} {
		if strings.HasSuffix(title, suffix) {
			title = strings.TrimSuffix(title, suffix)
			break
		}
	}

	title = unreadCount.ReplaceAllString(title, "")
	title = elapsedTimer.ReplaceAllString(title, " ")

	return strings.TrimSpace(title)
}
