package routing

import (
	"regexp"
	"strings"
)

// Placeholder tokens survive a second normalization pass, so Normalize is
// idempotent and cache keys can be rebuilt from already-normalized text.
const (
	timeToken    = "_TIME_"
	dayToken     = "_DAY_"
	timeRefToken = "_TIMEREF_"
)

var (
	// Longest alternative first: "day after tomorrow" must win over "tomorrow".
	relativeDayPattern = regexp.MustCompile(`\b(?:day after tomorrow|this morning|this afternoon|this evening|tomorrow|tonight|yesterday|today)\b`)
	meridiemPattern    = regexp.MustCompile(`\b([ap])\.m\.?`)
	clockPattern       = regexp.MustCompile(`\b\d{1,2}:\d{2}(?::\d{2})?(?:\s*(?:am|pm))?\b|\b\d{1,2}\s*(?:am|pm)\b|\b(?:noon|midnight)\b`)
	weekdayPattern     = regexp.MustCompile(`\b(?:monday|tuesday|wednesday|thursday|friday|saturday|sunday)s?\b`)
	apostrophePattern  = regexp.MustCompile(`['\x{2019}]`)
	punctPattern       = regexp.MustCompile(`[^a-zA-Z0-9_\s]+`)
	spacePattern       = regexp.MustCompile(`\s+`)
)

// Normalize reduces an utterance to its routing signature: lowercased,
// punctuation stripped, concrete times replaced by _TIME_, weekday names by
// _DAY_, relative-day phrases by _TIMEREF_, and whitespace collapsed. Two
// utterances with the same signature are treated as the same intent.
func Normalize(s string) string {
	out := strings.ToLower(s)
	out = strings.ReplaceAll(out, "_time_", timeToken)
	out = strings.ReplaceAll(out, "_day_", dayToken)
	out = strings.ReplaceAll(out, "_timeref_", timeRefToken)

	// Collapse "a.m."/"p.m." before the punctuation strip would shred them.
	out = meridiemPattern.ReplaceAllString(out, "${1}m")
	out = relativeDayPattern.ReplaceAllString(out, timeRefToken)
	out = clockPattern.ReplaceAllString(out, timeToken)
	out = weekdayPattern.ReplaceAllString(out, dayToken)
	// Apostrophes join their word ("what's" -> "whats"); other punctuation
	// splits ("weather,now" -> "weather now").
	out = apostrophePattern.ReplaceAllString(out, "")
	out = punctPattern.ReplaceAllString(out, " ")
	out = spacePattern.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}
