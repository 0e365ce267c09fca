package submission

import (
	"regexp"
	"strings"
)

type filterVerdict int

const (
	verdictAccept filterVerdict = iota
	verdictReject
	verdictUnsure
)

// acceptWordCount is the length at which a transcript is presumed
// intentional; shorter fragments go to the judge.
const acceptWordCount = 4

var (
	fillerOnly = regexp.MustCompile(`(?i)^[\s,.!?-]*(?:(?:uh+|um+|hm+|mhm+|aa+h|ah+|eh+|er+|huh|mm+)[\s,.!?-]*)+$`)
	hasLetter  = regexp.MustCompile(`[a-zA-Z]`)
)

// screenTranscript is the cheap stage of the quality filter: obvious noise
// is rejected outright, obviously intentional speech accepted, and short
// fragments deferred to the judge.
func screenTranscript(text string) filterVerdict {
	trimmed := strings.TrimSpace(text)
	if !hasLetter.MatchString(trimmed) {
		return verdictReject
	}
	if fillerOnly.MatchString(trimmed) {
		return verdictReject
	}
	if len(strings.Fields(trimmed)) >= acceptWordCount {
		return verdictAccept
	}
	return verdictUnsure
}
