package execution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSanityIssue_Weekday(t *testing.T) {
	// 2025-06-02 was a Monday.
	now := time.Date(2025, time.June, 2, 9, 0, 0, 0, time.UTC)

	assert.Empty(t, sanityIssue("Today is Monday, and your first meeting is at ten.", now))
	assert.NotEmpty(t, sanityIssue("Today is Sunday, enjoy the weekend!", now))
	assert.NotEmpty(t, sanityIssue("Well, it's Friday today.", now))
	assert.Empty(t, sanityIssue("See you on Sunday.", now), "future references pass")
	assert.Empty(t, sanityIssue("", now))
}

func TestSanityIssue_Date(t *testing.T) {
	now := time.Date(2025, time.June, 2, 9, 0, 0, 0, time.UTC)

	assert.Empty(t, sanityIssue("Today is June 2 and you have three tasks.", now))
	assert.Empty(t, sanityIssue("Today is Monday, June 2nd.", now))
	assert.NotEmpty(t, sanityIssue("Today is June 5th.", now))
	assert.NotEmpty(t, sanityIssue("Today is May 2.", now))
}

func TestSanityIssue_Temperature(t *testing.T) {
	now := time.Date(2025, time.June, 2, 9, 0, 0, 0, time.UTC)

	assert.Empty(t, sanityIssue("The weather is 72 degrees and sunny.", now))
	assert.NotEmpty(t, sanityIssue("Current temperature is 212 degrees.", now))
	assert.NotEmpty(t, sanityIssue("It is -100 degrees Celsius in Oslo.", now))
	assert.NotEmpty(t, sanityIssue("Expect a high of 150°F this afternoon.", now))
	assert.Empty(t, sanityIssue("Rotate the image 360 degrees.", now), "angles are not temperatures")
	assert.Empty(t, sanityIssue("A low of 28 degrees Fahrenheit tonight.", now))
}

func TestGroundingNote(t *testing.T) {
	now := time.Date(2025, time.June, 2, 9, 0, 0, 0, time.UTC)
	note := groundingNote(now)
	assert.Contains(t, note, "Monday")
	assert.Contains(t, note, "June 2, 2025")
}
