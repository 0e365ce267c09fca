package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "lowercases and strips punctuation",
			in:   "What's the Weather?",
			want: "whats the weather",
		},
		{
			name: "clock time",
			in:   "remind me at 7:30 to stretch",
			want: "remind me at _TIME_ to stretch",
		},
		{
			name: "clock time with meridiem",
			in:   "remind me at 7:30 pm to stretch",
			want: "remind me at _TIME_ to stretch",
		},
		{
			name: "meridiem with dots",
			in:   "wake me at 6 a.m. sharp",
			want: "wake me at _TIME_ sharp",
		},
		{
			name: "noon",
			in:   "book lunch at noon",
			want: "book lunch at _TIME_",
		},
		{
			name: "weekday",
			in:   "schedule it for Friday",
			want: "schedule it for _DAY_",
		},
		{
			name: "plural weekday",
			in:   "I go climbing on Tuesdays",
			want: "i go climbing on _DAY_",
		},
		{
			name: "relative day",
			in:   "what do I have tomorrow",
			want: "what do i have _TIMEREF_",
		},
		{
			name: "day after tomorrow beats tomorrow",
			in:   "remind me the day after tomorrow",
			want: "remind me the _TIMEREF_",
		},
		{
			name: "collapses whitespace",
			in:   "  play   some    jazz  ",
			want: "play some jazz",
		},
		{
			name: "bare number is not a time",
			in:   "set 3 timers",
			want: "set 3 timers",
		},
		{
			name: "everything at once",
			in:   "Meet Sam Tuesday at 4 pm, not tomorrow!",
			want: "meet sam _DAY_ at _TIME_ not _TIMEREF_",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, Normalize(got), "Normalize must be idempotent")
		})
	}
}

func TestNormalize_EquivalentUtterancesCollide(t *testing.T) {
	a := Normalize("What's the weather tomorrow?")
	b := Normalize("whats the weather Tomorrow")
	assert.Equal(t, a, b)

	// Different concrete times share one signature.
	assert.Equal(t,
		Normalize("set an alarm for 6:30 am"),
		Normalize("Set an alarm for 9:15 PM"))

	// Different intents keep distinct signatures.
	assert.NotEqual(t,
		Normalize("turn on the lights"),
		Normalize("turn off the lights"))
}
