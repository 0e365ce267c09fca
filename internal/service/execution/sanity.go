package execution

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Cheap groundedness checks applied to textual results before they surface.
// Language models reliably hallucinate "today is ..." claims and impossible
// temperatures; everything else is left alone.
var (
	weekdayLeading  = regexp.MustCompile(`(?i)\btoday\s+is\s+(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
	weekdayTrailing = regexp.MustCompile(`(?i)\bit(?:'|\x{2019})?s\s+(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\s+today\b`)
	todaysDate      = regexp.MustCompile(`(?i)\btoday\s+is\s+(?:\w+day,?\s+)?(january|february|march|april|may|june|july|august|september|october|november|december)\s+(\d{1,2})(?:st|nd|rd|th)?\b`)
	temperature     = regexp.MustCompile(`(?i)(-?\d+(?:\.\d+)?)\s*(?:\x{00b0}|degrees?)\s*(fahrenheit|celsius|f\b|c\b)?`)
)

// Plausible outdoor temperature bounds, just wide enough to catch unit and
// hallucination errors rather than unusual weather.
const (
	minFahrenheit = -80.0
	maxFahrenheit = 135.0
	minCelsius    = -62.0
	maxCelsius    = 57.0
)

// sanityIssue scans a spoken response for groundedness failures and returns
// a description of the first one, or "" when the response passes.
func sanityIssue(response string, now time.Time) string {
	if response == "" {
		return ""
	}
	if issue := weekdayIssue(response, now); issue != "" {
		return issue
	}
	if issue := dateIssue(response, now); issue != "" {
		return issue
	}
	return temperatureIssue(response)
}

func weekdayIssue(response string, now time.Time) string {
	actual := now.Weekday().String()
	for _, pat := range []*regexp.Regexp{weekdayLeading, weekdayTrailing} {
		m := pat.FindStringSubmatch(response)
		if m == nil {
			continue
		}
		if !strings.EqualFold(m[1], actual) {
			return fmt.Sprintf("response says today is %s but it is %s", titleWord(m[1]), actual)
		}
	}
	return ""
}

func dateIssue(response string, now time.Time) string {
	m := todaysDate.FindStringSubmatch(response)
	if m == nil {
		return ""
	}
	day, err := strconv.Atoi(m[2])
	if err != nil {
		return ""
	}
	month := titleWord(m[1])
	if month != now.Month().String() || day != now.Day() {
		return fmt.Sprintf("response says today is %s %d but it is %s %d",
			month, day, now.Month(), now.Day())
	}
	return ""
}

// temperatureIssue flags readings outside plausible outdoor ranges. Bare
// "degrees" without a unit only counts in weather-flavoured responses, so
// angles and turns pass through.
func temperatureIssue(response string) string {
	matches := temperature.FindAllStringSubmatch(response, -1)
	if len(matches) == 0 {
		return ""
	}
	lower := strings.ToLower(response)
	weatherish := strings.Contains(lower, "temperature") ||
		strings.Contains(lower, "weather") ||
		strings.Contains(lower, "high of") ||
		strings.Contains(lower, "low of") ||
		strings.Contains(lower, "forecast")

	for _, m := range matches {
		val, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(m[2])) {
		case "c", "celsius":
			if val < minCelsius || val > maxCelsius {
				return fmt.Sprintf("implausible temperature %s degrees Celsius", m[1])
			}
		case "f", "fahrenheit":
			if val < minFahrenheit || val > maxFahrenheit {
				return fmt.Sprintf("implausible temperature %s degrees Fahrenheit", m[1])
			}
		default:
			if !weatherish {
				continue
			}
			if val < minFahrenheit || val > maxFahrenheit {
				return fmt.Sprintf("implausible temperature %s degrees", m[1])
			}
		}
	}
	return ""
}

// groundingNote gives a re-invoked agent the facts the first answer got
// wrong.
func groundingNote(now time.Time) string {
	return fmt.Sprintf("Grounding: today is %s, %s %d, %d. Re-check any day, date, or temperature references before answering.",
		now.Weekday(), now.Month(), now.Day(), now.Year())
}

func titleWord(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}
