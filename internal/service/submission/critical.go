package submission

import (
	"regexp"
	"strings"
)

type criticalAction int

const (
	actionNone criticalAction = iota
	actionCancel
	actionRepeat
	actionUndo
)

// criticalForms are the only shapes the critical router intercepts: bare
// commands and command-plus-pronoun. "Cancel the meeting" is a task, not a
// command, and falls through.
var criticalForms = map[string]criticalAction{
	"cancel":         actionCancel,
	"cancel that":    actionCancel,
	"cancel it":      actionCancel,
	"stop":           actionCancel,
	"stop that":      actionCancel,
	"stop it":        actionCancel,
	"nevermind":      actionCancel,
	"never mind":     actionCancel,
	"repeat":         actionRepeat,
	"repeat that":    actionRepeat,
	"say that again": actionRepeat,
	"say it again":   actionRepeat,
	"undo":           actionUndo,
	"undo that":      actionUndo,
	"undo it":        actionUndo,
	"take that back": actionUndo,
}

var edgePunct = regexp.MustCompile(`^[\s,.!?]+|[\s,.!?]+$`)

func criticalCommand(text string) criticalAction {
	key := strings.ToLower(edgePunct.ReplaceAllString(text, ""))
	key = strings.Join(strings.Fields(key), " ")
	if a, ok := criticalForms[key]; ok {
		return a
	}
	return actionNone
}
