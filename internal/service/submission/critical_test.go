package submission

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCriticalCommand(t *testing.T) {
	cancels := []string{"cancel", "Cancel!", "stop", "Stop it.", "nevermind", "Never mind", "cancel that"}
	for _, in := range cancels {
		assert.Equal(t, actionCancel, criticalCommand(in), in)
	}

	repeats := []string{"repeat", "repeat that", "say that again", "Say it again?"}
	for _, in := range repeats {
		assert.Equal(t, actionRepeat, criticalCommand(in), in)
	}

	undos := []string{"undo", "Undo that", "take that back"}
	for _, in := range undos {
		assert.Equal(t, actionUndo, criticalCommand(in), in)
	}

	// Commands with real objects are tasks, not interceptions.
	tasks := []string{
		"Cancel the meeting",
		"stop the music",
		"undo my last email draft",
		"repeat after me",
		"what's the weather",
	}
	for _, in := range tasks {
		assert.Equal(t, actionNone, criticalCommand(in), in)
	}
}
