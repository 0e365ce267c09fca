package submission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupWindow_RecognizesRepeats(t *testing.T) {
	d := newDedupWindow(200 * time.Millisecond)

	assert.False(t, d.Observe("what's the weather"))
	assert.True(t, d.Observe("what's the weather"), "exact repeat within the window")
	assert.True(t, d.Observe("Whats the weather?"), "signature match ignores surface noise")
	assert.True(t, d.Observe("what's the weather in paris"),
		"a full transcript repeats its earlier partial")

	assert.False(t, d.Observe("play some jazz"), "a different intent passes")
}

func TestDedupWindow_Expiry(t *testing.T) {
	d := newDedupWindow(100 * time.Millisecond)

	require.False(t, d.Observe("what's the weather"))
	time.Sleep(180 * time.Millisecond)
	assert.False(t, d.Observe("what's the weather"), "the window has rolled past")
}

func TestDedupWindow_PrefixIsOneWay(t *testing.T) {
	d := newDedupWindow(time.Second)

	require.False(t, d.Observe("what's the weather in paris"))
	assert.False(t, d.Observe("what's the"),
		"a later fragment of an earlier full transcript is a new submission")
}

func TestDedupWindow_TinyPrefixDoesNotSwallow(t *testing.T) {
	d := newDedupWindow(time.Second)

	require.False(t, d.Observe("the"))
	assert.False(t, d.Observe("the weather report for tomorrow morning"))
}
