package conversation

import (
	"strings"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single conversation entry.
type Turn struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	AgentID string    `json:"agent_id,omitempty"`
	At      time.Time `json:"at"`
}

// Ring is a bounded conversation buffer with two caps: a hard turn count and
// a character budget applied when surfacing history to agents.
type Ring struct {
	turns      []Turn
	maxTurns   int
	charBudget int
}

// NewRing creates a ring holding at most maxTurns entries; Render trims to
// charBudget characters from the newest turn backwards.
func NewRing(maxTurns, charBudget int) *Ring {
	if maxTurns <= 0 {
		maxTurns = 50
	}
	if charBudget <= 0 {
		charBudget = 4000
	}
	return &Ring{
		maxTurns:   maxTurns,
		charBudget: charBudget,
	}
}

// Append adds a turn, evicting the oldest once the cap is reached.
func (r *Ring) Append(t Turn) {
	if t.At.IsZero() {
		t.At = time.Now()
	}
	r.turns = append(r.turns, t)
	if len(r.turns) > r.maxTurns {
		r.turns = r.turns[len(r.turns)-r.maxTurns:]
	}
}

// Len returns the number of retained turns.
func (r *Ring) Len() int {
	return len(r.turns)
}

// Turns returns a copy of the retained turns, oldest first.
func (r *Ring) Turns() []Turn {
	out := make([]Turn, len(r.turns))
	copy(out, r.turns)
	return out
}

// Recent returns up to n of the newest turns, oldest first.
func (r *Ring) Recent(n int) []Turn {
	if n <= 0 || len(r.turns) == 0 {
		return nil
	}
	if n > len(r.turns) {
		n = len(r.turns)
	}
	out := make([]Turn, n)
	copy(out, r.turns[len(r.turns)-n:])
	return out
}

// Last returns the newest turn matching role, or nil.
func (r *Ring) Last(role Role) *Turn {
	for i := len(r.turns) - 1; i >= 0; i-- {
		if r.turns[i].Role == role {
			t := r.turns[i]
			return &t
		}
	}
	return nil
}

// Render formats the newest turns for an agent prompt, walking backwards
// until the character budget is spent.
func (r *Ring) Render() string {
	if len(r.turns) == 0 {
		return ""
	}
	var lines []string
	used := 0
	for i := len(r.turns) - 1; i >= 0; i-- {
		t := r.turns[i]
		line := string(t.Role) + ": " + t.Content
		if used+len(line) > r.charBudget && len(lines) > 0 {
			break
		}
		lines = append(lines, line)
		used += len(line) + 1
		if used >= r.charBudget {
			break
		}
	}
	// Reverse back to chronological order.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return strings.Join(lines, "\n")
}

// Reset discards all turns.
func (r *Ring) Reset() {
	r.turns = nil
}

// Replace swaps the buffer contents, applying the turn cap.
func (r *Ring) Replace(turns []Turn) {
	r.turns = nil
	for _, t := range turns {
		r.Append(t)
	}
}
