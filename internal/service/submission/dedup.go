package submission

import (
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/davidleathers/agent-exchange/internal/service/routing"
)

// prefixFloor keeps the prefix rule from letting a tiny fragment swallow
// every utterance that happens to start with it.
const prefixFloor = 8

// dedupWindow recognizes near-simultaneous repeats of one utterance, the
// usual artifact of a partial transcript arriving just ahead of the full
// one. Matching is on the routing signature, so surface noise (case,
// punctuation, concrete times) does not defeat it.
type dedupWindow struct {
	seen *gocache.Cache
}

func newDedupWindow(window time.Duration) *dedupWindow {
	// Expired keys linger until the janitor pass; 5x keeps the map small
	// without waking a goroutine every few milliseconds.
	return &dedupWindow{seen: gocache.New(window, 5*window)}
}

// Observe reports whether text duplicates a recent submission, and records
// it either way so the window keeps rolling while repeats continue. A prior
// entry that is a prefix of the new text counts; the reverse does not.
func (d *dedupWindow) Observe(text string) bool {
	norm := routing.Normalize(text)
	if norm == "" {
		return false
	}
	dup := false
	if _, ok := d.seen.Get(norm); ok {
		dup = true
	} else {
		for prior := range d.seen.Items() {
			if len(prior) >= prefixFloor && strings.HasPrefix(norm, prior) {
				dup = true
				break
			}
		}
	}
	d.seen.SetDefault(norm, struct{}{})
	return dup
}
