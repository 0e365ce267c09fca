package routing

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Entry is a remembered routing decision: the agent that last won an auction
// for a given signature, with enough context to re-judge the route later.
type Entry struct {
	AgentID      string
	AgentVersion string
	Confidence   float64
	QueryPrefix  string
	CachedAt     time.Time
}

// routeCache maps routing signatures to recent winners under a hard TTL.
// Staleness beyond the TTL is handled by go-cache; staleness caused by a
// failing agent is handled by invalidateAgent.
type routeCache struct {
	c *gocache.Cache
}

func newRouteCache(ttl time.Duration) *routeCache {
	return &routeCache{c: gocache.New(ttl, ttl)}
}

func (rc *routeCache) put(sig string, e Entry) {
	rc.c.SetDefault(sig, e)
}

func (rc *routeCache) get(sig string) (Entry, bool) {
	v, ok := rc.c.Get(sig)
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

func (rc *routeCache) invalidate(sig string) {
	rc.c.Delete(sig)
}

// invalidateAgent drops every entry pointing at the given agent and reports
// how many were removed. Called on the agent's first failure so a broken
// agent cannot keep winning on stale cache hits.
func (rc *routeCache) invalidateAgent(agentID string) int {
	n := 0
	for sig, item := range rc.c.Items() {
		if e, ok := item.Object.(Entry); ok && e.AgentID == agentID {
			rc.c.Delete(sig)
			n++
		}
	}
	return n
}

func (rc *routeCache) size() int {
	return rc.c.ItemCount()
}
