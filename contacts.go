package anteroom

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ContactPoint is a candidate receptionist address.
type ContactPoint string

// contactSet is an ordered, deduplicated collection of contact points
// with a cursor for round-robin probing during establishment.
//
// Refresh responses are merged by union: points already known keep their
// position, new ones are appended, and every point named by the refresh
// has its freshness bumped. When the set outgrows maxContacts the
// stalest points are evicted, so contacts learned between refreshes are
// kept until fresher ones crowd them out.
type contactSet struct {
	mu     sync.Mutex
	points []contactEntry
	cursor int

	max   int
	clock clock.Clock
}

type contactEntry struct {
	addr     ContactPoint
	lastSeen time.Time
}

func newContactSet(clk clock.Clock, initial []ContactPoint, max int) *contactSet {
	cs := &contactSet{clock: clk, max: max}
	now := clk.Now()
	for _, addr := range initial {
		if !cs.has(addr) {
			cs.points = append(cs.points, contactEntry{addr: addr, lastSeen: now})
		}
	}
	return cs
}

// next returns the contact point under the cursor and advances it.
func (cs *contactSet) next() (ContactPoint, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.points) == 0 {
		return "", false
	}
	if cs.cursor >= len(cs.points) {
		cs.cursor = 0
	}
	p := cs.points[cs.cursor].addr
	cs.cursor++
	return p, true
}

// merge unions a refresh response into the set and reports which points
// were added and which were evicted by the max-contacts cap. Merging the
// same response twice is idempotent.
func (cs *contactSet) merge(refresh []ContactPoint) (added, removed []ContactPoint) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	now := cs.clock.Now()
	for _, addr := range refresh {
		if addr == "" {
			continue
		}
		if i := cs.index(addr); i >= 0 {
			cs.points[i].lastSeen = now
			continue
		}
		cs.points = append(cs.points, contactEntry{addr: addr, lastSeen: now})
		added = append(added, addr)
	}

	for cs.max > 0 && len(cs.points) > cs.max {
		stalest := 0
		for i, e := range cs.points {
			if e.lastSeen.Before(cs.points[stalest].lastSeen) {
				stalest = i
			}
		}
		removed = append(removed, cs.points[stalest].addr)
		cs.points = append(cs.points[:stalest], cs.points[stalest+1:]...)
		if cs.cursor > stalest {
			cs.cursor--
		}
	}
	return added, removed
}

// snapshot returns the contact points in order.
func (cs *contactSet) snapshot() []ContactPoint {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]ContactPoint, len(cs.points))
	for i, e := range cs.points {
		out[i] = e.addr
	}
	return out
}

func (cs *contactSet) len() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.points)
}

func (cs *contactSet) has(addr ContactPoint) bool {
	return cs.index(addr) >= 0
}

func (cs *contactSet) index(addr ContactPoint) int {
	for i, e := range cs.points {
		if e.addr == addr {
			return i
		}
	}
	return -1
}
