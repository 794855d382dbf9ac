// Package detector provides a deadline-based failure detector fed by
// heartbeat arrivals.
//
// A peer is considered available as long as the elapsed time since its
// last heartbeat stays within the configured heartbeat interval plus an
// acceptable pause. The clock is injected so tests can drive time
// directly.
package detector

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Deadline tracks heartbeat recency for a single remote peer.
//
// It is safe for concurrent use: the component feeding heartbeats and
// the component evaluating availability are usually distinct tasks.
type Deadline struct {
	clock    clock.Clock
	interval time.Duration
	pause    time.Duration

	mu   sync.Mutex
	last time.Time
}

// NewDeadline returns a detector primed with a heartbeat at the current
// time, so a freshly contacted peer starts out available.
func NewDeadline(clk clock.Clock, interval, pause time.Duration) *Deadline {
	if clk == nil {
		clk = clock.New()
	}
	return &Deadline{
		clock:    clk,
		interval: interval,
		pause:    pause,
		last:     clk.Now(),
	}
}

// Heartbeat records a heartbeat arrival.
func (d *Deadline) Heartbeat() {
	d.mu.Lock()
	d.last = d.clock.Now()
	d.mu.Unlock()
}

// Available reports whether the peer's last heartbeat is recent enough,
// that is, no older than interval + pause.
func (d *Deadline) Available() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clock.Now().Sub(d.last) <= d.interval+d.pause
}

// LastHeartbeat returns the timestamp of the most recent heartbeat.
func (d *Deadline) LastHeartbeat() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}
