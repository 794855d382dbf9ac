package anteroom

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// tunnelEntry records which client a handler's reply must be relayed
// to. The client's real address is resolved at relay time from its
// live session, so the handler side never sees it.
type tunnelEntry struct {
	client string
}

// tunnelTable holds the open response tunnels: a plain TTL cache keyed
// by correlation token. Entries disappear on first use or when idle
// longer than the configured timeout, whichever comes first, so a
// handler that never replies cannot leak entries.
type tunnelTable struct {
	// mu serializes take's lookup-and-remove pair; the LRU is safe for
	// concurrent use but a Get followed by a Remove is not atomic, and
	// two racing replies must not both win the same token.
	mu      sync.Mutex
	entries *expirable.LRU[string, tunnelEntry]

	logger  *slog.Logger
	msink   metrics.MetricSink
	mlabels []metrics.Label
}

func newTunnelTable(maxTunnels int, ttl time.Duration, logger *slog.Logger, msink metrics.MetricSink, mlabels []metrics.Label) *tunnelTable {
	t := &tunnelTable{
		logger:  logger,
		msink:   msink,
		mlabels: mlabels,
	}
	t.entries = expirable.NewLRU(maxTunnels, func(token string, _ tunnelEntry) {
		t.msink.IncrCounterWithLabels(MetricTunnelEvictedCount, 1.0, t.mlabels)
	}, ttl)
	return t
}

// open allocates a tunnel for an outbound request expecting a reply.
func (t *tunnelTable) open(token, client string) {
	t.entries.Add(token, tunnelEntry{client: client})
	t.msink.IncrCounterWithLabels(MetricTunnelOpenCount, 1.0, t.mlabels)
}

// take consumes a tunnel. Tunnels are single-use: a second reply with
// the same token finds nothing.
func (t *tunnelTable) take(token string) (tunnelEntry, bool) {
	t.mu.Lock()
	entry, ok := t.entries.Get(token)
	if ok {
		t.entries.Remove(token)
	}
	t.mu.Unlock()
	if !ok {
		return tunnelEntry{}, false
	}
	t.msink.IncrCounterWithLabels(MetricTunnelRelayCount, 1.0, t.mlabels)
	return entry, true
}

func (t *tunnelTable) len() int {
	return t.entries.Len()
}

// release drops every open tunnel.
func (t *tunnelTable) release() {
	t.entries.Purge()
}
