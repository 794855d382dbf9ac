package anteroom

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func newTestTunnelTable(ttl time.Duration) *tunnelTable {
	return newTunnelTable(16, ttl, slog.Default(), &metrics.BlackholeSink{}, nil)
}

func TestTunnelSingleUse(t *testing.T) {
	tt := newTestTunnelTable(time.Minute)
	tt.open("tok-1", "client-1")
	require.Equal(t, 1, tt.len())

	entry, ok := tt.take("tok-1")
	require.True(t, ok)
	require.Equal(t, "client-1", entry.client)

	// A tunnel answers exactly once.
	_, ok = tt.take("tok-1")
	require.False(t, ok)
	require.Zero(t, tt.len())
}

func TestTunnelConcurrentTakeHasOneWinner(t *testing.T) {
	tt := newTestTunnelTable(time.Minute)
	tt.open("tok-1", "client-1")

	// Replies race from handler goroutines and the packet loop at once;
	// exactly one may claim the tunnel.
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok := tt.take("tok-1"); ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, int32(1), wins.Load())
	require.Zero(t, tt.len())
}

func TestTunnelUnknownToken(t *testing.T) {
	tt := newTestTunnelTable(time.Minute)
	_, ok := tt.take("nope")
	require.False(t, ok)
}

func TestTunnelExpiry(t *testing.T) {
	tt := newTestTunnelTable(50 * time.Millisecond)
	tt.open("tok-1", "client-1")

	time.Sleep(120 * time.Millisecond)
	_, ok := tt.take("tok-1")
	require.False(t, ok)
}

func TestTunnelCapEvictsOldest(t *testing.T) {
	tt := newTunnelTable(2, time.Minute, slog.Default(), &metrics.BlackholeSink{}, nil)
	tt.open("tok-1", "c1")
	tt.open("tok-2", "c2")
	tt.open("tok-3", "c3")

	_, ok := tt.take("tok-1")
	require.False(t, ok)
	_, ok = tt.take("tok-3")
	require.True(t, ok)
}

func TestTunnelRelease(t *testing.T) {
	tt := newTestTunnelTable(time.Minute)
	tt.open("tok-1", "c1")
	tt.release()
	require.Zero(t, tt.len())
}
