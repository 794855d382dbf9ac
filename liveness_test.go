package anteroom

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLiveness(t *testing.T) (*livenessTracker, *notifier) {
	t.Helper()
	cfg, err := newConfig([]Option{
		WithHeartbeat(10*time.Millisecond, 30*time.Millisecond),
		WithSweepInterval(10 * time.Millisecond),
	})
	require.NoError(t, err)

	notif := newNotifier(slog.Default(), cfg.msink)
	lt := newLivenessTracker(cfg, notif, slog.Default())
	t.Cleanup(lt.stop)
	return lt, notif
}

func TestLivenessClientUp(t *testing.T) {
	lt, notif := newTestLiveness(t)
	sub := notif.subscribe(staticSnapshot(Event{Kind: EventClientsSnapshot}))
	defer sub.Close()
	<-sub.Events()

	lt.observe("c1", "addr-1:1")

	ev := <-sub.Events()
	require.Equal(t, EventClientUp, ev.Kind)
	require.Equal(t, "c1", ev.Client)

	addr, ok := lt.lookup("c1")
	require.True(t, ok)
	require.Equal(t, "addr-1:1", addr)
	require.Equal(t, []string{"c1"}, lt.snapshot())
}

func TestLivenessAddrFollowsClient(t *testing.T) {
	lt, notif := newTestLiveness(t)
	sub := notif.subscribe(staticSnapshot(Event{Kind: EventClientsSnapshot}))
	defer sub.Close()
	<-sub.Events()

	lt.observe("c1", "addr-1:1")
	<-sub.Events()

	// A failover moves the client to a new source address without a
	// fresh client-up event.
	lt.observe("c1", "addr-2:1")
	addr, _ := lt.lookup("c1")
	require.Equal(t, "addr-2:1", addr)
	require.Empty(t, sub.Events())
}

func TestLivenessSweepRemovesSilentClient(t *testing.T) {
	lt, notif := newTestLiveness(t)
	sub := notif.subscribe(staticSnapshot(Event{Kind: EventClientsSnapshot}))
	defer sub.Close()
	<-sub.Events()

	lt.observe("c1", "addr-1:1")
	require.Equal(t, EventClientUp, (<-sub.Events()).Kind)

	// No further contact: the sweep removes the session once the
	// heartbeat deadline passes.
	require.Eventually(t, func() bool {
		_, ok := lt.lookup("c1")
		return !ok
	}, time.Second, 5*time.Millisecond)

	ev := <-sub.Events()
	require.Equal(t, EventClientUnreachable, ev.Kind)
	require.Equal(t, "c1", ev.Client)
}

func TestLivenessReappearingClient(t *testing.T) {
	lt, notif := newTestLiveness(t)
	sub := notif.subscribe(staticSnapshot(Event{Kind: EventClientsSnapshot}))
	defer sub.Close()
	<-sub.Events()

	lt.observe("c1", "addr-1:1")
	require.Equal(t, EventClientUp, (<-sub.Events()).Kind)

	require.Eventually(t, func() bool {
		_, ok := lt.lookup("c1")
		return !ok
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, EventClientUnreachable, (<-sub.Events()).Kind)

	// The same identity coming back is a brand new session.
	lt.observe("c1", "addr-1:1")
	require.Equal(t, EventClientUp, (<-sub.Events()).Kind)
}
