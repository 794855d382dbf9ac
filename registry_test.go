package anteroom

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestRegistry() *serviceRegistry {
	return newServiceRegistry("local", rand.New(rand.NewSource(1)))
}

func TestRegistryResolveOne(t *testing.T) {
	r := newTestRegistry()

	_, ok := r.resolveOne("orders", false)
	require.False(t, ok)

	r.registerService(registryEntry{Path: "orders", Node: "n1", Addr: "n1:1", ID: "e1"})
	got, ok := r.resolveOne("orders", false)
	require.True(t, ok)
	require.Equal(t, "n1", got.Node)
}

func TestRegistryResolveOneLocality(t *testing.T) {
	r := newTestRegistry()
	r.registerService(registryEntry{Path: "orders", Node: "n1", Addr: "n1:1", ID: "e1"})
	r.registerService(registryEntry{Path: "orders", Node: "local", Addr: "l:1", ID: "e2"})
	r.registerService(registryEntry{Path: "orders", Node: "n2", Addr: "n2:1", ID: "e3"})

	for i := 0; i < 20; i++ {
		got, ok := r.resolveOne("orders", true)
		require.True(t, ok)
		require.Equal(t, "local", got.Node)
	}

	// Locality is a preference: with no local registration the pick
	// falls back to the full candidate set.
	r.deregisterService("orders", "local", "e2")
	got, ok := r.resolveOne("orders", true)
	require.True(t, ok)
	require.NotEqual(t, "local", got.Node)
}

func TestRegistryResolveOneSpreads(t *testing.T) {
	r := newTestRegistry()
	r.registerService(registryEntry{Path: "orders", Node: "n1", Addr: "n1:1", ID: "e1"})
	r.registerService(registryEntry{Path: "orders", Node: "n2", Addr: "n2:1", ID: "e2"})

	picked := map[string]bool{}
	for i := 0; i < 100; i++ {
		got, ok := r.resolveOne("orders", false)
		require.True(t, ok)
		picked[got.Node] = true
	}
	require.Len(t, picked, 2)
}

func TestRegistryUpsertIdempotent(t *testing.T) {
	r := newTestRegistry()
	e := registryEntry{Path: "orders", Node: "n1", Addr: "n1:1", ID: "e1"}
	r.registerService(e)
	r.registerService(e)
	require.Len(t, r.resolveAll("orders"), 1)
}

func TestRegistryRemoveNode(t *testing.T) {
	r := newTestRegistry()
	r.registerService(registryEntry{Path: "orders", Node: "n1", Addr: "n1:1", ID: "e1"})
	r.registerService(registryEntry{Path: "orders", Node: "n2", Addr: "n2:1", ID: "e2"})
	r.registerService(registryEntry{Path: "billing", Node: "n1", Addr: "n1:1", ID: "e3"})
	r.subscribeTopic(registryEntry{Path: "alerts", Node: "n1", Addr: "n1:1", ID: "e4"})

	require.Equal(t, 3, r.removeNode("n1"))
	require.Equal(t, []string{"orders"}, r.servicePaths())
	require.Empty(t, r.subscribers("alerts"))

	got, ok := r.resolveOne("orders", false)
	require.True(t, ok)
	require.Equal(t, "n2", got.Node)
}

func TestRegistryTopics(t *testing.T) {
	r := newTestRegistry()
	require.Empty(t, r.subscribers("alerts"))

	r.subscribeTopic(registryEntry{Path: "alerts", Node: "n1", Addr: "n1:1", ID: "e1"})
	r.subscribeTopic(registryEntry{Path: "alerts", Node: "n2", Addr: "n2:1", ID: "e2"})

	subs := r.subscribers("alerts")
	nodes := []string{subs[0].Node, subs[1].Node}
	sort.Strings(nodes)
	require.Equal(t, []string{"n1", "n2"}, nodes)

	r.unsubscribeTopic("alerts", "n1", "e1")
	subs = r.subscribers("alerts")
	require.Len(t, subs, 1)
	require.Equal(t, "n2", subs[0].Node)
}

func TestServiceRecordRoundTrip(t *testing.T) {
	rec := &serviceRecord{
		Path:  "orders",
		Node:  "n1",
		Addr:  "n1:1",
		ID:    "e1",
		Topic: true,
	}
	buf, err := encodeServiceRecord(rec)
	require.NoError(t, err)
	got, err := decodeServiceRecord(buf)
	require.NoError(t, err)
	require.Equal(t, rec, got)
}
