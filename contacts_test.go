package anteroom

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func TestContactSetRoundRobin(t *testing.T) {
	cs := newContactSet(clock.New(), []ContactPoint{"a:1", "b:1", "c:1"}, 0)

	var order []ContactPoint
	for i := 0; i < 5; i++ {
		p, ok := cs.next()
		require.True(t, ok)
		order = append(order, p)
	}
	require.Equal(t, []ContactPoint{"a:1", "b:1", "c:1", "a:1", "b:1"}, order)
}

func TestContactSetEmpty(t *testing.T) {
	cs := newContactSet(clock.New(), nil, 0)
	_, ok := cs.next()
	require.False(t, ok)
	require.Zero(t, cs.len())
}

func TestContactSetMergeUnion(t *testing.T) {
	cs := newContactSet(clock.New(), []ContactPoint{"a:1", "b:1"}, 0)

	added, removed := cs.merge([]ContactPoint{"b:1", "c:1"})
	require.Equal(t, []ContactPoint{"c:1"}, added)
	require.Empty(t, removed)
	// A refresh never shrinks the set on its own.
	require.Equal(t, []ContactPoint{"a:1", "b:1", "c:1"}, cs.snapshot())

	added, removed = cs.merge([]ContactPoint{"b:1", "c:1"})
	require.Empty(t, added)
	require.Empty(t, removed)
}

func TestContactSetMergeIgnoresEmpty(t *testing.T) {
	cs := newContactSet(clock.New(), []ContactPoint{"a:1"}, 0)
	added, _ := cs.merge([]ContactPoint{"", "b:1"})
	require.Equal(t, []ContactPoint{"b:1"}, added)
}

func TestContactSetCapEvictsStalest(t *testing.T) {
	mock := clock.NewMock()
	cs := newContactSet(mock, []ContactPoint{"a:1", "b:1", "c:1"}, 3)

	// b and c stay fresh, a does not; the next addition evicts a.
	mock.Add(time.Minute)
	cs.merge([]ContactPoint{"b:1", "c:1"})
	mock.Add(time.Minute)
	added, removed := cs.merge([]ContactPoint{"d:1"})

	require.Equal(t, []ContactPoint{"d:1"}, added)
	require.Equal(t, []ContactPoint{"a:1"}, removed)
	require.Equal(t, []ContactPoint{"b:1", "c:1", "d:1"}, cs.snapshot())
}

func TestContactSetInitialDedup(t *testing.T) {
	cs := newContactSet(clock.New(), []ContactPoint{"a:1", "a:1", "b:1"}, 0)
	require.Equal(t, []ContactPoint{"a:1", "b:1"}, cs.snapshot())
}
