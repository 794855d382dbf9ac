package anteroom

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// scriptedGateway answers the client protocol from a canned contact
// list so client behavior can be exercised without a full receptionist.
type scriptedGateway struct {
	tr       *memTransport
	addr     string
	contacts []ContactPoint

	lk        sync.Mutex
	seen      map[frameKind]int
	envelopes []*Envelope

	stopCh chan struct{}
}

func newScriptedGateway(t *testing.T, net *memNetwork, addr string, contacts ...ContactPoint) *scriptedGateway {
	t.Helper()
	g := &scriptedGateway{
		tr:       net.transport(addr),
		addr:     addr,
		contacts: contacts,
		seen:     make(map[frameKind]int),
		stopCh:   make(chan struct{}),
	}
	go g.run()
	t.Cleanup(func() { close(g.stopCh) })
	return g
}

func (g *scriptedGateway) run() {
	for {
		select {
		case p := <-g.tr.PacketCh():
			fr, err := decodeFrame(p.Buf)
			if err != nil {
				continue
			}
			g.lk.Lock()
			g.seen[fr.Kind]++
			if fr.Kind == frameEnvelope && fr.Envelope != nil {
				g.envelopes = append(g.envelopes, fr.Envelope)
			}
			g.lk.Unlock()

			switch fr.Kind {
			case frameGetContacts:
				g.reply(p.From.String(), &frame{
					Kind:     frameContacts,
					Origin:   g.addr,
					Contacts: g.contacts,
				})
			case frameHeartbeat:
				g.reply(p.From.String(), &frame{Kind: frameHeartbeatAck, Origin: g.addr})
			}
		case <-g.stopCh:
			return
		}
	}
}

func (g *scriptedGateway) reply(to string, fr *frame) {
	buf, err := encodeFrame(fr)
	if err != nil {
		return
	}
	g.tr.WriteTo(buf, to)
}

func (g *scriptedGateway) kindCount(k frameKind) int {
	g.lk.Lock()
	defer g.lk.Unlock()
	return g.seen[k]
}

func (g *scriptedGateway) envelopeCount() int {
	g.lk.Lock()
	defer g.lk.Unlock()
	return len(g.envelopes)
}

func (g *scriptedGateway) envelope(i int) *Envelope {
	g.lk.Lock()
	defer g.lk.Unlock()
	return g.envelopes[i]
}

func newTestableClient(t *testing.T, tr Transport, contacts []string, extra ...Option) *ClusterClient {
	t.Helper()
	opts := append([]Option{
		WithTransport(tr),
		WithContacts(contacts...),
		WithEstablishInterval(10 * time.Millisecond),
		WithHeartbeat(10*time.Millisecond, 40*time.Millisecond),
		WithRefreshInterval(25 * time.Millisecond),
	}, extra...)
	c, err := NewClusterClient(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Stop() })
	return c
}

func TestClientRejectsBadConfig(t *testing.T) {
	net := newMemNetwork()
	tr := net.transport("cl:1")

	_, err := NewClusterClient(WithContacts("a:1"))
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = NewClusterClient(WithTransport(tr))
	require.ErrorIs(t, err, ErrNoContacts)

	_, err = NewClusterClient(
		WithTransport(tr),
		WithContacts("a:1"),
		WithBufferCapacity(MaxBufferCapacity+1),
	)
	require.ErrorIs(t, err, ErrInvalidCfg)
}

func TestClientEstablishes(t *testing.T) {
	net := newMemNetwork()
	gw := newScriptedGateway(t, net, "gw-a:1", "gw-a:1")
	c := newTestableClient(t, net.transport("cl:1"), []string{"gw-a:1"})

	require.Eventually(t, func() bool {
		return c.State() == StateActive
	}, time.Second, 5*time.Millisecond)
	require.Positive(t, gw.kindCount(frameGetContacts))
}

func TestClientProbesRoundRobinAndFlushesBuffer(t *testing.T) {
	net := newMemNetwork()
	// gw-a exists but never answers.
	net.partition("gw-a:1")
	newScriptedGateway(t, net, "gw-a:1", "gw-a:1", "gw-b:1")
	gwB := newScriptedGateway(t, net, "gw-b:1", "gw-a:1", "gw-b:1")

	c := newTestableClient(t, net.transport("cl:1"), []string{"gw-a:1", "gw-b:1"})

	// Sent while establishing, so it rides the buffer.
	require.NoError(t, c.Send("orders", []byte("early")))

	require.Eventually(t, func() bool {
		return c.State() == StateActive
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return gwB.envelopeCount() == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, "early", string(gwB.envelope(0).Payload))
}

func TestClientFailover(t *testing.T) {
	net := newMemNetwork()
	gwA := newScriptedGateway(t, net, "gw-a:1", "gw-a:1", "gw-b:1")
	gwB := newScriptedGateway(t, net, "gw-b:1", "gw-a:1", "gw-b:1")

	c := newTestableClient(t, net.transport("cl:1"), []string{"gw-a:1"})
	require.Eventually(t, func() bool {
		return c.State() == StateActive
	}, time.Second, 5*time.Millisecond)
	require.Positive(t, gwA.kindCount(frameGetContacts))

	// The active gateway goes dark; heartbeats stop being acknowledged
	// and the client re-establishes on the contact learned from gw-a.
	net.partition("gw-a:1")
	require.Eventually(t, func() bool {
		return c.State() == StateActive && gwB.kindCount(frameHeartbeat) > 0
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Send("orders", []byte("after-failover")))
	require.Eventually(t, func() bool {
		return gwB.envelopeCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestClientIgnoresAcksFromOtherLinks(t *testing.T) {
	net := newMemNetwork()
	newScriptedGateway(t, net, "gw-a:1", "gw-a:1")
	c := newTestableClient(t, net.transport("cl:1"), []string{"gw-a:1"})

	require.Eventually(t, func() bool {
		return c.State() == StateActive
	}, time.Second, 5*time.Millisecond)

	// A chatty stranger keeps acking heartbeats it never received. Only
	// acks from the active link may feed the failure detector, so the
	// client must still notice gw-a going dark.
	rogue := net.transport("gw-b:1")
	buf, err := encodeFrame(&frame{Kind: frameHeartbeatAck, Origin: "gw-b:1"})
	require.NoError(t, err)
	stopCh := make(chan struct{})
	t.Cleanup(func() { close(stopCh) })
	go func() {
		for {
			select {
			case <-stopCh:
				return
			case <-time.After(5 * time.Millisecond):
				rogue.WriteTo(buf, "cl:1")
			}
		}
	}()

	net.partition("gw-a:1")
	require.Eventually(t, func() bool {
		return c.State() == StateEstablishing
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClientReconnectTimeout(t *testing.T) {
	net := newMemNetwork()
	c := newTestableClient(t, net.transport("cl:1"), []string{"void:1"},
		WithReconnectTimeout(60*time.Millisecond))

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client never gave up")
	}
	require.ErrorIs(t, c.Err(), ErrReconnectTimeout)
	require.Equal(t, StateClosed, c.State())
	require.ErrorIs(t, c.Send("orders", nil), ErrClientClosed)
}

func TestClientStop(t *testing.T) {
	net := newMemNetwork()
	newScriptedGateway(t, net, "gw-a:1", "gw-a:1")
	c := newTestableClient(t, net.transport("cl:1"), []string{"gw-a:1"})

	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
	require.NoError(t, c.Err())
	require.Equal(t, StateClosed, c.State())

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestClientContactEvents(t *testing.T) {
	net := newMemNetwork()
	newScriptedGateway(t, net, "gw-a:1", "gw-a:1", "gw-b:1", "gw-c:1")
	c := newTestableClient(t, net.transport("cl:1"), []string{"gw-a:1"})

	sub := c.SubscribeContacts()
	defer sub.Close()

	ev := <-sub.Events()
	require.Equal(t, EventContactsSnapshot, ev.Kind)

	got := map[ContactPoint]bool{}
	for _, cp := range ev.Contacts {
		got[cp] = true
	}
	deadline := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case ev := <-sub.Events():
			if ev.Kind == EventContactAdded {
				got[ev.Contact] = true
			}
		case <-deadline:
			t.Fatal("contact events never arrived")
		}
	}
	require.True(t, got["gw-b:1"])
	require.True(t, got["gw-c:1"])
}

func TestClientReplies(t *testing.T) {
	net := newMemNetwork()
	gw := newScriptedGateway(t, net, "gw-a:1", "gw-a:1")
	c := newTestableClient(t, net.transport("cl:1"), []string{"gw-a:1"})

	require.Eventually(t, func() bool {
		return c.State() == StateActive
	}, time.Second, 5*time.Millisecond)

	token := c.NewToken()
	require.NoError(t, c.Send("orders", []byte("ping"), WithReplyToken(token)))
	require.Eventually(t, func() bool {
		return gw.envelopeCount() == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, token, gw.envelope(0).ReplyToken)

	gw.reply("cl:1", &frame{Kind: frameReply, Token: token, Payload: []byte("pong")})

	select {
	case reply := <-c.Replies():
		require.Equal(t, token, reply.Token)
		require.Equal(t, "pong", string(reply.Payload))
	case <-time.After(time.Second):
		t.Fatal("reply never surfaced")
	}
}

func TestClientSendValidatesPath(t *testing.T) {
	net := newMemNetwork()
	newScriptedGateway(t, net, "gw-a:1", "gw-a:1")
	c := newTestableClient(t, net.transport("cl:1"), []string{"gw-a:1"})

	require.ErrorIs(t, c.Send("bad path", nil), ErrPathInvalid)
	require.ErrorIs(t, c.SendToAll("", nil), ErrPathInvalid)
	require.ErrorIs(t, c.Publish("bad topic", nil), ErrPathInvalid)
}
