package anteroom

import (
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
)

// memAddr satisfies net.Addr with an arbitrary string address so packet
// routing in tests works on logical names instead of real sockets.
type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

// memNetwork routes frames between in-memory transports and can cut
// links to simulate unreachable peers.
type memNetwork struct {
	lk    sync.Mutex
	nodes map[string]*memTransport
	cut   map[string]bool
}

func newMemNetwork() *memNetwork {
	return &memNetwork{
		nodes: make(map[string]*memTransport),
		cut:   make(map[string]bool),
	}
}

func (n *memNetwork) transport(addr string) *memTransport {
	n.lk.Lock()
	defer n.lk.Unlock()
	tr := &memTransport{
		net:      n,
		addr:     addr,
		packetCh: make(chan *memberlist.Packet, 256),
	}
	n.nodes[addr] = tr
	return tr
}

// partition silently drops everything sent to addr, like a dead host
// behind UDP.
func (n *memNetwork) partition(addr string) {
	n.lk.Lock()
	defer n.lk.Unlock()
	n.cut[addr] = true
}

func (n *memNetwork) heal(addr string) {
	n.lk.Lock()
	defer n.lk.Unlock()
	delete(n.cut, addr)
}

func (n *memNetwork) deliver(from, to string, b []byte) {
	n.lk.Lock()
	dst, has := n.nodes[to]
	dead := n.cut[to] || n.cut[from]
	n.lk.Unlock()
	if !has || dead || dst.closed {
		return
	}

	buf := make([]byte, len(b))
	copy(buf, b)
	select {
	case dst.packetCh <- &memberlist.Packet{
		Buf:       buf,
		From:      memAddr(from),
		Timestamp: time.Now(),
	}:
	default:
	}
}

type memTransport struct {
	net    *memNetwork
	addr   string
	closed bool

	packetCh chan *memberlist.Packet
}

func (t *memTransport) WriteTo(b []byte, addr string) (time.Time, error) {
	t.net.deliver(t.addr, addr, b)
	return time.Now(), nil
}

func (t *memTransport) PacketCh() <-chan *memberlist.Packet {
	return t.packetCh
}

func (t *memTransport) AdvertiseAddr() (string, error) {
	return t.addr, nil
}

func (t *memTransport) Shutdown() error {
	t.closed = true
	return nil
}
