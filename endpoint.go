package anteroom

import (
	"context"
	"sync"
)

// Delivery is one payload handed to a hosted service or topic
// subscriber. The originating client's address is never part of it;
// answers go back through the response tunnel named by the reply token.
type Delivery struct {
	// Path is the service path or topic the envelope was resolved
	// against.
	Path    string
	Payload []byte

	replyToken string
	origin     string
	r          *Receptionist
}

// CanReply reports whether the sender opened a response tunnel.
func (d Delivery) CanReply() bool {
	return d.replyToken != ""
}

// Reply relays a payload back to the originating client through the
// response tunnel. The tunnel is single-use and self-expiring: late or
// repeated replies are silently discarded at the tunnel's receptionist.
func (d Delivery) Reply(payload []byte) error {
	if d.replyToken == "" {
		return ErrNoReplyTunnel
	}
	return d.r.relayReply(d.origin, d.replyToken, payload)
}

// Endpoint is a handler registration on a receptionist. The hosting
// side drains deliveries with Accept; closing it deregisters the
// path cluster-wide.
type Endpoint struct {
	path  string
	id    string
	topic bool

	deliveryCh chan Delivery
	closeCh    chan struct{}
	closed     bool
	lk         sync.Mutex

	epGC chan<- *Endpoint
}

const endpointBacklog = 64

func newEndpoint(path, id string, topic bool, gc chan<- *Endpoint) *Endpoint {
	return &Endpoint{
		path:       path,
		id:         id,
		topic:      topic,
		deliveryCh: make(chan Delivery, endpointBacklog),
		closeCh:    make(chan struct{}),
		epGC:       gc,
	}
}

// Path returns the registered service path or topic name.
func (ep *Endpoint) Path() string {
	return ep.path
}

// Accept blocks until a delivery arrives, the context is done, or the
// endpoint is closed.
func (ep *Endpoint) Accept(ctx context.Context) (Delivery, error) {
	select {
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	case <-ep.closeCh:
		return Delivery{}, ErrEndpointClosed
	case d := <-ep.deliveryCh:
		return d, nil
	}
}

// Close deregisters the endpoint. Buffered deliveries are discarded;
// this is a best-effort channel.
func (ep *Endpoint) Close() error {
	ep.lk.Lock()
	if ep.closed {
		ep.lk.Unlock()
		return nil
	}
	ep.closed = true
	close(ep.closeCh)
	ep.lk.Unlock()

	ep.epGC <- ep
	return nil
}

// deliver hands a payload to the hosting side without blocking the
// receptionist's packet loop. A full endpoint sheds the delivery.
func (ep *Endpoint) deliver(d Delivery) bool {
	ep.lk.Lock()
	if ep.closed {
		ep.lk.Unlock()
		return false
	}
	ep.lk.Unlock()

	select {
	case ep.deliveryCh <- d:
		return true
	default:
		return false
	}
}
