package anteroom

import (
	"log/slog"
	"sync"

	"github.com/hashicorp/go-metrics"
)

// EventKind discriminates the structural events observable on both
// sides of the protocol.
type EventKind uint8

const (
	// EventContactsSnapshot replays the full contact set when an
	// observer subscribes on the client side.
	EventContactsSnapshot EventKind = iota + 1
	EventContactAdded
	EventContactRemoved

	// EventClientsSnapshot replays the connected client set when an
	// observer subscribes on the receptionist side.
	EventClientsSnapshot
	EventClientUp
	EventClientUnreachable
)

func (k EventKind) String() string {
	switch k {
	case EventContactsSnapshot:
		return "contacts-snapshot"
	case EventContactAdded:
		return "contact-added"
	case EventContactRemoved:
		return "contact-removed"
	case EventClientsSnapshot:
		return "clients-snapshot"
	case EventClientUp:
		return "client-up"
	case EventClientUnreachable:
		return "client-unreachable"
	default:
		return "unknown"
	}
}

// Event is one structural change notification.
type Event struct {
	Kind EventKind

	// Contacts is set on EventContactsSnapshot; Contact on
	// EventContactAdded and EventContactRemoved.
	Contacts []ContactPoint
	Contact  ContactPoint

	// Clients is set on EventClientsSnapshot; Client on EventClientUp
	// and EventClientUnreachable.
	Clients []string
	Client  string
}

// Subscription is an observer handle. Events arrive on Events() in the
// order the source produced them; a snapshot event always precedes
// incrementals. Observers that fall behind lose events rather than
// stalling the source.
type Subscription struct {
	ch     chan Event
	cancel func()
	once   sync.Once
}

// Events returns the channel the observer receives on. It is never
// closed while the subscription is open; after Close no further events
// arrive.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close detaches the observer.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

const eventBacklog = 64

// notifier is a local observer registry. Publishing enqueues to every
// subscriber synchronously, preserving per-source ordering; an observer
// never sees a removal before the corresponding addition.
type notifier struct {
	mu     sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
	closed bool

	logger *slog.Logger
	msink  metrics.MetricSink
}

func newNotifier(logger *slog.Logger, msink metrics.MetricSink) *notifier {
	return &notifier{
		subs:   make(map[uint64]chan Event),
		logger: logger,
		msink:  msink,
	}
}

// subscribe registers an observer. The snapshot callback runs under the
// notifier's lock, after the observer is registered, so a change always
// lands in the snapshot or in a later incremental, never in neither.
func (n *notifier) subscribe(snapshot func() Event) *Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan Event, eventBacklog)
	id := n.nextID
	n.nextID++
	if !n.closed {
		n.subs[id] = ch
	}
	ch <- snapshot()

	return &Subscription{
		ch: ch,
		cancel: func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
		},
	}
}

// publish fans the event out to every observer. Delivery is at-most-once
// per change: a full observer channel drops the event for that observer.
func (n *notifier) publish(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	for _, ch := range n.subs {
		select {
		case ch <- ev:
		default:
			n.msink.IncrCounter(MetricEventDroppedCount, 1.0)
			n.logger.Warn("observer too slow, dropping event", LabelState.L(ev.Kind.String()))
		}
	}
}

// close detaches every observer and refuses further subscriptions.
func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	n.subs = make(map[uint64]chan Event)
}
