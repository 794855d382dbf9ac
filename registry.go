package anteroom

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// registryEntry is one registration of a service path or topic
// subscription, together with the node hosting the handler.
type registryEntry struct {
	Path string
	Node string
	// Addr is the frame-transport address of the hosting node's
	// receptionist, used when the handler is not local.
	Addr string
	// ID distinguishes multiple registrations by the same node.
	ID string

	// ep is non-nil only for entries hosted by this process.
	ep *Endpoint
}

// serviceRegistry maps service paths to handler registrations and
// topics to subscriber sets. Routing reads vastly outnumber
// registration writes, so reads take a shared lock and must never
// observe a torn intermediate state.
type serviceRegistry struct {
	mu       sync.RWMutex
	services map[string][]registryEntry
	topics   map[string][]registryEntry

	localNode string

	// rnd backs the uniform pick among Send candidates. rand.Rand is
	// not safe for concurrent use, hence its own lock.
	randMu sync.Mutex
	rnd    *rand.Rand
}

func newServiceRegistry(localNode string, rnd *rand.Rand) *serviceRegistry {
	return &serviceRegistry{
		services:  make(map[string][]registryEntry),
		topics:    make(map[string][]registryEntry),
		localNode: localNode,
		rnd:       rnd,
	}
}

// registerService adds a registration. Re-registering the same
// (path, node, id) is idempotent, so gossip redelivery is harmless.
func (r *serviceRegistry) registerService(e registryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[e.Path] = upsertEntry(r.services[e.Path], e)
}

func (r *serviceRegistry) deregisterService(path, node, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := removeEntry(r.services[path], node, id)
	if len(entries) == 0 {
		delete(r.services, path)
	} else {
		r.services[path] = entries
	}
}

func (r *serviceRegistry) subscribeTopic(e registryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics[e.Path] = upsertEntry(r.topics[e.Path], e)
}

func (r *serviceRegistry) unsubscribeTopic(topic, node, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := removeEntry(r.topics[topic], node, id)
	if len(entries) == 0 {
		delete(r.topics, topic)
	} else {
		r.topics[topic] = entries
	}
}

// removeNode drops every registration hosted by a departed node, the
// membership layer's shutdown notice.
func (r *serviceRegistry) removeNode(node string) (removed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for path, entries := range r.services {
		kept := entries[:0]
		for _, e := range entries {
			if e.Node == node {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(r.services, path)
		} else {
			r.services[path] = kept
		}
	}
	for topic, entries := range r.topics {
		kept := entries[:0]
		for _, e := range entries {
			if e.Node == node {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(r.topics, topic)
		} else {
			r.topics[topic] = kept
		}
	}
	return removed
}

// resolveOne picks exactly one registration for a Send. With locality
// set, a registration on our own node always wins; otherwise the pick
// is uniform among all candidates.
func (r *serviceRegistry) resolveOne(path string, locality bool) (registryEntry, bool) {
	r.mu.RLock()
	entries := r.services[path]
	if len(entries) == 0 {
		r.mu.RUnlock()
		return registryEntry{}, false
	}

	var candidates []registryEntry
	if locality {
		for _, e := range entries {
			if e.Node == r.localNode {
				candidates = append(candidates, e)
			}
		}
	}
	if len(candidates) == 0 {
		candidates = append(candidates, entries...)
	}
	r.mu.RUnlock()

	if len(candidates) == 1 {
		return candidates[0], true
	}
	r.randMu.Lock()
	pick := r.rnd.Intn(len(candidates))
	r.randMu.Unlock()
	return candidates[pick], true
}

// resolveAll returns every registration of path.
func (r *serviceRegistry) resolveAll(path string) []registryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]registryEntry(nil), r.services[path]...)
}

// subscribers returns every subscriber of topic. Zero subscribers is a
// normal, silent outcome.
func (r *serviceRegistry) subscribers(topic string) []registryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]registryEntry(nil), r.topics[topic]...)
}

func (r *serviceRegistry) servicePaths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.services))
	for path := range r.services {
		out = append(out, path)
	}
	return out
}

func upsertEntry(entries []registryEntry, e registryEntry) []registryEntry {
	for i, cur := range entries {
		if cur.Node == e.Node && cur.ID == e.ID {
			entries[i] = e
			return entries
		}
	}
	return append(entries, e)
}

func removeEntry(entries []registryEntry, node, id string) []registryEntry {
	kept := entries[:0]
	for _, e := range entries {
		if e.Node == node && e.ID == id {
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

// serviceRecordEvent is the membership broadcast channel registrations
// propagate on.
const serviceRecordEvent = "anteroom:service"

// serviceRecord is the gossiped form of a registration change.
type serviceRecord struct {
	Path       string `codec:"p"`
	Node       string `codec:"n"`
	Addr       string `codec:"a"`
	ID         string `codec:"id"`
	Topic      bool   `codec:"t,omitempty"`
	Unregister bool   `codec:"u,omitempty"`
}

func encodeServiceRecord(rec *serviceRecord) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, msgpackHandle)
	if err := enc.Encode(rec); err != nil {
		return nil, fmt.Errorf("anteroom: failed to encode service record: %w", err)
	}
	return buf, nil
}

func decodeServiceRecord(b []byte) (*serviceRecord, error) {
	rec := &serviceRecord{}
	dec := codec.NewDecoderBytes(b, msgpackHandle)
	if err := dec.Decode(rec); err != nil {
		return nil, fmt.Errorf("anteroom: failed to decode service record: %w", err)
	}
	return rec, nil
}
