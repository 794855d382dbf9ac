package anteroom

import (
	"github.com/hashicorp/go-metrics"
)

// MaxBufferCapacity bounds the configurable message buffer size.
const MaxBufferCapacity = 10000

// messageBuffer is a bounded FIFO of outbound envelopes. Pushing into a
// full buffer evicts the oldest entry so newer work wins over staleness.
// A capacity of zero disables buffering entirely.
//
// The buffer is owned by a single client run loop and needs no locking.
type messageBuffer struct {
	entries []*Envelope
	head    int
	count   int

	capacity int
	msink    metrics.MetricSink
	mlabels  []metrics.Label
}

func newMessageBuffer(capacity int, msink metrics.MetricSink, mlabels []metrics.Label) *messageBuffer {
	b := &messageBuffer{capacity: capacity, msink: msink, mlabels: mlabels}
	if capacity > 0 {
		b.entries = make([]*Envelope, capacity)
	}
	return b
}

// push enqueues an envelope, evicting the oldest entry when full. It
// reports whether an entry was dropped (including the pushed one when
// buffering is disabled).
func (b *messageBuffer) push(env *Envelope) (dropped bool) {
	if b.capacity == 0 {
		b.msink.IncrCounterWithLabels(MetricClientBufferEvictedCount, 1.0, b.mlabels)
		return true
	}

	if b.count == b.capacity {
		b.head = (b.head + 1) % b.capacity
		b.count--
		dropped = true
		b.msink.IncrCounterWithLabels(MetricClientBufferEvictedCount, 1.0, b.mlabels)
	}

	b.entries[(b.head+b.count)%b.capacity] = env
	b.count++
	b.msink.SetGaugeWithLabels(MetricClientBufferDepth, float32(b.count), b.mlabels)
	return dropped
}

// drain removes and returns every buffered envelope in FIFO order.
func (b *messageBuffer) drain() []*Envelope {
	if b.count == 0 {
		return nil
	}
	out := make([]*Envelope, 0, b.count)
	for b.count > 0 {
		out = append(out, b.entries[b.head])
		b.entries[b.head] = nil
		b.head = (b.head + 1) % b.capacity
		b.count--
	}
	b.msink.SetGaugeWithLabels(MetricClientBufferDepth, 0, b.mlabels)
	return out
}

// release drops every buffered envelope.
func (b *messageBuffer) release() {
	for i := range b.entries {
		b.entries[i] = nil
	}
	b.head = 0
	b.count = 0
}

func (b *messageBuffer) len() int {
	return b.count
}
