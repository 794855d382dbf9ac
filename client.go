package anteroom

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"

	"github.com/anteroom/anteroom/pkg/detector"
)

// LinkState is the connection manager's externally observable state.
type LinkState uint32

const (
	// StateEstablishing means no receptionist link is active; contact
	// points are being probed round-robin.
	StateEstablishing LinkState = iota
	// StateActive means one receptionist link carries traffic.
	StateActive
	// StateClosed is terminal: the client was stopped or gave up after
	// the reconnect timeout.
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateEstablishing:
		return "establishing"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Reply is a handler's answer relayed back through a response tunnel.
type Reply struct {
	Token   string
	Payload []byte
}

// SendOption tunes a single Send call.
type SendOption func(*Envelope)

// WithLocalAffinity asks the resolving receptionist to prefer a
// registration hosted on its own node.
func WithLocalAffinity() SendOption {
	return func(env *Envelope) {
		env.LocalAffinity = true
	}
}

// WithReplyToken attaches a correlation token so the handler can answer
// through a response tunnel. Matching replies surface on Replies().
func WithReplyToken(token string) SendOption {
	return func(env *Envelope) {
		env.ReplyToken = token
	}
}

// ClusterClient maintains one logical connection to a set of
// receptionist gateway nodes from outside the cluster.
//
// All mutable state is owned by a single run loop; public operations
// hand envelopes to that loop and return immediately. Delivery is
// best-effort: nothing here fails for backpressure, loss is silent.
type ClusterClient struct {
	cfg    *config
	logger *slog.Logger
	msink  metrics.MetricSink
	clk    clock.Clock
	tr     Transport

	// ID identifies this client to receptionists across reconnects.
	id string

	contacts *contactSet
	buffer   *messageBuffer
	notifier *notifier

	cmdCh   chan *Envelope
	replyCh chan Reply

	state    atomic.Uint32
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	errMu       sync.Mutex
	terminalErr error

	// run-loop state, never touched outside run().
	link           ContactPoint
	fd             *detector.Deadline
	disconnectedAt time.Time
}

// NewClusterClient validates the options, starts the run loop, and
// immediately begins probing the initial contact points.
func NewClusterClient(opts ...Option) (*ClusterClient, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	if cfg.transport == nil {
		return nil, ErrInvalidCfg
	}
	if len(cfg.contacts) == 0 {
		return nil, ErrNoContacts
	}

	c := &ClusterClient{
		cfg:    cfg,
		logger: cfg.newLogger(),
		msink:  cfg.msink,
		clk:    cfg.clk,
		tr:     cfg.transport,
		id:     uuid.NewString(),

		contacts: newContactSet(cfg.clk, cfg.contacts, cfg.maxContacts),
		buffer:   newMessageBuffer(cfg.bufferCapacity, cfg.msink, cfg.mlabels),

		cmdCh:   make(chan *Envelope, 1024),
		replyCh: make(chan Reply, 256),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	c.notifier = newNotifier(c.logger, c.msink)
	c.disconnectedAt = cfg.clk.Now()

	c.wg.Add(1)
	go c.run()
	return c, nil
}

// ID returns the identity this client presents to receptionists.
func (c *ClusterClient) ID() string {
	return c.id
}

// State returns the current connection state.
func (c *ClusterClient) State() LinkState {
	return LinkState(c.state.Load())
}

// Send delivers the payload to exactly one registration of path. While
// no link is active the envelope is buffered (or dropped when the
// buffer is disabled or overflows).
func (c *ClusterClient) Send(path string, payload []byte, opts ...SendOption) error {
	if !ValidPath(path) {
		return ErrPathInvalid
	}
	env := &Envelope{Target: path, Payload: payload, Mode: ModeSend}
	for _, opt := range opts {
		opt(env)
	}
	return c.enqueue(env)
}

// SendToAll delivers the payload to every registration of path.
func (c *ClusterClient) SendToAll(path string, payload []byte) error {
	if !ValidPath(path) {
		return ErrPathInvalid
	}
	return c.enqueue(&Envelope{Target: path, Payload: payload, Mode: ModeSendToAll})
}

// Publish delivers the payload to every subscriber of topic.
func (c *ClusterClient) Publish(topic string, payload []byte) error {
	if !ValidPath(topic) {
		return ErrPathInvalid
	}
	return c.enqueue(&Envelope{Target: topic, Payload: payload, Mode: ModePublish})
}

// NewToken mints a correlation token for WithReplyToken.
func (c *ClusterClient) NewToken() string {
	return uuid.NewString()
}

// Replies surfaces handler answers relayed through response tunnels.
// Replies arriving while the channel is full are dropped, never
// buffered.
func (c *ClusterClient) Replies() <-chan Reply {
	return c.replyCh
}

// SubscribeContacts registers an observer for contact point changes.
// The current contact set is replayed as an initial snapshot event,
// followed by incremental added/removed events.
func (c *ClusterClient) SubscribeContacts() *Subscription {
	return c.notifier.subscribe(func() Event {
		return Event{
			Kind:     EventContactsSnapshot,
			Contacts: c.contacts.snapshot(),
		}
	})
}

// Done is closed when the client reaches its terminal state, either via
// Stop or after exceeding the reconnect timeout. Err tells which.
func (c *ClusterClient) Done() <-chan struct{} {
	return c.doneCh
}

// Err reports why the client terminated. It is nil until Done is closed
// and after a plain Stop.
func (c *ClusterClient) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.terminalErr
}

// Stop terminates the client, cancelling its timers and releasing the
// buffered envelopes. The transport is caller-owned and stays open.
func (c *ClusterClient) Stop() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	return nil
}

func (c *ClusterClient) enqueue(env *Envelope) error {
	select {
	case <-c.doneCh:
		return ErrClientClosed
	default:
	}

	select {
	case c.cmdCh <- env:
	default:
		// The run loop is badly behind; this is a best-effort channel,
		// shed the envelope rather than block the caller.
		c.msink.IncrCounterWithLabels(MetricClientBufferEvictedCount, 1.0, c.cfg.mlabels)
	}
	return nil
}

func (c *ClusterClient) run() {
	defer c.wg.Done()

	establish := c.clk.Ticker(c.cfg.establishInterval)
	heartbeat := c.clk.Ticker(c.cfg.heartbeatInterval)
	refresh := c.clk.Ticker(c.cfg.refreshInterval)
	defer establish.Stop()
	defer heartbeat.Stop()
	defer refresh.Stop()

	c.logger.Info("establishing receptionist link",
		"contacts", len(c.cfg.contacts), LabelClientID.L(c.id))
	c.probeNext()

	for {
		select {
		case <-c.stopCh:
			c.terminate(nil)
			return

		case env := <-c.cmdCh:
			c.dispatch(env)

		case <-establish.C:
			if c.State() != StateEstablishing {
				continue
			}
			if c.cfg.reconnectTimeout > 0 &&
				c.clk.Now().Sub(c.disconnectedAt) > c.cfg.reconnectTimeout {
				c.logger.Error("giving up: no receptionist reachable",
					LabelDuration.L(c.cfg.reconnectTimeout))
				c.terminate(ErrReconnectTimeout)
				return
			}
			c.probeNext()

		case <-heartbeat.C:
			if c.State() != StateActive {
				continue
			}
			if !c.fd.Available() {
				c.failover()
				continue
			}
			c.writeFrame(c.link, &frame{Kind: frameHeartbeat, Client: c.id})

		case <-refresh.C:
			if c.State() != StateActive {
				continue
			}
			c.writeFrame(c.link, &frame{Kind: frameGetContacts, Client: c.id})

		case pkt := <-c.tr.PacketCh():
			c.handlePacket(pkt)
		}
	}
}

func (c *ClusterClient) probeNext() {
	contact, ok := c.contacts.next()
	if !ok {
		return
	}
	c.msink.IncrCounterWithLabels(MetricClientProbeOutCount, 1.0, c.cfg.mlabels)
	c.logger.Debug("probing contact point", LabelContact.L(contact))
	c.writeFrame(contact, &frame{Kind: frameGetContacts, Client: c.id})
}

func (c *ClusterClient) handlePacket(pkt *memberlist.Packet) {
	fr, err := decodeFrame(pkt.Buf)
	if err != nil {
		c.logger.Warn("dropping malformed frame",
			LabelPeerAddr.L(pkt.From.String()), LabelError.L(err))
		return
	}

	switch fr.Kind {
	case frameContacts:
		link := ContactPoint(fr.Origin)
		if link == "" {
			link = ContactPoint(pkt.From.String())
		}
		if c.State() == StateEstablishing {
			c.becomeActive(link)
		}
		c.mergeContacts(fr.Contacts)

	case frameHeartbeatAck:
		from := ContactPoint(fr.Origin)
		if from == "" {
			from = ContactPoint(pkt.From.String())
		}
		// A delayed ack from a previous link must not refresh the
		// detector watching the current one.
		if c.State() == StateActive && from == c.link {
			c.fd.Heartbeat()
		}

	case frameReply:
		select {
		case c.replyCh <- Reply{Token: fr.Token, Payload: fr.Payload}:
			c.msink.IncrCounterWithLabels(MetricClientReplyInCount, 1.0, c.cfg.mlabels)
		default:
			// Replies are never buffered.
			c.msink.IncrCounterWithLabels(MetricClientReplyDroppedCount, 1.0, c.cfg.mlabels)
		}

	default:
		c.logger.Warn("dropping unexpected frame",
			LabelPeerAddr.L(pkt.From.String()), "kind", fr.Kind)
	}
}

func (c *ClusterClient) becomeActive(link ContactPoint) {
	c.link = link
	c.fd = detector.NewDeadline(c.clk, c.cfg.heartbeatInterval, c.cfg.acceptablePause)
	c.state.Store(uint32(StateActive))
	c.logger.Info("receptionist link established", LabelContact.L(link))

	for _, env := range c.buffer.drain() {
		c.writeEnvelope(env)
	}
}

func (c *ClusterClient) failover() {
	c.msink.IncrCounterWithLabels(MetricClientFailoverCount, 1.0, c.cfg.mlabels)
	c.logger.Warn("receptionist link lost, failing over", LabelContact.L(c.link))
	c.link = ""
	c.fd = nil
	c.disconnectedAt = c.clk.Now()
	c.state.Store(uint32(StateEstablishing))
	c.probeNext()
}

func (c *ClusterClient) mergeContacts(refresh []ContactPoint) {
	added, removed := c.contacts.merge(refresh)
	for _, contact := range added {
		c.notifier.publish(Event{Kind: EventContactAdded, Contact: contact})
	}
	for _, contact := range removed {
		c.notifier.publish(Event{Kind: EventContactRemoved, Contact: contact})
	}
}

func (c *ClusterClient) dispatch(env *Envelope) {
	if c.State() != StateActive {
		c.buffer.push(env)
		c.msink.IncrCounterWithLabels(MetricClientEnvelopeBuffered, 1.0, c.cfg.mlabels)
		return
	}
	c.writeEnvelope(env)
}

func (c *ClusterClient) writeEnvelope(env *Envelope) {
	c.msink.IncrCounterWithLabels(
		MetricClientEnvelopeOutCount,
		1.0,
		append(c.cfg.mlabels, LabelMode.M(env.Mode.String())),
	)
	c.writeFrame(c.link, &frame{Kind: frameEnvelope, Client: c.id, Envelope: env})
}

func (c *ClusterClient) writeFrame(to ContactPoint, fr *frame) {
	buf, err := encodeFrame(fr)
	if err != nil {
		c.logger.Error("failed to encode frame", LabelError.L(err))
		return
	}
	if _, err := c.tr.WriteTo(buf, string(to)); err != nil {
		// Loss is expected on this channel; the failure detector decides
		// when the link is actually gone.
		c.logger.Debug("frame write failed",
			LabelPeerAddr.L(string(to)), LabelError.L(err))
	}
}

func (c *ClusterClient) terminate(reason error) {
	c.errMu.Lock()
	c.terminalErr = reason
	c.errMu.Unlock()

	c.state.Store(uint32(StateClosed))
	c.buffer.release()
	c.notifier.close()
	close(c.doneCh)
	c.logger.Info("client terminated", LabelError.L(reason))
}
