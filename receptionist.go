package anteroom

import (
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

// Subscriber is one resolved topic subscription handed to the fan-out
// collaborator.
type Subscriber struct {
	Topic string
	Node  string
	Addr  string
	ID    string
}

// DeliverFunc delivers a payload to a single subscriber.
type DeliverFunc func(sub Subscriber, payload []byte)

// Fanout delivers a published payload to the subscribers the
// receptionist resolved. Implementations own ordering and concurrency;
// the default one delivers sequentially, best-effort.
type Fanout interface {
	Publish(topic string, payload []byte, subs []Subscriber, deliver DeliverFunc)
}

type sequentialFanout struct{}

// Outbound frames leave through a bounded queue drained by a small
// worker pool. WriteTo may dial a cold peer, and one stalled dial must
// not hold up heartbeat and envelope handling for every other client.
const (
	sendQueueDepth = 1024
	sendWorkers    = 4
)

type outboundFrame struct {
	to  string
	buf []byte
}

func (sequentialFanout) Publish(_ string, payload []byte, subs []Subscriber, deliver DeliverFunc) {
	for _, sub := range subs {
		deliver(sub, payload)
	}
}

// Receptionist is the cluster-side gateway: it accepts envelopes from
// external clients, resolves them against the service/topic registry,
// tracks per-client liveness, and relays handler replies through
// response tunnels.
type Receptionist struct {
	cfg    *config
	logger *slog.Logger
	msink  metrics.MetricSink
	clk    clock.Clock

	tr  Transport
	mem Membership

	registry *serviceRegistry
	sessions *livenessTracker
	tunnels  *tunnelTable
	notifier *notifier
	fanout   Fanout

	localNode string
	localAddr string

	localEPs map[string]*Endpoint
	epGC     chan *Endpoint
	sendCh   chan outboundFrame

	lk       sync.Mutex
	shutdown bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewReceptionist wires the gateway together and starts its background
// loops. A transport and a membership collaborator are mandatory; both
// stay caller-owned and survive Shutdown.
func NewReceptionist(opts ...Option) (*Receptionist, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	if cfg.transport == nil || cfg.membership == nil {
		return nil, ErrInvalidCfg
	}

	localAddr, err := cfg.transport.AdvertiseAddr()
	if err != nil {
		return nil, err
	}

	r := &Receptionist{
		cfg:    cfg,
		logger: cfg.newLogger(),
		msink:  cfg.msink,
		clk:    cfg.clk,
		tr:     cfg.transport,
		mem:    cfg.membership,

		localNode: cfg.membership.LocalMember().Name,
		localAddr: localAddr,

		localEPs: make(map[string]*Endpoint),
		epGC:     make(chan *Endpoint, 64),
		sendCh:   make(chan outboundFrame, sendQueueDepth),
		stopCh:   make(chan struct{}),
	}
	r.notifier = newNotifier(r.logger, r.msink)
	r.registry = newServiceRegistry(r.localNode, cfg.rnd)
	r.sessions = newLivenessTracker(cfg, r.notifier, r.logger)
	r.tunnels = newTunnelTable(cfg.maxTunnels, cfg.tunnelTTL, r.logger, r.msink, cfg.mlabels)
	r.fanout = cfg.fanout
	if r.fanout == nil {
		r.fanout = sequentialFanout{}
	}

	r.wg.Add(3 + sendWorkers)
	go r.handlePackets()
	go r.handleMembership()
	go r.handleEndpointGC()
	for i := 0; i < sendWorkers; i++ {
		go r.handleSends()
	}

	r.logger.Info("receptionist up",
		LabelPeerName.L(r.localNode), LabelPeerAddr.L(r.localAddr))
	return r, nil
}

// RegisterService registers a handler for a service path, hosted by
// this node, and announces it to the other receptionists. Multiple
// registrations may share a path.
func (r *Receptionist) RegisterService(path string) (*Endpoint, error) {
	return r.register(path, false)
}

// SubscribeTopic registers a subscriber for a topic hosted by this
// node.
func (r *Receptionist) SubscribeTopic(topic string) (*Endpoint, error) {
	return r.register(topic, true)
}

func (r *Receptionist) register(path string, topic bool) (*Endpoint, error) {
	if !ValidPath(path) {
		return nil, ErrPathInvalid
	}

	r.lk.Lock()
	if r.shutdown {
		r.lk.Unlock()
		return nil, ErrReceptionistClosed
	}
	ep := newEndpoint(path, uuid.NewString(), topic, r.epGC)
	r.localEPs[ep.id] = ep
	r.lk.Unlock()

	entry := registryEntry{
		Path: path,
		Node: r.localNode,
		Addr: r.localAddr,
		ID:   ep.id,
		ep:   ep,
	}
	if topic {
		r.registry.subscribeTopic(entry)
	} else {
		r.registry.registerService(entry)
	}

	r.broadcastRecord(&serviceRecord{
		Path:  path,
		Node:  r.localNode,
		Addr:  r.localAddr,
		ID:    ep.id,
		Topic: topic,
	})
	return ep, nil
}

// SubscribeClients registers an observer for client set changes. The
// currently connected clients are replayed as an initial snapshot
// event, followed by incremental up/unreachable events.
func (r *Receptionist) SubscribeClients() *Subscription {
	return r.notifier.subscribe(func() Event {
		return Event{
			Kind:    EventClientsSnapshot,
			Clients: r.sessions.snapshot(),
		}
	})
}

// Shutdown releases sessions, tunnels, endpoints and background loops.
// Transport and membership are caller-owned and stay open.
func (r *Receptionist) Shutdown() error {
	r.lk.Lock()
	if r.shutdown {
		r.lk.Unlock()
		return nil
	}
	r.shutdown = true
	eps := make([]*Endpoint, 0, len(r.localEPs))
	for _, ep := range r.localEPs {
		eps = append(eps, ep)
	}
	r.lk.Unlock()

	r.logger.Info("receptionist shutting down")
	for _, ep := range eps {
		ep.Close()
	}

	close(r.stopCh)
	r.wg.Wait()
	r.sessions.stop()
	r.tunnels.release()
	r.notifier.close()
	return nil
}

func (r *Receptionist) handlePackets() {
	defer r.wg.Done()
	for {
		var pkt *memberlist.Packet
		select {
		case pkt = <-r.tr.PacketCh():
		case <-r.stopCh:
			return
		}

		fr, err := decodeFrame(pkt.Buf)
		if err != nil {
			r.logger.Warn("dropping malformed frame",
				LabelPeerAddr.L(pkt.From.String()), LabelError.L(err))
			continue
		}

		from := pkt.From.String()
		switch fr.Kind {
		case frameGetContacts:
			if fr.Client != "" {
				r.sessions.observe(fr.Client, from)
			}
			r.writeFrame(from, &frame{
				Kind:     frameContacts,
				Origin:   r.localAddr,
				Contacts: r.contactPoints(),
			})

		case frameHeartbeat:
			if fr.Client == "" {
				r.logger.Warn("dropping heartbeat without a client identity",
					LabelPeerAddr.L(from))
				continue
			}
			r.msink.IncrCounterWithLabels(MetricHeartbeatInCount, 1.0, r.cfg.mlabels)
			r.sessions.observe(fr.Client, from)
			r.writeFrame(from, &frame{Kind: frameHeartbeatAck, Origin: r.localAddr})

		case frameEnvelope:
			if fr.Envelope == nil {
				r.logger.Warn("dropping envelope frame without envelope",
					LabelPeerAddr.L(from))
				continue
			}
			if fr.Client != "" {
				// Any contact refreshes the session, not just heartbeats.
				r.sessions.observe(fr.Client, from)
			}
			r.route(fr.Client, fr.Envelope)

		case frameReply:
			r.relayLocal(fr.Token, fr.Payload)

		case frameForward:
			r.deliverForwarded(fr, from)

		default:
			r.logger.Warn("dropping unexpected frame",
				LabelPeerAddr.L(from), "kind", fr.Kind)
		}
	}
}

// contactPoints returns up to number-of-contacts receptionist
// addresses, this node first, restricted by the role filter.
func (r *Receptionist) contactPoints() []ContactPoint {
	local := r.mem.LocalMember()
	out := make([]ContactPoint, 0, r.cfg.numberOfContacts)
	if local.HasRole(r.cfg.roleFilter) {
		out = append(out, ContactPoint(r.localAddr))
	}
	for _, member := range r.mem.Members() {
		if len(out) >= r.cfg.numberOfContacts {
			break
		}
		if member.Name == local.Name || !member.HasRole(r.cfg.roleFilter) {
			continue
		}
		out = append(out, ContactPoint(member.ContactAddr()))
	}
	return out
}

func (r *Receptionist) route(client string, env *Envelope) {
	mlabels := append(r.cfg.mlabels, LabelMode.M(env.Mode.String()))
	r.msink.IncrCounterWithLabels(MetricEnvelopeInCount, 1.0, mlabels)

	switch env.Mode {
	case ModeSend:
		entry, ok := r.registry.resolveOne(env.Target, env.LocalAffinity)
		if !ok {
			// At-most-once semantics: an unresolved target is ordinary
			// message loss.
			r.msink.IncrCounterWithLabels(MetricEnvelopeDropCount, 1.0, mlabels)
			r.logger.Debug("no registration for path", LabelPath.L(env.Target))
			return
		}
		if env.ReplyToken != "" && client != "" {
			r.tunnels.open(env.ReplyToken, client)
		}
		r.deliverEntry(entry, env.Target, env.Payload, env.ReplyToken)

	case ModeSendToAll:
		entries := r.registry.resolveAll(env.Target)
		if len(entries) == 0 {
			r.msink.IncrCounterWithLabels(MetricEnvelopeDropCount, 1.0, mlabels)
			return
		}
		if env.ReplyToken != "" && client != "" {
			r.tunnels.open(env.ReplyToken, client)
		}
		for _, entry := range entries {
			r.deliverEntry(entry, env.Target, env.Payload, env.ReplyToken)
		}

	case ModePublish:
		entries := r.registry.subscribers(env.Target)
		if len(entries) == 0 {
			// Zero subscribers is a normal, silent no-op.
			return
		}
		subs := make([]Subscriber, len(entries))
		for i, entry := range entries {
			subs[i] = Subscriber{Topic: entry.Path, Node: entry.Node, Addr: entry.Addr, ID: entry.ID}
		}
		r.fanout.Publish(env.Target, env.Payload, subs, r.deliverSubscriber)

	default:
		r.logger.Warn("dropping envelope with unknown mode", LabelPath.L(env.Target))
	}
}

func (r *Receptionist) deliverSubscriber(sub Subscriber, payload []byte) {
	r.deliverEntry(registryEntry{
		Path: sub.Topic,
		Node: sub.Node,
		Addr: sub.Addr,
		ID:   sub.ID,
	}, sub.Topic, payload, "")
}

func (r *Receptionist) deliverEntry(entry registryEntry, path string, payload []byte, token string) {
	if entry.Node == r.localNode {
		ep := entry.ep
		if ep == nil {
			r.lk.Lock()
			ep = r.localEPs[entry.ID]
			r.lk.Unlock()
		}
		if ep == nil || !ep.deliver(Delivery{
			Path:       path,
			Payload:    payload,
			replyToken: token,
			origin:     r.localAddr,
			r:          r,
		}) {
			r.msink.IncrCounterWithLabels(MetricEnvelopeDropCount, 1.0, r.cfg.mlabels)
			r.logger.Debug("local endpoint shed a delivery", LabelPath.L(path))
			return
		}
		r.msink.IncrCounterWithLabels(MetricDeliveryOutCount, 1.0, r.cfg.mlabels)
		return
	}

	// One receptionist hop: forward to the node hosting the handler.
	r.msink.IncrCounterWithLabels(MetricDeliveryOutCount, 1.0, r.cfg.mlabels)
	r.writeFrame(entry.Addr, &frame{
		Kind:       frameForward,
		Path:       path,
		Payload:    payload,
		Token:      token,
		Origin:     r.localAddr,
		EndpointID: entry.ID,
	})
}

func (r *Receptionist) deliverForwarded(fr *frame, from string) {
	r.lk.Lock()
	ep, has := r.localEPs[fr.EndpointID]
	r.lk.Unlock()
	if !has {
		r.msink.IncrCounterWithLabels(MetricEnvelopeDropCount, 1.0, r.cfg.mlabels)
		r.logger.Debug("forwarded delivery for unknown endpoint",
			LabelPath.L(fr.Path), LabelPeerAddr.L(from))
		return
	}
	if !ep.deliver(Delivery{
		Path:       fr.Path,
		Payload:    fr.Payload,
		replyToken: fr.Token,
		origin:     fr.Origin,
		r:          r,
	}) {
		r.msink.IncrCounterWithLabels(MetricEnvelopeDropCount, 1.0, r.cfg.mlabels)
	}
}

// relayReply routes a handler's answer toward the tunnel it belongs
// to: locally when this receptionist holds the tunnel, otherwise one
// frame to the receptionist that does.
func (r *Receptionist) relayReply(origin, token string, payload []byte) error {
	r.lk.Lock()
	if r.shutdown {
		r.lk.Unlock()
		return ErrReceptionistClosed
	}
	r.lk.Unlock()

	if origin == "" || origin == r.localAddr {
		r.relayLocal(token, payload)
		return nil
	}
	r.writeFrame(origin, &frame{Kind: frameReply, Token: token, Payload: payload})
	return nil
}

func (r *Receptionist) relayLocal(token string, payload []byte) {
	entry, ok := r.tunnels.take(token)
	if !ok {
		// Expired, already used, or never ours: replies are best-effort.
		r.logger.Debug("reply without a live tunnel", LabelToken.L(token))
		return
	}
	addr, ok := r.sessions.lookup(entry.client)
	if !ok {
		// Replies are not buffered; a client without a live session
		// loses the answer.
		r.logger.Debug("reply for a client with no live session",
			LabelClientID.L(entry.client))
		return
	}
	r.writeFrame(addr, &frame{
		Kind:    frameReply,
		Client:  entry.client,
		Token:   token,
		Payload: payload,
	})
}

func (r *Receptionist) handleMembership() {
	defer r.wg.Done()
	for {
		var ev MembershipEvent
		select {
		case ev = <-r.mem.Events():
		case <-r.stopCh:
			return
		}

		switch ev.Kind {
		case MemberBroadcast:
			if ev.Name != serviceRecordEvent {
				continue
			}
			rec, err := decodeServiceRecord(ev.Payload)
			if err != nil {
				r.logger.Error("failed to decode a service record", LabelError.L(err))
				continue
			}
			r.applyRecord(rec)

		case MemberLeft:
			if removed := r.registry.removeNode(ev.Member.Name); removed > 0 {
				r.logger.Info("dropped registrations of departed node",
					LabelPeerName.L(ev.Member.Name), "registrations", removed)
			}

		case MemberJoined:
			if ev.Member.Name != r.localNode {
				// Cheap anti-entropy: a joiner missed our earlier
				// broadcasts, replay our local registrations.
				r.rebroadcastLocal()
			}
		}
	}
}

func (r *Receptionist) applyRecord(rec *serviceRecord) {
	if rec.Node == r.localNode {
		// Our own broadcast looping back; already applied.
		return
	}
	entry := registryEntry{Path: rec.Path, Node: rec.Node, Addr: rec.Addr, ID: rec.ID}
	switch {
	case rec.Topic && rec.Unregister:
		r.registry.unsubscribeTopic(rec.Path, rec.Node, rec.ID)
	case rec.Topic:
		r.registry.subscribeTopic(entry)
	case rec.Unregister:
		r.registry.deregisterService(rec.Path, rec.Node, rec.ID)
	default:
		r.registry.registerService(entry)
	}
}

func (r *Receptionist) rebroadcastLocal() {
	r.lk.Lock()
	eps := make([]*Endpoint, 0, len(r.localEPs))
	for _, ep := range r.localEPs {
		eps = append(eps, ep)
	}
	r.lk.Unlock()

	for _, ep := range eps {
		r.broadcastRecord(&serviceRecord{
			Path:  ep.path,
			Node:  r.localNode,
			Addr:  r.localAddr,
			ID:    ep.id,
			Topic: ep.topic,
		})
	}
}

func (r *Receptionist) handleEndpointGC() {
	defer r.wg.Done()
	for {
		var ep *Endpoint
		select {
		case ep = <-r.epGC:
		case <-r.stopCh:
			return
		}

		r.lk.Lock()
		delete(r.localEPs, ep.id)
		r.lk.Unlock()

		if ep.topic {
			r.registry.unsubscribeTopic(ep.path, r.localNode, ep.id)
		} else {
			r.registry.deregisterService(ep.path, r.localNode, ep.id)
		}
		r.broadcastRecord(&serviceRecord{
			Path:       ep.path,
			Node:       r.localNode,
			Addr:       r.localAddr,
			ID:         ep.id,
			Topic:      ep.topic,
			Unregister: true,
		})
		r.logger.Debug("released endpoint", LabelPath.L(ep.path))
	}
}

func (r *Receptionist) broadcastRecord(rec *serviceRecord) {
	payload, err := encodeServiceRecord(rec)
	if err != nil {
		r.logger.Error("failed to encode a service record", LabelError.L(err))
		return
	}
	if err := r.mem.Broadcast(serviceRecordEvent, payload); err != nil {
		r.logger.Error("failed to broadcast a service record", LabelError.L(err))
	}
}

func (r *Receptionist) writeFrame(to string, fr *frame) {
	buf, err := encodeFrame(fr)
	if err != nil {
		r.logger.Error("failed to encode frame", LabelError.L(err))
		return
	}
	select {
	case r.sendCh <- outboundFrame{to: to, buf: buf}:
	default:
		// Every frame on this channel is loss-tolerant; shedding beats
		// blocking the packet loop behind a stalled peer.
		r.msink.IncrCounterWithLabels(MetricFrameOutDroppedCount, 1.0, r.cfg.mlabels)
		r.logger.Debug("send queue full, shedding frame", LabelPeerAddr.L(to))
	}
}

func (r *Receptionist) handleSends() {
	defer r.wg.Done()
	for {
		select {
		case out := <-r.sendCh:
			if _, err := r.tr.WriteTo(out.buf, out.to); err != nil {
				r.logger.Debug("frame write failed",
					LabelPeerAddr.L(out.to), LabelError.L(err))
			}
		case <-r.stopCh:
			return
		}
	}
}
