package anteroom

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/serf/serf"
)

// Tags receptionist nodes advertise through the membership layer.
const (
	// TagRole marks what a member does; the receptionist role filter
	// matches against it.
	TagRole = "role"

	// TagContactAddr carries the member's frame-transport address,
	// which is what clients get handed as a contact point. The gossip
	// bind address is used when absent.
	TagContactAddr = "anteroom_addr"
)

// Member is one node of the cluster as seen by the membership
// collaborator.
type Member struct {
	Name string
	Addr string
	Tags map[string]string
}

// ContactAddr returns the address clients should use to reach this
// member's receptionist.
func (m Member) ContactAddr() string {
	if addr, ok := m.Tags[TagContactAddr]; ok && addr != "" {
		return addr
	}
	return m.Addr
}

// HasRole reports whether the member carries the given role tag. An
// empty role matches everything.
func (m Member) HasRole(role string) bool {
	return role == "" || m.Tags[TagRole] == role
}

type MembershipEventKind uint8

const (
	MemberJoined MembershipEventKind = iota + 1
	MemberLeft
	MemberUpdated
	// MemberBroadcast is a cluster-wide user event; the receptionist
	// uses these to propagate service registrations.
	MemberBroadcast
)

// MembershipEvent is a structural change or broadcast observed on the
// cluster.
type MembershipEvent struct {
	Kind   MembershipEventKind
	Member Member

	// Name and Payload are set on MemberBroadcast events.
	Name    string
	Payload []byte
}

// Membership is the cluster membership collaborator the receptionist
// depends on: who is in the cluster, who left, and a best-effort
// cluster-wide broadcast primitive.
type Membership interface {
	LocalMember() Member
	Members() []Member
	Broadcast(name string, payload []byte) error
	Events() <-chan MembershipEvent
	Close() error
}

// SerfMembershipConfig configures the serf-backed membership adapter.
type SerfMembershipConfig struct {
	// NodeName must be unique across the cluster.
	NodeName string

	// BindAddr and BindPort are the gossip listener.
	BindAddr string
	BindPort int

	// Tags advertised to the cluster; set TagRole and TagContactAddr
	// here.
	Tags map[string]string

	// Neighbours are tried initially to join the cluster.
	Neighbours []string

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// SerfMembership implements Membership over hashicorp/serf gossip.
type SerfMembership struct {
	logger  *slog.Logger
	serf    *serf.Serf
	eventCh chan serf.Event
	outCh   chan MembershipEvent

	lk       sync.Mutex
	shutdown bool
	dropCh   chan struct{}
	wg       sync.WaitGroup
}

var _ Membership = (*SerfMembership)(nil)

// NewSerfMembership creates the gossip layer and, when neighbours are
// configured, joins the cluster.
func NewSerfMembership(cfg *SerfMembershipConfig) (*SerfMembership, error) {
	m := &SerfMembership{
		eventCh: make(chan serf.Event, 512),
		outCh:   make(chan MembershipEvent, 512),
		dropCh:  make(chan struct{}),
	}

	if cfg.LogHandler != nil {
		m.logger = slog.New(cfg.LogHandler)
	} else {
		m.logger = slog.Default()
	}

	serfCfg := serf.DefaultConfig()
	serfCfg.NodeName = cfg.NodeName
	serfCfg.Tags = cfg.Tags
	serfCfg.EventCh = m.eventCh
	serfCfg.LeavePropagateDelay = 4 * time.Second
	serfCfg.MemberlistConfig.ProbeTimeout = 2 * time.Second
	// We don't make routing decisions, we don't need coordinates.
	serfCfg.DisableCoordinates = true
	serfCfg.ValidateNodeNames = true
	// Registration records don't need real-time propagation; coalescing
	// saves bandwidth.
	serfCfg.CoalescePeriod = 5 * time.Second
	serfCfg.UserCoalescePeriod = 10 * time.Second
	serfCfg.QuiescentPeriod = 1 * time.Second
	serfCfg.UserQuiescentPeriod = 2 * time.Second
	if cfg.BindAddr != "" {
		serfCfg.MemberlistConfig.BindAddr = cfg.BindAddr
	}
	if cfg.BindPort != 0 {
		serfCfg.MemberlistConfig.BindPort = cfg.BindPort
	}
	if cfg.LogHandler != nil {
		serfCfg.Logger = slog.NewLogLogger(cfg.LogHandler, slog.LevelDebug)
	} else {
		serfCfg.Logger = slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug)
	}
	serfCfg.MemberlistConfig.Logger = serfCfg.Logger

	sf, err := serf.Create(serfCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	m.serf = sf

	m.wg.Add(1)
	go m.translateEvents()

	if len(cfg.Neighbours) > 0 {
		joined, err := sf.Join(cfg.Neighbours, true)
		if err != nil {
			sf.Shutdown()
			return nil, fmt.Errorf("membership: could not join cluster: %w", err)
		}
		if joined != len(cfg.Neighbours) {
			m.logger.Warn("not all neighbours are reachable",
				"joined", joined, "expected", len(cfg.Neighbours))
		}
		m.logger.Info("cluster joined")
	}

	return m, nil
}

func (m *SerfMembership) LocalMember() Member {
	return fromSerfMember(m.serf.LocalMember())
}

func (m *SerfMembership) Members() []Member {
	var out []Member
	for _, sm := range m.serf.Members() {
		if sm.Status != serf.StatusAlive {
			continue
		}
		out = append(out, fromSerfMember(sm))
	}
	return out
}

func (m *SerfMembership) Broadcast(name string, payload []byte) error {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.shutdown {
		return ErrMembershipClosed
	}
	return m.serf.UserEvent(name, payload, true)
}

func (m *SerfMembership) Events() <-chan MembershipEvent {
	return m.outCh
}

func (m *SerfMembership) Close() error {
	m.lk.Lock()
	if m.shutdown {
		m.lk.Unlock()
		return nil
	}
	m.shutdown = true
	m.lk.Unlock()

	m.serf.Leave()
	close(m.dropCh)
	m.serf.Shutdown()
	m.wg.Wait()
	<-m.serf.ShutdownCh()
	return nil
}

func (m *SerfMembership) translateEvents() {
	defer m.wg.Done()
	for {
		var event serf.Event
		select {
		case event = <-m.eventCh:
		case <-m.dropCh:
			return
		}

		switch event := event.(type) {
		case serf.MemberEvent:
			kind := MemberUpdated
			switch event.EventType() {
			case serf.EventMemberJoin:
				kind = MemberJoined
			case serf.EventMemberLeave, serf.EventMemberFailed, serf.EventMemberReap:
				kind = MemberLeft
			}
			for _, sm := range event.Members {
				m.emit(MembershipEvent{Kind: kind, Member: fromSerfMember(sm)})
			}

		case serf.UserEvent:
			m.emit(MembershipEvent{
				Kind:    MemberBroadcast,
				Name:    event.Name,
				Payload: event.Payload,
			})
		}
	}
}

func (m *SerfMembership) emit(ev MembershipEvent) {
	select {
	case m.outCh <- ev:
	case <-m.dropCh:
	}
}

func fromSerfMember(sm serf.Member) Member {
	return Member{
		Name: sm.Name,
		Addr: fmt.Sprintf("%s:%d", sm.Addr, sm.Port),
		Tags: sm.Tags,
	}
}

// StaticMembership is a fixed, in-process Membership for single-node
// deployments and tests. Broadcasts loop back to the local event
// channel so the owning receptionist applies its own records the same
// way it applies remote ones.
type StaticMembership struct {
	lk      sync.Mutex
	local   Member
	members []Member
	outCh   chan MembershipEvent
	closed  bool
}

var _ Membership = (*StaticMembership)(nil)

func NewStaticMembership(local Member, peers ...Member) *StaticMembership {
	return &StaticMembership{
		local:   local,
		members: append([]Member{local}, peers...),
		outCh:   make(chan MembershipEvent, 512),
	}
}

func (m *StaticMembership) LocalMember() Member {
	m.lk.Lock()
	defer m.lk.Unlock()
	return m.local
}

func (m *StaticMembership) Members() []Member {
	m.lk.Lock()
	defer m.lk.Unlock()
	return append([]Member(nil), m.members...)
}

func (m *StaticMembership) Broadcast(name string, payload []byte) error {
	return m.Emit(MembershipEvent{Kind: MemberBroadcast, Name: name, Payload: payload})
}

// Emit injects a membership event, standing in for gossip arrival.
func (m *StaticMembership) Emit(ev MembershipEvent) error {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.closed {
		return ErrMembershipClosed
	}
	select {
	case m.outCh <- ev:
		return nil
	default:
		return fmt.Errorf("membership: event channel full")
	}
}

func (m *StaticMembership) Events() <-chan MembershipEvent {
	return m.outCh
}

func (m *StaticMembership) Close() error {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.closed = true
	return nil
}
