package anteroom

import (
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
)

type config struct {
	// shared
	logHandler slog.Handler
	msink      metrics.MetricSink
	mlabels    []metrics.Label
	clk        clock.Clock
	rnd        *rand.Rand
	transport  Transport

	// client side
	contacts          []ContactPoint
	establishInterval time.Duration
	refreshInterval   time.Duration
	heartbeatInterval time.Duration
	acceptablePause   time.Duration
	bufferCapacity    int
	bufferCapacitySet bool
	reconnectTimeout  time.Duration
	maxContacts       int

	// receptionist side
	membership       Membership
	fanout           Fanout
	roleFilter       string
	numberOfContacts int
	tunnelTTL        time.Duration
	maxTunnels       int
	sweepInterval    time.Duration
}

// Option to pass to NewClusterClient or NewReceptionist. Options not
// relevant to the constructed side are ignored.
type Option func(*config) error

// WithTransport sets the Transport frames travel on. Mandatory.
func WithTransport(tr Transport) Option {
	return func(c *config) error {
		if tr == nil {
			return fmt.Errorf("a transport is required")
		}
		c.transport = tr
		return nil
	}
}

// WithContacts sets the initial receptionist contact points. A client
// needs at least one.
func WithContacts(addrs ...string) Option {
	return func(c *config) error {
		for _, addr := range addrs {
			if addr == "" {
				return fmt.Errorf("empty contact point")
			}
			c.contacts = append(c.contacts, ContactPoint(addr))
		}
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to choose how to collect the metrics
// emitted by this package.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to every metric emitted.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.mlabels = labels
		return nil
	}
}

// WithClock injects the clock driving every periodic task. Tests pass a
// mock; production code never needs this.
func WithClock(clk clock.Clock) Option {
	return func(c *config) error {
		c.clk = clk
		return nil
	}
}

// WithRand injects the random source used for registration picks, so
// routing decisions are reproducible in tests.
func WithRand(rnd *rand.Rand) Option {
	return func(c *config) error {
		c.rnd = rnd
		return nil
	}
}

// WithEstablishInterval controls how often an unconnected client probes
// the next contact point.
func WithEstablishInterval(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return fmt.Errorf("establish interval must be positive")
		}
		c.establishInterval = d
		return nil
	}
}

// WithRefreshInterval controls how often a connected client asks its
// link for an updated contact list.
func WithRefreshInterval(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return fmt.Errorf("refresh interval must be positive")
		}
		c.refreshInterval = d
		return nil
	}
}

// WithHeartbeat sets the heartbeat interval and the acceptable pause
// before a silent peer is declared unavailable. Used by the client for
// its active link and by the receptionist for its client sessions.
func WithHeartbeat(interval, acceptablePause time.Duration) Option {
	return func(c *config) error {
		if interval <= 0 || acceptablePause < 0 {
			return fmt.Errorf("invalid heartbeat timings")
		}
		c.heartbeatInterval = interval
		c.acceptablePause = acceptablePause
		return nil
	}
}

// WithBufferCapacity bounds the client's outbound buffer. Zero disables
// buffering: envelopes produced while no link is active are dropped.
func WithBufferCapacity(capacity int) Option {
	return func(c *config) error {
		if capacity < 0 || capacity > MaxBufferCapacity {
			return fmt.Errorf("buffer capacity must be in [0, %d]", MaxBufferCapacity)
		}
		c.bufferCapacity = capacity
		c.bufferCapacitySet = true
		return nil
	}
}

// WithReconnectTimeout makes the client give up and terminate when it
// has been without an active link for longer than d. Zero (the default)
// retries forever.
func WithReconnectTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d < 0 {
			return fmt.Errorf("reconnect timeout cannot be negative")
		}
		c.reconnectTimeout = d
		return nil
	}
}

// WithMaxContacts caps the client's contact set; the stalest entries
// are evicted past the cap.
func WithMaxContacts(n int) Option {
	return func(c *config) error {
		if n < 0 {
			return fmt.Errorf("max contacts cannot be negative")
		}
		c.maxContacts = n
		return nil
	}
}

// WithMembership sets the receptionist's cluster membership
// collaborator. Mandatory for receptionists.
func WithMembership(m Membership) Option {
	return func(c *config) error {
		if m == nil {
			return fmt.Errorf("a membership collaborator is required")
		}
		c.membership = m
		return nil
	}
}

// WithFanout sets the pub/sub fan-out collaborator used to deliver a
// published payload to the resolved subscribers.
func WithFanout(f Fanout) Option {
	return func(c *config) error {
		c.fanout = f
		return nil
	}
}

// WithRoleFilter restricts which cluster members are handed out as
// contact points: only members whose "role" tag matches. Empty matches
// every member.
func WithRoleFilter(role string) Option {
	return func(c *config) error {
		c.roleFilter = role
		return nil
	}
}

// WithNumberOfContacts controls how many contact points a receptionist
// returns per refresh.
func WithNumberOfContacts(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return fmt.Errorf("number of contacts must be positive")
		}
		c.numberOfContacts = n
		return nil
	}
}

// WithTunnelTTL sets the inactivity timeout after which a response
// tunnel is discarded even if the handler never replied.
func WithTunnelTTL(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return fmt.Errorf("tunnel TTL must be positive")
		}
		c.tunnelTTL = d
		return nil
	}
}

// WithMaxTunnels bounds the number of simultaneously open response
// tunnels.
func WithMaxTunnels(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return fmt.Errorf("max tunnels must be positive")
		}
		c.maxTunnels = n
		return nil
	}
}

// WithSweepInterval controls how often the receptionist evaluates every
// client session's availability.
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return fmt.Errorf("sweep interval must be positive")
		}
		c.sweepInterval = d
		return nil
	}
}

func newConfig(opts []Option) (*config, error) {
	c := &config{}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if c.clk == nil {
		c.clk = clock.New()
	}
	if c.rnd == nil {
		c.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if c.msink == nil {
		c.msink = &metrics.BlackholeSink{}
	}

	// Defaults tuned for a LAN; every one of them is overridable.
	if c.establishInterval == 0 {
		c.establishInterval = 3 * time.Second
	}
	if c.refreshInterval == 0 {
		c.refreshInterval = 60 * time.Second
	}
	if c.heartbeatInterval == 0 {
		c.heartbeatInterval = 2 * time.Second
	}
	if c.acceptablePause == 0 {
		c.acceptablePause = 13 * time.Second
	}
	if !c.bufferCapacitySet {
		c.bufferCapacity = 1000
	}
	if c.maxContacts == 0 {
		c.maxContacts = 100
	}
	if c.numberOfContacts == 0 {
		c.numberOfContacts = 3
	}
	if c.tunnelTTL == 0 {
		c.tunnelTTL = 30 * time.Second
	}
	if c.maxTunnels == 0 {
		c.maxTunnels = 4096
	}
	if c.sweepInterval == 0 {
		c.sweepInterval = 1 * time.Second
	}
	return c, nil
}

func (c *config) newLogger() *slog.Logger {
	if c.logHandler != nil {
		return slog.New(c.logHandler)
	}
	return slog.Default()
}
