package anteroom

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"

	"github.com/anteroom/anteroom/pkg/detector"
)

// clientSession tracks one connected external client: its identity, the
// address its link currently answers on, and a failure detector fed by
// its heartbeats and envelopes.
type clientSession struct {
	id   string
	addr string
	fd   *detector.Deadline
}

// livenessTracker owns the receptionist's client sessions. A periodic
// sweep evaluates every session's availability; the first transition to
// unavailable removes the session and emits a client-unreachable event.
// A client re-contacting after removal gets a fresh session and a fresh
// client-up event; flapping is only dampened by the detector's pause
// window.
type livenessTracker struct {
	mu       sync.Mutex
	sessions map[string]*clientSession

	clk      clock.Clock
	interval time.Duration
	pause    time.Duration
	sweep    time.Duration

	notifier *notifier
	logger   *slog.Logger
	msink    metrics.MetricSink
	mlabels  []metrics.Label

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newLivenessTracker(cfg *config, notif *notifier, logger *slog.Logger) *livenessTracker {
	lt := &livenessTracker{
		sessions: make(map[string]*clientSession),
		clk:      cfg.clk,
		interval: cfg.heartbeatInterval,
		pause:    cfg.acceptablePause,
		sweep:    cfg.sweepInterval,
		notifier: notif,
		logger:   logger,
		msink:    cfg.msink,
		mlabels:  cfg.mlabels,
		stopCh:   make(chan struct{}),
	}
	lt.wg.Add(1)
	go lt.run()
	return lt
}

// observe records contact from a client, creating a session on first
// sight. Any contact counts as a liveness signal, not just heartbeats.
func (lt *livenessTracker) observe(id, addr string) {
	lt.mu.Lock()
	session, has := lt.sessions[id]
	if has {
		session.addr = addr
		session.fd.Heartbeat()
		lt.mu.Unlock()
		return
	}

	lt.sessions[id] = &clientSession{
		id:   id,
		addr: addr,
		fd:   detector.NewDeadline(lt.clk, lt.interval, lt.pause),
	}
	depth := len(lt.sessions)
	lt.mu.Unlock()

	lt.msink.IncrCounterWithLabels(MetricClientUpCount, 1.0, lt.mlabels)
	lt.msink.SetGaugeWithLabels(MetricSessionsGauge, float32(depth), lt.mlabels)
	lt.logger.Info("cluster client up", LabelClientID.L(id), LabelPeerAddr.L(addr))
	lt.notifier.publish(Event{Kind: EventClientUp, Client: id})
}

// lookup returns the link address of a live client.
func (lt *livenessTracker) lookup(id string) (string, bool) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	session, has := lt.sessions[id]
	if !has {
		return "", false
	}
	return session.addr, true
}

// snapshot returns the ids of the currently connected clients.
func (lt *livenessTracker) snapshot() []string {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	out := make([]string, 0, len(lt.sessions))
	for id := range lt.sessions {
		out = append(out, id)
	}
	return out
}

func (lt *livenessTracker) run() {
	defer lt.wg.Done()
	ticker := lt.clk.Ticker(lt.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			lt.sweepOnce()
		case <-lt.stopCh:
			return
		}
	}
}

func (lt *livenessTracker) sweepOnce() {
	var lost []string

	lt.mu.Lock()
	for id, session := range lt.sessions {
		if !session.fd.Available() {
			delete(lt.sessions, id)
			lost = append(lost, id)
		}
	}
	depth := len(lt.sessions)
	lt.mu.Unlock()

	for _, id := range lost {
		lt.msink.IncrCounterWithLabels(MetricClientLostCount, 1.0, lt.mlabels)
		lt.logger.Warn("cluster client unreachable", LabelClientID.L(id))
		lt.notifier.publish(Event{Kind: EventClientUnreachable, Client: id})
	}
	if len(lost) > 0 {
		lt.msink.SetGaugeWithLabels(MetricSessionsGauge, float32(depth), lt.mlabels)
	}
}

// stop cancels the sweep and releases every session.
func (lt *livenessTracker) stop() {
	close(lt.stopCh)
	lt.wg.Wait()

	lt.mu.Lock()
	lt.sessions = make(map[string]*clientSession)
	lt.mu.Unlock()
}
