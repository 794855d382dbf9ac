// Package discovery provides contact bootstrap backends for cluster
// clients that cannot hardcode receptionist addresses.
package discovery

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"sort"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/anteroom/anteroom"
)

// ErrClosed is returned by operations on a closed provider.
var ErrClosed = errors.New("discovery: provider closed")

const (
	defaultPrefix      = "/anteroom/contacts/"
	defaultDialTimeout = 5 * time.Second
	defaultLeaseTTL    = 10
)

// EtcdConfig configures an etcd-backed contacts provider.
type EtcdConfig struct {
	// Endpoints of the etcd cluster.
	Endpoints []string

	// Prefix under which receptionists publish their advertise
	// addresses. Defaults to "/anteroom/contacts/".
	Prefix string

	// DialTimeout bounds the initial connection to etcd.
	DialTimeout time.Duration

	// LeaseTTL is the registration lease in seconds. A receptionist
	// that stops refreshing disappears from the contact list after at
	// most this long.
	LeaseTTL int64

	LogHandler slog.Handler
}

// Etcd publishes receptionist advertise addresses under a common
// prefix and lets clients fetch or watch the resulting contact list.
// Registrations are leased, so crashed receptionists age out on their
// own.
type Etcd struct {
	cli    *clientv3.Client
	prefix string
	ttl    int64
	logger *slog.Logger

	lk      sync.Mutex
	cancels []context.CancelFunc
	closed  bool
}

// NewEtcd connects to the etcd cluster and returns a provider. The
// caller owns the provider and must Close it.
func NewEtcd(cfg EtcdConfig) (*Etcd, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.LogHandler == nil {
		cfg.LogHandler = slog.Default().Handler()
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, err
	}

	return &Etcd{
		cli:    cli,
		prefix: cfg.Prefix,
		ttl:    cfg.LeaseTTL,
		logger: slog.New(cfg.LogHandler).With("component", "discovery.etcd"),
	}, nil
}

// Register publishes a receptionist's advertise address under the
// provider prefix, attached to a lease refreshed in the background
// until the provider is closed.
func (e *Etcd) Register(ctx context.Context, name, addr string) error {
	lease, err := e.cli.Grant(ctx, e.ttl)
	if err != nil {
		return err
	}

	key := path.Join(e.prefix, name)
	if _, err := e.cli.Put(ctx, key, addr, clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	e.lk.Lock()
	if e.closed {
		e.lk.Unlock()
		cancel()
		return ErrClosed
	}
	e.cancels = append(e.cancels, cancel)
	e.lk.Unlock()

	ka, err := e.cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return err
	}

	go func() {
		for range ka {
		}
		e.logger.Debug("lease keep-alive stopped", "key", key)
	}()

	e.logger.Info("registered contact", "key", key, "addr", addr)
	return nil
}

// Contacts fetches the current contact list, sorted for stable
// round-robin starts across clients.
func (e *Etcd) Contacts(ctx context.Context) ([]anteroom.ContactPoint, error) {
	resp, err := e.cli.Get(ctx, e.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	out := make([]anteroom.ContactPoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, anteroom.ContactPoint(kv.Value))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Watch emits a full contact snapshot on every change under the
// prefix, starting with the current state. The channel closes when ctx
// is cancelled.
func (e *Etcd) Watch(ctx context.Context) (<-chan []anteroom.ContactPoint, error) {
	resp, err := e.cli.Get(ctx, e.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	known := make(map[string]anteroom.ContactPoint, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		known[string(kv.Key)] = anteroom.ContactPoint(kv.Value)
	}

	out := make(chan []anteroom.ContactPoint, 1)
	out <- snapshotContacts(known)

	wch := e.cli.Watch(ctx, e.prefix,
		clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))

	go func() {
		defer close(out)
		for wresp := range wch {
			if err := wresp.Err(); err != nil {
				e.logger.Error("contact watch failed", "error", err)
				return
			}
			for _, ev := range wresp.Events {
				switch ev.Type {
				case clientv3.EventTypePut:
					known[string(ev.Kv.Key)] = anteroom.ContactPoint(ev.Kv.Value)
				case clientv3.EventTypeDelete:
					delete(known, string(ev.Kv.Key))
				}
			}
			select {
			case out <- snapshotContacts(known):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close cancels lease refreshes and releases the etcd client. Leased
// registrations expire on their own afterwards.
func (e *Etcd) Close() error {
	e.lk.Lock()
	if e.closed {
		e.lk.Unlock()
		return nil
	}
	e.closed = true
	cancels := e.cancels
	e.cancels = nil
	e.lk.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return e.cli.Close()
}

func snapshotContacts(known map[string]anteroom.ContactPoint) []anteroom.ContactPoint {
	out := make([]anteroom.ContactPoint, 0, len(known))
	for _, cp := range known {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
