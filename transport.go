package anteroom

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/quic-go/quic-go"
)

// Transport moves opaque frames between nodes. It mirrors the packet
// half of memberlist's transport contract: addressed, unordered,
// at-most-once datagrams with no connection semantics exposed to the
// caller.
type Transport interface {
	// WriteTo sends a packet to the given "host:port" address. A nil
	// error only means the packet was handed to the wire, not that it
	// arrived.
	WriteTo(b []byte, addr string) (time.Time, error)

	// PacketCh delivers inbound packets.
	PacketCh() <-chan *memberlist.Packet

	// AdvertiseAddr is the address remote peers can reach us on.
	AdvertiseAddr() (string, error)

	// Shutdown releases the transport's resources.
	Shutdown() error
}

const defaultUDPBufferSize int = 1 << 21

// QUICTransportConfig configures the production QUIC transport.
type QUICTransportConfig struct {
	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize crashes if the kernel doesn't allocate what we
	// asked. If false, the request is halved until it fits or fails.
	EnforceBufferSize bool

	// TlsConfig should be configured to ensure mTLS is enabled between
	// the peers.
	TlsConfig *tls.Config

	// BindAddr and BindPort are where we listen.
	BindAddr string
	BindPort int

	// DialTimeout controls how much time we wait for connection
	// establishment.
	DialTimeout time.Duration

	// MetricLabels to add to every metric emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// QUICTransport carries frames as QUIC datagrams. Connections are dialed
// on demand, cached per remote address, and replaced transparently when
// they break; the datagram contract the rest of the package relies on
// stays fire-and-forget.
type QUICTransport struct {
	cfg    *QUICTransportConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	// graceful termination asked, do not spam connection errors in logs
	gracefulTerm atomic.Bool

	packetCh chan *memberlist.Packet

	cxs    map[string]*hostCx
	cxLock sync.RWMutex

	tlsConf *tls.Config

	tr    *quic.Transport
	ln    *quic.Listener
	udpLn *net.UDPConn
}

type hostCx struct {
	closeCh chan struct{}
	quic.Connection
}

var _ Transport = (*QUICTransport)(nil)

func NewQUICTransport(cfg *QUICTransportConfig) (t *QUICTransport, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	t = &QUICTransport{
		cfg:      cfg,
		tlsConf:  cfg.TlsConfig.Clone(),
		packetCh: make(chan *memberlist.Packet),
		cxs:      make(map[string]*hostCx),
	}
	if len(t.tlsConf.NextProtos) == 0 {
		t.tlsConf.NextProtos = []string{"anteroom"}
	}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		t.msink = &metrics.BlackholeSink{}
	} else {
		t.msink = cfg.MetricSink
	}

	defer func() {
		if err != nil {
			t.Shutdown()
		}
	}()

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}

	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: cfg.BindPort})
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}
	if err := t.negotiateBufferSize(requested); err != nil {
		return nil, err
	}

	t.tr = &quic.Transport{Conn: udpLn}

	ln, err := t.tr.Listen(t.tlsConf, &quic.Config{
		Versions:        []quic.Version{quic.Version2, quic.Version1},
		EnableDatagrams: true,
		MaxIdleTimeout:  1 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}
	t.ln = ln

	go t.acceptCx()
	return t, nil
}

func (t *QUICTransport) AdvertiseAddr() (string, error) {
	if t.udpLn == nil {
		return "", ErrUdpNotAvailable
	}
	return t.udpLn.LocalAddr().String(), nil
}

func (t *QUICTransport) WriteTo(b []byte, addr string) (time.Time, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DialTimeout)
	defer cancel()

	cx, err := t.getActiveCx(ctx, addr)
	if err != nil {
		return time.Time{}, err
	}

	ts := time.Now()
	err = cx.SendDatagram(b)
	if err == nil {
		t.msink.IncrCounterWithLabels(
			MetricQuicDatagramOutBytes,
			float32(len(b)),
			append(t.cfg.MetricLabels, LabelPeerAddr.M(addr)),
		)
	} else {
		t.msink.IncrCounterWithLabels(
			MetricQuicDatagramOutErrorCount,
			1.0,
			append(t.cfg.MetricLabels, LabelPeerAddr.M(addr)),
		)
	}
	return ts, err
}

func (t *QUICTransport) PacketCh() <-chan *memberlist.Packet {
	return t.packetCh
}

func (t *QUICTransport) Shutdown() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		return nil
	}

	t.cxLock.Lock()
	for _, cx := range t.cxs {
		close(cx.closeCh)
		cx.CloseWithError(quic.ApplicationErrorCode(0x3), "shutdown: bye!")
	}
	t.cxs = make(map[string]*hostCx)
	t.cxLock.Unlock()

	if t.ln != nil {
		t.ln.Close()
	}
	if t.tr != nil {
		t.tr.Close()
	}
	if t.udpLn != nil {
		t.udpLn.Close()
	}
	return nil
}

func (t *QUICTransport) negotiateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := t.udpLn.SetReadBuffer(size); err != nil {
			if t.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		t.msink.SetGaugeWithLabels(
			MetricQuicUDPBufferSizeBytes,
			float32(size),
			t.cfg.MetricLabels,
		)
		return nil
	}
	return ErrBufferSize
}

func (t *QUICTransport) acceptCx() {
	for {
		conn, err := t.ln.Accept(context.Background())
		if err != nil {
			if !t.gracefulTerm.Load() {
				t.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}
		t.trackCx(conn)
	}
}

func (t *QUICTransport) getActiveCx(ctx context.Context, addr string) (*hostCx, error) {
	t.cxLock.RLock()
	cx, has := t.cxs[addr]
	if has && cx.Context().Err() == nil {
		t.cxLock.RUnlock()
		return cx, nil
	}
	t.cxLock.RUnlock()
	return t.dial(ctx, addr)
}

func (t *QUICTransport) dial(ctx context.Context, target string) (*hostCx, error) {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	conn, err := t.tr.Dial(ctx, addr, t.tlsConf, &quic.Config{
		Versions:        []quic.Version{quic.Version2, quic.Version1},
		EnableDatagrams: true,
		MaxIdleTimeout:  1 * time.Minute,
	})
	if t.gracefulTerm.Load() {
		return nil, ErrShutdown
	}
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricQuicConnErrorCount,
			1.0,
			append(t.cfg.MetricLabels, LabelPeerAddr.M(target)),
		)
		return nil, err
	}

	return t.trackCx(conn), nil
}

func (t *QUICTransport) trackCx(conn quic.Connection) *hostCx {
	peer := conn.RemoteAddr().String()
	cx := &hostCx{
		closeCh:    make(chan struct{}),
		Connection: conn,
	}

	t.cxLock.Lock()
	if prev, has := t.cxs[peer]; has && prev.Context().Err() == nil {
		// Keep the fresher connection; the remote side re-dialed us.
		close(prev.closeCh)
		prev.CloseWithError(quic.ApplicationErrorCode(0x1), "superseded")
	}
	t.cxs[peer] = cx
	t.cxLock.Unlock()

	t.msink.IncrCounterWithLabels(
		MetricQuicConnEstCount,
		1.0,
		append(t.cfg.MetricLabels, LabelPeerAddr.M(peer)),
	)

	go t.waitForDatagrams(cx)
	return cx
}

func (t *QUICTransport) waitForDatagrams(cx *hostCx) {
	remoteAddr := cx.RemoteAddr()
	ctx := cx.Context()
	logger := t.logger.With("remote", remoteAddr)
	mLabels := append(t.cfg.MetricLabels, LabelPeerAddr.M(remoteAddr.String()))

	for {
		buf, err := cx.ReceiveDatagram(ctx)
		ts := time.Now()
		if t.gracefulTerm.Load() {
			logger.Debug("datagram listener gracefully shutting down")
			return
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.msink.IncrCounterWithLabels(
				MetricQuicDatagramInErrorCount,
				1.0,
				append(mLabels, LabelError.M("unknown")),
			)
			logger.Error("error receiving datagram", LabelError.L(err))
			continue
		}

		if len(buf) < 1 {
			t.msink.IncrCounterWithLabels(
				MetricQuicDatagramInErrorCount,
				1.0,
				append(mLabels, LabelError.M("too_small")),
			)
			logger.Error("received a too short datagram")
			continue
		}

		t.msink.IncrCounterWithLabels(MetricQuicDatagramInBytes, float32(len(buf)), mLabels)
		select {
		case t.packetCh <- &memberlist.Packet{
			Buf:       buf,
			From:      remoteAddr,
			Timestamp: ts,
		}:
		case <-cx.closeCh:
			return
		}
	}
}
