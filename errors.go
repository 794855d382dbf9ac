package anteroom

import (
	"errors"
)

var (
	ErrPathInvalid = errors.New("anteroom: paths must only contain alphanum, dashes, dots, slashes and be less than 128 chars")

	ErrInvalidCfg       = errors.New("client: invalid options")
	ErrNoContacts       = errors.New("client: at least one initial contact point is required")
	ErrClientClosed     = errors.New("client: closed")
	ErrReconnectTimeout = errors.New("client: no receptionist reachable within the reconnect timeout")

	ErrReceptionistClosed = errors.New("receptionist: shutting down")
	ErrEndpointClosed     = errors.New("receptionist: endpoint closed")
	ErrNoReplyTunnel      = errors.New("receptionist: delivery carries no reply token")

	ErrNoTLSConfig     = errors.New("transport: TlsConfig is required")
	ErrInvalidAddr     = errors.New("transport: the address you provided is invalid")
	ErrShutdown        = errors.New("transport: shutting down")
	ErrBufferSize      = errors.New("transport: could not allocate udp buffer")
	ErrUdpNotAvailable = errors.New("transport: UDP listener not available")

	ErrMembershipClosed = errors.New("membership: shutting down")
)
