package anteroom

import (
	"fmt"
	"regexp"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

const MaxPathLength = 128

var invalidPath = regexp.MustCompile(`[^A-Za-z0-9\-\./]+`)

// ValidPath reports whether a service path or topic name is acceptable.
func ValidPath(path string) bool {
	return path != "" && len(path) <= MaxPathLength && !invalidPath.MatchString(path)
}

// DispatchMode selects how an envelope is resolved against the registry.
type DispatchMode uint8

const (
	// ModeSend delivers to exactly one registration of the target path.
	ModeSend DispatchMode = iota
	// ModeSendToAll delivers to every registration of the target path.
	ModeSendToAll
	// ModePublish delivers to every subscriber of the target topic.
	ModePublish
)

func (m DispatchMode) String() string {
	switch m {
	case ModeSend:
		return "send"
	case ModeSendToAll:
		return "send-to-all"
	case ModePublish:
		return "publish"
	default:
		return "unknown"
	}
}

// Envelope is one unit of outbound work: a payload plus its routing
// metadata. Envelopes are owned by the client's message buffer until
// handed off to an active link.
type Envelope struct {
	// Target is a service path (Send, SendToAll) or topic name (Publish).
	Target string `codec:"t"`

	Payload []byte       `codec:"p"`
	Mode    DispatchMode `codec:"m"`

	// LocalAffinity asks the resolving receptionist to prefer a
	// registration hosted on its own node. Send only.
	LocalAffinity bool `codec:"l,omitempty"`

	// ReplyToken, when non-empty, makes the receptionist open a response
	// tunnel so a handler can answer without learning the client address.
	ReplyToken string `codec:"r,omitempty"`
}

type frameKind uint8

const (
	frameGetContacts frameKind = iota + 1
	frameContacts
	frameHeartbeat
	frameHeartbeatAck
	frameEnvelope
	frameReply
	frameForward
)

// frame is the single wire message of the client/receptionist protocol.
// Fields are populated according to Kind; unknown or short frames are
// dropped by the receiving side.
type frame struct {
	Kind frameKind `codec:"k"`

	// Client identifies the sending client on Heartbeat and Envelope
	// frames, and the reply recipient on Reply frames.
	Client string `codec:"c,omitempty"`

	Contacts []ContactPoint `codec:"cs,omitempty"`
	Envelope *Envelope      `codec:"e,omitempty"`

	// Token correlates a Reply with the tunnel opened for its request.
	Token   string `codec:"tk,omitempty"`
	Payload []byte `codec:"p,omitempty"`

	// Origin is the address of the receptionist holding the reply
	// tunnel, carried on Forward frames so the hosting node can route
	// the handler's answer back.
	Origin string `codec:"o,omitempty"`

	// Path and EndpointID address the hosting node's local endpoint on
	// Forward frames.
	Path       string `codec:"pa,omitempty"`
	EndpointID string `codec:"id,omitempty"`
}

var msgpackHandle = &codec.MsgpackHandle{}

func encodeFrame(fr *frame) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, msgpackHandle)
	if err := enc.Encode(fr); err != nil {
		return nil, fmt.Errorf("anteroom: failed to encode frame: %w", err)
	}
	return buf, nil
}

func decodeFrame(b []byte) (*frame, error) {
	fr := &frame{}
	dec := codec.NewDecoderBytes(b, msgpackHandle)
	if err := dec.Decode(fr); err != nil {
		return nil, fmt.Errorf("anteroom: failed to decode frame: %w", err)
	}
	if fr.Kind == 0 {
		return nil, fmt.Errorf("anteroom: frame carries no kind")
	}
	return fr, nil
}
