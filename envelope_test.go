package anteroom

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidPath(t *testing.T) {
	cases := []struct {
		path  string
		valid bool
	}{
		{"orders", true},
		{"orders/checkout", true},
		{"metrics.cpu-load", true},
		{"", false},
		{"orders checkout", false},
		{"orders\n", false},
		{"ордеры", false},
		{strings.Repeat("a", MaxPathLength), true},
		{strings.Repeat("a", MaxPathLength+1), false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.valid, ValidPath(tc.path), "path %q", tc.path)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	fr := &frame{
		Kind:   frameEnvelope,
		Client: "client-1",
		Envelope: &Envelope{
			Target:        "orders/checkout",
			Payload:       []byte("hello"),
			Mode:          ModeSendToAll,
			LocalAffinity: true,
			ReplyToken:    "tok-1",
		},
	}

	buf, err := encodeFrame(fr)
	require.NoError(t, err)

	got, err := decodeFrame(buf)
	require.NoError(t, err)
	require.Equal(t, fr, got)
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	_, err := decodeFrame([]byte{0xc1, 0xff, 0x00})
	require.Error(t, err)

	// A structurally valid frame without a kind is still garbage.
	buf, err := encodeFrame(&frame{Origin: "a:1"})
	require.NoError(t, err)
	_, err = decodeFrame(buf)
	require.Error(t, err)
}

func TestDispatchModeString(t *testing.T) {
	require.Equal(t, "send", ModeSend.String())
	require.Equal(t, "send-to-all", ModeSendToAll.String())
	require.Equal(t, "publish", ModePublish.String())
}
