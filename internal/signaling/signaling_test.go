package signaling

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildIceServersOmitsTurnWhenUnconfigured(t *testing.T) {
	servers := buildIceServers("stun:stun.example.com:3478", "", "", "")
	assert.Len(t, servers, 1)
	assert.Equal(t, "stun:stun.example.com:3478", servers[0].URLs)
}

func TestBuildIceServersIncludesTurnWhenConfigured(t *testing.T) {
	servers := buildIceServers("stun:stun.example.com:3478", "turn:turn.example.com:3478", "alice", "secret")
	assert.Len(t, servers, 2)
	assert.Equal(t, "turn:turn.example.com:3478", servers[1].URLs)
	assert.Equal(t, "alice", servers[1].Username)
	assert.Equal(t, "secret", servers[1].Credential)
}

func TestBuildIceServersEmptyWhenNothingConfigured(t *testing.T) {
	servers := buildIceServers("", "", "", "")
	assert.Empty(t, servers)
}

func TestParseInboundAnswer(t *testing.T) {
	msg, err := parseInbound([]byte(`{"type":"answer","sdp":"v=0..."}`))
	assert.NoError(t, err)
	assert.Equal(t, "answer", msg.Type)
	assert.Equal(t, "v=0...", msg.SDP)
}

func TestParseInboundCandidateWithData(t *testing.T) {
	msg, err := parseInbound([]byte(`{"type":"candidate","data":{"candidate":"candidate:1 1 UDP 1 0.0.0.0 1 typ host","sdpMid":"0"}}`))
	assert.NoError(t, err)
	assert.Equal(t, "candidate", msg.Type)
	assert.NotNil(t, msg.Data)
	assert.Equal(t, "0", msg.Data.SDPMid)
}

func TestParseInboundBitrate(t *testing.T) {
	msg, err := parseInbound([]byte(`{"type":"bitrate","kbps":2000}`))
	assert.NoError(t, err)
	assert.Equal(t, 2000, msg.Kbps)
}

func TestParseInboundMalformedReturnsError(t *testing.T) {
	_, err := parseInbound([]byte(`{not json`))
	assert.Error(t, err)
}

func TestDispatchPingRepliesPong(t *testing.T) {
	e := New(Config{}, nil)
	var sent interface{}
	e.dispatch("abcd1234", inboundMessage{Type: "ping"}, func(v interface{}) { sent = v })
	pong, ok := sent.(pongMessage)
	assert.True(t, ok)
	assert.Equal(t, "pong", pong.Type)
}

func TestDispatchBitrateInvokesCallback(t *testing.T) {
	e := New(Config{}, nil)
	var got int
	e.SetBitrateCallback(func(kbps int) { got = kbps })
	e.dispatch("abcd1234", inboundMessage{Type: "bitrate", Kbps: 3500}, func(interface{}) {})
	assert.Equal(t, 3500, got)
}

func TestDispatchUnknownTypeDoesNotPanic(t *testing.T) {
	e := New(Config{}, nil)
	assert.NotPanics(t, func() {
		e.dispatch("abcd1234", inboundMessage{Type: "nonsense"}, func(interface{}) {})
	})
}

func TestAllowEnforcesBurstPerAddress(t *testing.T) {
	e := New(Config{}, nil)
	for i := 0; i < connectBurst; i++ {
		assert.True(t, e.allow("203.0.113.1:1234"))
	}
	assert.False(t, e.allow("203.0.113.1:1234"))
}

func TestAllowTracksAddressesIndependently(t *testing.T) {
	e := New(Config{}, nil)
	for i := 0; i < connectBurst; i++ {
		assert.True(t, e.allow("203.0.113.1:1234"))
	}
	assert.True(t, e.allow("203.0.113.2:5555"))
}
