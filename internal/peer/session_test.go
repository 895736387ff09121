package peer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllocateSSRCStrictlyIncreasesFrom42(t *testing.T) {
	first := allocateSSRC()
	second := allocateSSRC()
	assert.GreaterOrEqual(t, first, uint32(42))
	assert.Greater(t, second, first)
}

func TestRTPTimestampConversion(t *testing.T) {
	cases := []struct {
		ptsUs     uint64
		clockRate uint32
		want      uint32
	}{
		{0, 90000, 0},
		{1_000_000, 90000, 90000},
		{500_000, 90000, 45000},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, rtpTimestamp(c.ptsUs, c.clockRate))
	}
}

func TestRTPTimestampWrapsModulo32Bits(t *testing.T) {
	// A PTS large enough that the unwrapped 90kHz timestamp exceeds 2^32.
	const clockRate = 90000
	hugePTS := uint64(1) << 40
	got := rtpTimestamp(hugePTS, clockRate)
	want := uint32(((hugePTS * clockRate) / 1_000_000) & 0xFFFFFFFF)
	assert.Equal(t, want, got)
}

func TestWithBandwidthHintInsertsAfterMVideo(t *testing.T) {
	sdp := "v=0\r\no=- 0 0 IN IP4 0.0.0.0\r\ns=-\r\nm=video 9 UDP/TLS/RTP/SAVPF 96\r\nc=IN IP4 0.0.0.0\r\n"
	out := withBandwidthHint(sdp, 4000)
	assert.Contains(t, out, "m=video 9 UDP/TLS/RTP/SAVPF 96\r\nb=AS:4000\r\n")
}

func TestWithBandwidthHintNoopOnZero(t *testing.T) {
	sdp := "v=0\r\nm=video 9 UDP/TLS/RTP/SAVPF 96\r\n"
	assert.Equal(t, sdp, withBandwidthHint(sdp, 0))
}

func TestShortIDIsEightHex(t *testing.T) {
	id := shortID()
	assert.Len(t, id, 8)
}
