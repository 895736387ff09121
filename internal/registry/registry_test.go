package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robotstream/gateway/internal/peer"
)

func testPeerConfig() peer.Config {
	return peer.Config{
		Video: peer.VideoConfig{PayloadType: 96, ClockRate: 90000, BitrateKbps: 2000},
	}
}

func TestCreateAdmitsUpToMaxPeers(t *testing.T) {
	r := New(2)
	defer r.Stop()

	s1, err := r.Create(testPeerConfig(), nil)
	require.NoError(t, err)
	require.NotNil(t, s1)

	s2, err := r.Create(testPeerConfig(), nil)
	require.NoError(t, err)
	require.NotNil(t, s2)

	assert.Equal(t, 2, r.Len())

	_, err = r.Create(testPeerConfig(), nil)
	assert.ErrorIs(t, err, ErrAdmissionRefused)
	assert.Equal(t, 2, r.Len())
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := New(4)
	defer r.Stop()

	s, err := r.Create(testPeerConfig(), nil)
	require.NoError(t, err)

	r.Remove(s.ID())
	assert.Equal(t, 0, r.Len())

	r.Remove(s.ID())
	assert.Equal(t, 0, r.Len())
}

func TestRemoveFreesAdmissionSlot(t *testing.T) {
	r := New(1)
	defer r.Stop()

	s, err := r.Create(testPeerConfig(), nil)
	require.NoError(t, err)

	r.Remove(s.ID())

	s2, err := r.Create(testPeerConfig(), nil)
	require.NoError(t, err)
	assert.NotNil(t, s2)
}

func TestUnknownPeerOperationsAreIgnored(t *testing.T) {
	r := New(4)
	defer r.Stop()

	assert.NotPanics(t, func() {
		r.StartOffer("deadbeef")
		r.HandleAnswer("deadbeef", "v=0\r\n")
		r.HandleCandidate("deadbeef", "candidate:1 1 UDP 1 0.0.0.0 1 typ host", "0")
	})
}

func TestGetStatsCountsTotalPeers(t *testing.T) {
	r := New(4)
	defer r.Stop()

	_, err := r.Create(testPeerConfig(), nil)
	require.NoError(t, err)
	_, err = r.Create(testPeerConfig(), nil)
	require.NoError(t, err)

	stats := r.GetStats()
	assert.Equal(t, 2, stats.TotalPeers)
	assert.Equal(t, 0, stats.ConnectedPeers)
}

func TestStopClosesAllPeers(t *testing.T) {
	r := New(4)

	_, err := r.Create(testPeerConfig(), nil)
	require.NoError(t, err)
	_, err = r.Create(testPeerConfig(), nil)
	require.NoError(t, err)

	r.Start()
	time.Sleep(10 * time.Millisecond)
	r.Stop()

	assert.Equal(t, 0, r.Len())
}
