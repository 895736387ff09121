package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	c := DefaultConfig()
	assert.NoError(t, c.Validate())
	assert.Equal(t, uint16(8080), c.Server.SignalingPort)
	assert.Equal(t, "tcp", c.Rtsp.Transport)
	assert.Equal(t, "UltraFastPreset", c.Encoding.Preset)
}

func TestLoadMissingPathStillAppliesDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, uint16(8081), c.Server.HTTPPort)
}

func TestLoadParsesYAMLAndFillsGaps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	yaml := []byte("rtsp:\n  url: rtsp://camera.local/stream\nwebrtc:\n  max_peers: 2\n")
	require.NoError(t, os.WriteFile(path, yaml, 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "rtsp://camera.local/stream", c.Rtsp.URL)
	assert.Equal(t, 2, c.WebRTC.MaxPeers)
	assert.Equal(t, "tcp", c.Rtsp.Transport, "unset fields still get defaults")
}

func TestLoadRejectsUnreadableFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyEnvOverridesWinsOverFileAndDefaults(t *testing.T) {
	t.Setenv("RTSP_URL", "rtsp://override.local/stream")
	t.Setenv("VIDEO_BITRATE_KBPS", "3000")

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	yaml := []byte("rtsp:\n  url: rtsp://file.local/stream\nwebrtc:\n  video:\n    bitrate_kbps: 2500\n")
	require.NoError(t, os.WriteFile(path, yaml, 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "rtsp://override.local/stream", c.Rtsp.URL)
	assert.Equal(t, 3000, c.WebRTC.Video.BitrateKbps)
}

func TestValidateRejectsInvertedBitrateRange(t *testing.T) {
	c := DefaultConfig()
	c.WebRTC.Video.MinBitrateKbps = 9000
	c.WebRTC.Video.MaxBitrateKbps = 1000
	assert.Error(t, c.Validate())
}

func TestValidateRejectsZeroMaxPeers(t *testing.T) {
	c := DefaultConfig()
	c.WebRTC.MaxPeers = 0
	assert.Error(t, c.Validate())
}

func TestValidateRejectsUnknownTransport(t *testing.T) {
	c := DefaultConfig()
	c.Rtsp.Transport = "quic"
	assert.Error(t, c.Validate())
}

func TestClampRestrictsToConfiguredRange(t *testing.T) {
	v := VideoConfig{MinBitrateKbps: 500, MaxBitrateKbps: 8000}
	assert.Equal(t, 500, v.Clamp(100))
	assert.Equal(t, 8000, v.Clamp(20000))
	assert.Equal(t, 2000, v.Clamp(2000))
}
