package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectModeTestPattern(t *testing.T) {
	cfg := Config{URL: "", TestBuild: true}
	assert.Equal(t, ModeTest, selectMode(cfg))
}

func TestSelectModePassthrough(t *testing.T) {
	cfg := Config{URL: "rtsp://cam/stream", Passthrough: true}
	assert.Equal(t, ModePassthrough, selectMode(cfg))
}

func TestSelectModeReencodeSoftwareByDefault(t *testing.T) {
	cfg := Config{URL: "rtsp://cam/stream"}
	assert.Equal(t, ModeReencodeSW, selectMode(cfg))
}

func TestSelectModeReencodeHardware(t *testing.T) {
	cfg := Config{URL: "rtsp://cam/stream", HWEncode: true}
	assert.Equal(t, ModeReencodeHW, selectMode(cfg))
}

func TestSelectModeEmptyURLWithoutTestBuildFallsBackToReencode(t *testing.T) {
	cfg := Config{URL: ""}
	assert.Equal(t, ModeReencodeSW, selectMode(cfg))
}

func TestPresetNickStripsSuffixAndLowercases(t *testing.T) {
	assert.Equal(t, "ultrafast", presetNick("UltraFastPreset"))
	assert.Equal(t, "medium", presetNick("mediumPreset"))
	assert.Equal(t, "veryfast", presetNick("veryfast"))
}

func TestSetBitrateNoopInTestMode(t *testing.T) {
	p := New(Config{URL: "", TestBuild: true, MinBitrateKbps: 500, MaxBitrateKbps: 8000})
	assert.NotPanics(t, func() { p.SetBitrate(4000) })
}

func TestSetBitrateNoopWhileNotRunning(t *testing.T) {
	p := New(Config{URL: "rtsp://cam/stream", MinBitrateKbps: 500, MaxBitrateKbps: 8000})
	assert.NotPanics(t, func() { p.SetBitrate(4000) })
	assert.False(t, p.IsRunning())
}

func TestBackoffExitsImmediatelyWhenStopRequested(t *testing.T) {
	p := New(Config{ReconnectIntervalMs: 10_000, ReconnectMaxAttempts: 0})
	p.stopCh = make(chan struct{})
	p.stopRequested.Store(true)
	attempts := 0
	assert.False(t, p.backoff(&attempts))
}

func TestBackoffExitsAfterMaxAttempts(t *testing.T) {
	p := New(Config{ReconnectIntervalMs: 0, ReconnectMaxAttempts: 2})
	p.stopCh = make(chan struct{})
	attempts := 2
	assert.False(t, p.backoff(&attempts))
}

func TestGetStatsInitiallyZero(t *testing.T) {
	p := New(Config{})
	stats := p.GetStats()
	assert.Equal(t, uint64(0), stats.FramesReceived)
	assert.False(t, stats.Connected)
}
