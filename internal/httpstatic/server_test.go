package httpstatic

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robotstream/gateway/internal/media"
	"github.com/robotstream/gateway/internal/registry"
)

type fakeStats struct {
	media    media.Stats
	registry registry.Stats
}

func (f fakeStats) MediaStats() media.Stats       { return f.media }
func (f fakeStats) RegistryStats() registry.Stats { return f.registry }

func TestHealthzReturnsOK(t *testing.T) {
	s := New(Config{Port: 0, WebRoot: "."}, fakeStats{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestStatsReportsMediaAndRegistryCounters(t *testing.T) {
	stats := fakeStats{
		media:    media.Stats{FramesReceived: 42, BytesReceived: 1024, ReconnectCount: 1, Connected: true},
		registry: registry.Stats{TotalPeers: 2, ConnectedPeers: 1, TotalBytesSent: 4096},
	}
	s := New(Config{Port: 0, WebRoot: "."}, stats)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `"frames_received":42`)
	assert.Contains(t, body, `"total_peers":2`)
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	s := New(Config{Port: 0, WebRoot: "."}, fakeStats{})
	assert.NoError(t, s.Stop())
}
