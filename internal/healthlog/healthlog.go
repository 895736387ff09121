// Package healthlog periodically emits a single structured log line
// summarizing ingest and fan-out health, the way the original gateway's
// health/stats logger did (spec §1 lists it as an out-of-scope
// collaborator whose interface this package implements).
package healthlog

import (
	"sync"
	"time"

	"github.com/robotstream/gateway/internal/logging"
	"github.com/robotstream/gateway/internal/media"
	"github.com/robotstream/gateway/internal/registry"
)

const defaultInterval = 30 * time.Second

// Reporter is the read-only view healthlog needs into the running
// gateway.
type Reporter struct {
	interval time.Duration
	media    *media.Pipeline
	registry *registry.Registry

	stopCh chan struct{}
	wg     sync.WaitGroup

	log logging.Logger
}

// New builds a Reporter that logs at interval (defaultInterval if zero).
func New(interval time.Duration, mp *media.Pipeline, reg *registry.Registry) *Reporter {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Reporter{
		interval: interval,
		media:    mp,
		registry: reg,
		log:      logging.For("health"),
	}
}

// Start launches the periodic logging goroutine.
func (r *Reporter) Start() {
	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go r.run()
}

// Stop signals the goroutine and waits for it to exit.
func (r *Reporter) Stop() {
	if r.stopCh == nil {
		return
	}
	close(r.stopCh)
	r.wg.Wait()
	r.stopCh = nil
}

func (r *Reporter) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.logOnce()
		}
	}
}

func (r *Reporter) logOnce() {
	ms := r.media.GetStats()
	rs := r.registry.GetStats()

	r.log.Info(
		"media connected=%t frames=%d bytes=%d reconnects=%d | peers total=%d connected=%d bytes_sent=%d",
		ms.Connected, ms.FramesReceived, ms.BytesReceived, ms.ReconnectCount,
		rs.TotalPeers, rs.ConnectedPeers, rs.TotalBytesSent,
	)
}
