// Package registry owns the bounded set of live peer sessions: admission,
// removal, periodic reaping of closed sessions, and the NAL broadcast loop
// that fans ingest buffers out to every connected viewer (spec §4.3).
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/robotstream/gateway/internal/logging"
	"github.com/robotstream/gateway/internal/peer"
)

// ErrAdmissionRefused is returned by Create when the registry is already
// at max_peers.
var ErrAdmissionRefused = errors.New("registry: admission refused, max peers reached")

const reapInterval = 2 * time.Second
const reapGranularity = 100 * time.Millisecond

// Stats aggregates counters across every live peer (spec §4.3).
type Stats struct {
	TotalPeers     int
	ConnectedPeers int
	TotalBytesSent uint64
}

// Registry maps peer_id to Session under a single mutex, enforcing
// max_peers and running a reaper goroutine.
type Registry struct {
	maxPeers int

	mu    sync.Mutex
	peers map[string]*peer.Session

	stopCh   chan struct{}
	reaperWG sync.WaitGroup

	log logging.Logger
}

// New returns an empty Registry capped at maxPeers live sessions.
func New(maxPeers int) *Registry {
	return &Registry{
		maxPeers: maxPeers,
		peers:    make(map[string]*peer.Session),
		log:      logging.For("registry"),
	}
}

// Create builds a new PeerSession and admits it, or returns
// ErrAdmissionRefused without mutating the map if the registry is full
// (spec P2).
func (r *Registry) Create(cfg peer.Config, signalOut peer.SignalOutFunc) (*peer.Session, error) {
	r.mu.Lock()
	if len(r.peers) >= r.maxPeers {
		r.mu.Unlock()
		r.log.Warn("admission refused: %d/%d peers", len(r.peers), r.maxPeers)
		return nil, ErrAdmissionRefused
	}
	r.mu.Unlock()

	s, err := peer.New("", cfg, signalOut)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if len(r.peers) >= r.maxPeers {
		r.mu.Unlock()
		s.Close()
		r.log.Warn("admission refused after construction race: %d/%d peers", len(r.peers), r.maxPeers)
		return nil, ErrAdmissionRefused
	}
	r.peers[s.ID()] = s
	count := len(r.peers)
	r.mu.Unlock()

	r.log.Info("peer %s admitted (%d/%d)", s.ID(), count, r.maxPeers)
	return s, nil
}

// StartOffer forwards to the named session; unknown ids are warn-logged
// and otherwise ignored (spec §4.3).
func (r *Registry) StartOffer(id string) {
	s := r.get(id)
	if s == nil {
		r.log.Warn("start_offer: unknown peer %s", id)
		return
	}
	if err := s.StartOffer(); err != nil {
		r.log.Warn("peer %s: start_offer failed: %v", id, err)
	}
}

// HandleAnswer forwards a remote SDP answer to the named session.
func (r *Registry) HandleAnswer(id, sdp string) {
	s := r.get(id)
	if s == nil {
		r.log.Warn("handle_answer: unknown peer %s", id)
		return
	}
	if err := s.HandleAnswer(sdp); err != nil {
		r.log.Warn("peer %s: handle_answer failed: %v", id, err)
	}
}

// HandleCandidate forwards a remote ICE candidate to the named session.
func (r *Registry) HandleCandidate(id, candidate, mid string) {
	s := r.get(id)
	if s == nil {
		r.log.Warn("handle_candidate: unknown peer %s", id)
		return
	}
	s.HandleCandidate(candidate, mid)
}

func (r *Registry) get(id string) *peer.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers[id]
}

// Remove closes and removes a peer session; idempotent.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.peers[id]
	if ok {
		delete(r.peers, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	s.Close()
	r.log.Info("peer %s removed", id)
}

// BroadcastNAL snapshots the connected peers under the registry lock, then
// releases it and hands buf to each peer in that snapshot, so the lock is
// never held while a session writes to its transport (spec §4.3, §5).
func (r *Registry) BroadcastNAL(buf []byte, ptsUs uint64) {
	r.mu.Lock()
	targets := make([]*peer.Session, 0, len(r.peers))
	for _, s := range r.peers {
		if s.IsConnected() {
			targets = append(targets, s)
		}
	}
	r.mu.Unlock()

	for _, s := range targets {
		s.SendNAL(buf, ptsUs)
	}
}

// Start launches the reaper goroutine, which removes closed/failed
// sessions roughly every 2s, sleeping in short slices for responsive
// shutdown.
func (r *Registry) Start() {
	r.stopCh = make(chan struct{})
	r.reaperWG.Add(1)
	go r.reap()
}

func (r *Registry) reap() {
	defer r.reaperWG.Done()
	elapsed := time.Duration(0)
	for {
		select {
		case <-r.stopCh:
			return
		case <-time.After(reapGranularity):
			elapsed += reapGranularity
			if elapsed < reapInterval {
				continue
			}
			elapsed = 0
			r.reapOnce()
		}
	}
}

func (r *Registry) reapOnce() {
	r.mu.Lock()
	var dead []string
	for id, s := range r.peers {
		if s.IsClosed() {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		delete(r.peers, id)
	}
	r.mu.Unlock()

	if len(dead) > 0 {
		r.log.Debug("reaper removed %d dead peers", len(dead))
	}
}

// Stop signals the reaper, joins it, then closes and clears every
// remaining peer session.
func (r *Registry) Stop() {
	if r.stopCh != nil {
		close(r.stopCh)
		r.reaperWG.Wait()
		r.stopCh = nil
	}

	r.mu.Lock()
	remaining := r.peers
	r.peers = make(map[string]*peer.Session)
	r.mu.Unlock()

	for _, s := range remaining {
		s.Close()
	}
	r.log.Info("registry stopped, %d peers closed", len(remaining))
}

// GetStats aggregates counters across every live peer.
func (r *Registry) GetStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{TotalPeers: len(r.peers)}
	for _, s := range r.peers {
		st := s.GetStats()
		stats.TotalBytesSent += st.BytesSent
		if s.IsConnected() {
			stats.ConnectedPeers++
		}
	}
	return stats
}

// Len returns the current number of tracked peers (used by tests and by
// the admission invariant P2).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
