// Package signaling bridges browser WebSocket clients to the peer
// registry: it owns admission into a PeerSession, the offer/answer/ICE
// wire protocol, and forwarding client bitrate hints to the media
// pipeline's ABR sink.
package signaling

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/robotstream/gateway/internal/logging"
	"github.com/robotstream/gateway/internal/peer"
	"github.com/robotstream/gateway/internal/registry"
)

// connectRate and connectBurst bound how many WebSocket upgrade attempts a
// single remote address may make; everything past the burst gets a 429
// before it ever reaches peer admission.
const (
	connectRate  = rate.Limit(1)
	connectBurst = 5
)

// Config carries everything the endpoint needs to admit peers and describe
// ICE servers in its welcome message.
type Config struct {
	Port           uint16
	StunServer     string
	TurnServer     string
	TurnUsername   string
	TurnCredential string
	Video          peer.VideoConfig
}

// BitrateCallback receives a client-initiated ABR hint in kbps.
type BitrateCallback func(kbps int)

var upgrader = websocket.Upgrader{}

// Endpoint is the plain (non-TLS) WebSocket signaling server described in
// spec §4.4.
type Endpoint struct {
	cfg      Config
	registry *registry.Registry

	bitrateMu sync.Mutex
	bitrateCb BitrateCallback

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	server *http.Server
	log    logging.Logger
}

// New builds an Endpoint bound to reg for peer admission; it performs no
// I/O until Start is called.
func New(cfg Config, reg *registry.Registry) *Endpoint {
	return &Endpoint{
		cfg:      cfg,
		registry: reg,
		limiters: make(map[string]*rate.Limiter),
		log:      logging.For("signaling"),
	}
}

// allow reports whether addr may attempt another connection right now,
// lazily creating its limiter on first sight.
func (e *Endpoint) allow(addr string) bool {
	e.limiterMu.Lock()
	limiter, ok := e.limiters[addr]
	if !ok {
		limiter = rate.NewLimiter(connectRate, connectBurst)
		e.limiters[addr] = limiter
	}
	e.limiterMu.Unlock()
	return limiter.Allow()
}

// SetBitrateCallback registers the ABR sink invoked on a client "bitrate"
// message.
func (e *Endpoint) SetBitrateCallback(cb BitrateCallback) {
	e.bitrateMu.Lock()
	e.bitrateCb = cb
	e.bitrateMu.Unlock()
}

// Start opens the WebSocket listener on cfg.Port and returns once the
// listener is bound; connection handling happens in background goroutines.
func (e *Endpoint) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", e.handleWebSocket)

	e.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", e.cfg.Port),
		Handler: mux,
	}

	ln, err := net.Listen("tcp", e.server.Addr)
	if err != nil {
		return fmt.Errorf("signaling: listen on :%d: %w", e.cfg.Port, err)
	}

	go func() {
		if err := e.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			e.log.Error("signaling listener stopped: %v", err)
		}
	}()

	e.log.Info("signaling listening on :%d", e.cfg.Port)
	return nil
}

// Stop closes the listener so no new sockets are accepted. WebSocket
// connections that were already upgraded are not closed by it: the HTTP
// server's Shutdown does not touch hijacked connections, so their read
// loops keep running until the client or the network ends them.
func (e *Endpoint) Stop() error {
	if e.server == nil {
		return nil
	}
	return e.server.Shutdown(context.Background())
}

func (e *Endpoint) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !e.allow(r.RemoteAddr) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.log.Warn("websocket upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	var writeMu sync.Mutex
	send := func(v interface{}) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := ws.WriteJSON(v); err != nil {
			e.log.Debug("write failed: %v", err)
		}
	}

	session, err := e.registry.Create(e.peerConfig(), func(msg peer.SignalMessage) {
		send(msg)
	})
	if err != nil {
		send(errorMessage{Type: "error", Message: "Server full, max peers reached"})
		e.log.Info("admission refused, closing socket")
		return
	}

	send(welcomeMessage{
		Type:       "welcome",
		PeerID:     session.ID(),
		IceServers: buildIceServers(e.cfg.StunServer, e.cfg.TurnServer, e.cfg.TurnUsername, e.cfg.TurnCredential),
	})

	e.registry.StartOffer(session.ID())

	defer e.registry.Remove(session.ID())

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			e.log.Debug("peer %s: socket closed: %v", session.ID(), err)
			return
		}

		msg, err := parseInbound(raw)
		if err != nil {
			e.log.Warn("peer %s: malformed message dropped: %v", session.ID(), err)
			continue
		}

		e.dispatch(session.ID(), msg, send)
	}
}

func (e *Endpoint) dispatch(peerID string, msg inboundMessage, send func(interface{})) {
	switch msg.Type {
	case "answer":
		e.registry.HandleAnswer(peerID, msg.SDP)
	case "candidate":
		mid := "0"
		candidate := ""
		if msg.Data != nil {
			candidate = msg.Data.Candidate
			if msg.Data.SDPMid != "" {
				mid = msg.Data.SDPMid
			}
		}
		e.registry.HandleCandidate(peerID, candidate, mid)
	case "ping":
		send(pongMessage{Type: "pong"})
	case "bitrate":
		e.bitrateMu.Lock()
		cb := e.bitrateCb
		e.bitrateMu.Unlock()
		if cb != nil {
			cb(msg.Kbps)
		}
	default:
		e.log.Debug("peer %s: ignoring unknown message type %q", peerID, msg.Type)
	}
}

func (e *Endpoint) peerConfig() peer.Config {
	return peer.Config{
		StunServer:     e.cfg.StunServer,
		TurnServer:     e.cfg.TurnServer,
		TurnUsername:   e.cfg.TurnUsername,
		TurnCredential: e.cfg.TurnCredential,
		Video:          e.cfg.Video,
	}
}
