// Package peer implements one WebRTC viewer session: SDP offer/answer,
// ICE trickle, and RTP packetization of the NAL stream handed to it by the
// media pipeline via the registry's broadcast loop.
package peer

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"

	"github.com/robotstream/gateway/internal/logging"
	"github.com/robotstream/gateway/internal/nalu"
)

// State mirrors the PeerSession state machine in spec §4.2.
type State string

const (
	StateNew          State = "new"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

const (
	cname  = "video-stream"
	msid   = "stream-server"
	rtpMTU = 1200
)

// nextSSRC is the process-wide monotonic SSRC counter, starting at 42 per
// spec §3.
var nextSSRC uint32 = 41

func allocateSSRC() uint32 {
	return atomic.AddUint32(&nextSSRC, 1)
}

// VideoConfig carries the codec parameters a session's sendonly track is
// built from; it is the peer-facing slice of config.VideoConfig.
type VideoConfig struct {
	PayloadType uint8
	ClockRate   uint32
	BitrateKbps int
}

// Config is everything a PeerSession needs to build its underlying
// PeerConnection.
type Config struct {
	StunServer     string
	TurnServer     string
	TurnUsername   string
	TurnCredential string
	Video          VideoConfig
}

// SignalMessage is a JSON payload a PeerSession asks its signaling bridge
// to transmit verbatim, matching the wire shapes in spec §4.2.
type SignalMessage struct {
	Type string         `json:"type"`
	SDP  string         `json:"sdp,omitempty"`
	Data *CandidateData `json:"data,omitempty"`
}

type CandidateData struct {
	Candidate string `json:"candidate"`
	SDPMid    string `json:"sdpMid"`
}

// SignalOutFunc is the session's bridge back to its WebSocket.
type SignalOutFunc func(SignalMessage)

// Stats is a snapshot of one session's send-side counters.
type Stats struct {
	RTPPacketsSent uint64
	BytesSent      uint64
	SendErrors     uint64
	State          State
}

// Session is one WebRTC viewer: one sendonly H.264 track, one SSRC, one
// RTP packetizer, wired per spec §4.2.
type Session struct {
	id        string
	ssrc      uint32
	cfg       Config
	signalOut SignalOutFunc

	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticRTP
	pk    rtp.Packetizer

	mu            sync.Mutex
	state         State
	needsKeyframe bool
	keyframeSent  bool
	stats         Stats

	log logging.Logger
}

// New constructs the underlying peer connection but performs no I/O: the
// caller must still call StartOffer to kick off negotiation.
func New(peerID string, cfg Config, signalOut SignalOutFunc) (*Session, error) {
	if peerID == "" {
		peerID = shortID()
	}

	m := &webrtc.MediaEngine{}
	fmtp := "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   cfg.Video.ClockRate,
			SDPFmtpLine: fmtp,
			RTCPFeedback: []webrtc.RTCPFeedback{
				{Type: "nack"},
				{Type: "nack", Parameter: "pli"},
			},
		},
		PayloadType: webrtc.PayloadType(cfg.Video.PayloadType),
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("peer: register codec: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("peer: register interceptors: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir))

	iceServers := []webrtc.ICEServer{}
	if cfg.StunServer != "" {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{cfg.StunServer}})
	}
	if cfg.TurnServer != "" {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       []string{cfg.TurnServer},
			Username:   cfg.TurnUsername,
			Credential: cfg.TurnCredential,
		})
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("peer: new peer connection: %w", err)
	}

	ssrc := allocateSSRC()
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: cfg.Video.ClockRate},
		cname, msid,
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("peer: new track: %w", err)
	}

	if _, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("peer: add transceiver: %w", err)
	}

	s := &Session{
		id:        peerID,
		ssrc:      ssrc,
		cfg:       cfg,
		signalOut: signalOut,
		pc:        pc,
		track:     track,
		pk: rtp.NewPacketizer(
			rtpMTU,
			0, // payload type is set per-packet in SendNAL
			ssrc,
			&codecs.H264Payloader{},
			rtp.NewRandomSequencer(),
			cfg.Video.ClockRate,
		),
		state:         StateNew,
		needsKeyframe: true,
		log:           logging.For("peer"),
	}

	pc.OnConnectionStateChange(s.onConnectionStateChange)
	pc.OnICECandidate(s.onICECandidate)

	s.drainRTCP()

	s.log.Info("session %s created (ssrc=%d)", s.id, s.ssrc)
	return s, nil
}

func shortID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// ID returns the peer's opaque 8-hex-digit identifier.
func (s *Session) ID() string { return s.id }

// SSRC returns the RTP SSRC assigned to this session's video track.
func (s *Session) SSRC() uint32 { return s.ssrc }

func (s *Session) onConnectionStateChange(state webrtc.PeerConnectionState) {
	s.mu.Lock()
	switch state {
	case webrtc.PeerConnectionStateNew:
		s.state = StateNew
	case webrtc.PeerConnectionStateConnecting:
		s.state = StateConnecting
	case webrtc.PeerConnectionStateConnected:
		s.state = StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		s.state = StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		s.state = StateFailed
	case webrtc.PeerConnectionStateClosed:
		s.state = StateClosed
	}
	s.stats.State = s.state
	s.mu.Unlock()

	s.log.Info("session %s state -> %s", s.id, state)
}

func (s *Session) onICECandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	init := c.ToJSON()
	mid := ""
	if init.SDPMid != nil {
		mid = *init.SDPMid
	}
	s.emit(SignalMessage{
		Type: "candidate",
		Data: &CandidateData{Candidate: init.Candidate, SDPMid: mid},
	})
}

func (s *Session) emit(msg SignalMessage) {
	if s.signalOut == nil {
		return
	}
	s.signalOut(msg)
}

// StartOffer creates and sets a local offer, emitting it through the
// session's signaling bridge with type "offer" (spec §4.2).
func (s *Session) StartOffer() error {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("peer: create offer: %w", err)
	}
	offer.SDP = withBandwidthHint(offer.SDP, s.cfg.Video.BitrateKbps)

	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("peer: set local description: %w", err)
	}

	s.emit(SignalMessage{Type: "offer", SDP: s.pc.LocalDescription().SDP})
	s.log.Debug("session %s sent offer", s.id)
	return nil
}

// HandleAnswer installs the remote description and re-arms needs_keyframe.
func (s *Session) HandleAnswer(sdp string) error {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("peer: set remote description: %w", err)
	}
	s.mu.Lock()
	s.needsKeyframe = true
	s.keyframeSent = false
	s.mu.Unlock()
	s.log.Debug("session %s accepted answer", s.id)
	return nil
}

// HandleCandidate adds a remote ICE candidate. Failures and empty
// candidates are logged, not returned: per spec §4.2 they are not fatal.
func (s *Session) HandleCandidate(candidate, mid string) {
	if candidate == "" {
		s.log.Warn("session %s: ignoring empty candidate", s.id)
		return
	}
	init := webrtc.ICECandidateInit{Candidate: candidate}
	if mid != "" {
		init.SDPMid = &mid
	}
	if err := s.pc.AddICECandidate(init); err != nil {
		s.log.Warn("session %s: failed to add candidate: %v", s.id, err)
	}
}

// SendNAL packetizes one access-unit-aligned Annex-B buffer and writes it
// to the track. It is a no-op unless the session is connected; send
// failures are logged and counted, never torn down (spec §4.2, §7).
func (s *Session) SendNAL(buf []byte, ptsUs uint64) {
	s.mu.Lock()
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected {
		return
	}

	units := nalu.Split(buf)
	if len(units) == 0 {
		return
	}

	ts := rtpTimestamp(ptsUs, s.cfg.Video.ClockRate)

	var sent, bytes uint64
	var lastErr error
	for i, u := range units {
		pkts := s.pk.Packetize(u, 0)
		for j, p := range pkts {
			p.Timestamp = ts
			p.SSRC = s.ssrc
			p.PayloadType = s.cfg.Video.PayloadType
			p.Marker = i == len(units)-1 && j == len(pkts)-1
			if err := s.track.WriteRTP(p); err != nil {
				lastErr = err
				continue
			}
			sent++
			bytes += uint64(len(p.Payload))
		}
	}

	s.mu.Lock()
	s.stats.RTPPacketsSent += sent
	s.stats.BytesSent += bytes
	if lastErr != nil {
		s.stats.SendErrors++
	}
	if nalu.HasKeyframe(units) {
		s.keyframeSent = true
		s.needsKeyframe = false
	}
	s.mu.Unlock()

	if lastErr != nil {
		s.log.Warn("session %s: rtp write failed: %v", s.id, lastErr)
	}
}

// drainRTCP keeps the sender's RTCP reader pumped so SRTP/DTLS don't stall;
// PLI/FIR are logged but do not trigger an on-demand IDR (spec §9 notes
// this is future work).
func (s *Session) drainRTCP() {
	senders := s.pc.GetSenders()
	for _, sender := range senders {
		go func(sender *webrtc.RTPSender) {
			buf := make([]byte, 1500)
			for {
				n, _, err := sender.Read(buf)
				if err != nil {
					return
				}
				pkts, err := rtcp.Unmarshal(buf[:n])
				if err != nil {
					continue
				}
				for _, pkt := range pkts {
					switch pkt.(type) {
					case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
						s.log.Debug("session %s: received keyframe request", s.id)
					}
				}
			}
		}(sender)
	}
}

// IsConnected reports whether the underlying transport is usable.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnected
}

// IsClosed reports whether the session has reached a terminal state.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateClosed || s.state == StateFailed
}

// NeedsKeyframe reports whether the next delivered NAL should be a
// keyframe before this session can render usefully.
func (s *Session) NeedsKeyframe() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needsKeyframe
}

// KeyframeSent reports whether an IDR has been delivered to this session
// since it last needed one.
func (s *Session) KeyframeSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keyframeSent
}

// GetStats returns a snapshot of the session's send counters.
func (s *Session) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close tears down the underlying peer connection; idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	already := s.state == StateClosed
	s.state = StateClosed
	s.mu.Unlock()
	if already {
		return nil
	}
	if s.pc == nil {
		return nil
	}
	return s.pc.Close()
}

// rtpTimestamp converts a microsecond PTS to an RTP timestamp at the given
// clock rate, wrapping modulo 2^32 per spec §4.2 / P3.
func rtpTimestamp(ptsUs uint64, clockRate uint32) uint32 {
	scaled := (ptsUs * uint64(clockRate)) / 1_000_000
	return uint32(scaled & 0xFFFFFFFF)
}

// withBandwidthHint inserts an encoder-hint bandwidth line ("b=AS:<kbps>")
// immediately after the m=video line, matching the SDP shape spec §4.2
// requires without disturbing ICE/DTLS attributes elsewhere in the offer.
func withBandwidthHint(sdp string, kbps int) string {
	if kbps <= 0 {
		return sdp
	}
	lines := strings.Split(sdp, "\r\n")
	out := make([]string, 0, len(lines)+1)
	for _, line := range lines {
		out = append(out, line)
		if strings.HasPrefix(line, "m=video") {
			out = append(out, "b=AS:"+strconv.Itoa(kbps))
		}
	}
	return strings.Join(out, "\r\n")
}
