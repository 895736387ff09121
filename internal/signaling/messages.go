package signaling

import "encoding/json"

// inboundMessage is the superset of fields any client-originated frame may
// carry (spec §4.4); unused fields are simply absent from a given message.
type inboundMessage struct {
	Type string          `json:"type"`
	SDP  string          `json:"sdp,omitempty"`
	Data *candidatePatch `json:"data,omitempty"`
	Kbps int             `json:"kbps,omitempty"`
}

type candidatePatch struct {
	Candidate string `json:"candidate"`
	SDPMid    string `json:"sdpMid"`
}

type welcomeMessage struct {
	Type       string      `json:"type"`
	PeerID     string      `json:"peerId"`
	IceServers []iceServer `json:"iceServers"`
}

type iceServer struct {
	URLs       string `json:"urls"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type pongMessage struct {
	Type string `json:"type"`
}

func buildIceServers(stun, turn, turnUser, turnCred string) []iceServer {
	servers := []iceServer{}
	if stun != "" {
		servers = append(servers, iceServer{URLs: stun})
	}
	if turn != "" {
		servers = append(servers, iceServer{URLs: turn, Username: turnUser, Credential: turnCred})
	}
	return servers
}

func parseInbound(raw []byte) (inboundMessage, error) {
	var msg inboundMessage
	err := json.Unmarshal(raw, &msg)
	return msg, err
}
