// Package webrtc provides helpers for creating PeerConnections and the
// DataChannel that carries a control channel.
package webrtc

import (
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers are used for ICE candidate gathering when the caller
// passes none. No TURN: the relay is expected to be publicly reachable.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// NewPeerConnection creates a PeerConnection with the given STUN servers.
func NewPeerConnection(stunServers []string) (*webrtc.PeerConnection, error) {
	if len(stunServers) == 0 {
		stunServers = DefaultSTUNServers
	}
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunServers},
		},
	}
	return webrtc.NewPeerConnection(config)
}

// CreateDataChannel creates the pre-negotiated control DataChannel (ID 0).
// Negotiated mode lets both sides create the channel independently without
// relying on OnDataChannel. The channel is ordered and reliable because
// control frames are causally dependent.
func CreateDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("dhtrelay", &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	})
}
