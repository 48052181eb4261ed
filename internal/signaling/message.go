// Package signaling handles the WebSocket-based SDP/ICE exchange that
// establishes a WebRTC control channel between a controller and the relay.
//
// The controller offers, the relay answers. Both sides advertise the largest
// control frame they accept and the DataChannel is capped at the smaller of
// the two.
package signaling

import (
	"errors"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	maxEnvelopeSize = 64 * 1024        // bytes per signaling message
	writeWait       = 10 * time.Second // per signaling write
)

var (
	ErrUnexpectedMessage = errors.New("signaling: unexpected message")
	ErrRejected          = errors.New("signaling: rejected by peer")
)

type kind string

const (
	kindOffer     kind = "offer"
	kindAnswer    kind = "answer"
	kindCandidate kind = "candidate"
	kindError     kind = "error"
)

// envelope is one JSON text message on the signaling WebSocket.
type envelope struct {
	Kind      kind                     `json:"kind"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	MaxFrame  int                      `json:"max_frame,omitempty"`
	Error     string                   `json:"error,omitempty"`
}

// agreeFrameSize picks the frame limit for both directions. A side that does
// not advertise one accepts whatever the other side does.
func agreeFrameSize(local, remote int) int {
	switch {
	case remote <= 0:
		return local
	case local <= 0:
		return remote
	default:
		return min(local, remote)
	}
}
