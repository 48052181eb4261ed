package signaling

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/dhtrelay/internal/transport"
	"github.com/1ureka/dhtrelay/internal/util"
)

// exchange runs one side of the SDP/ICE handshake for a DataChannel.
//
// Writes are serialized by mu; reads happen only in run. Remote candidates
// that arrive before the remote description are held in pending and applied
// once it is set.
type exchange struct {
	tr      *transport.DataChannel
	conn    *websocket.Conn
	offerer bool

	mu sync.Mutex

	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

func newExchange(tr *transport.DataChannel, conn *websocket.Conn, offerer bool) *exchange {
	conn.SetReadLimit(maxEnvelopeSize)
	x := &exchange{tr: tr, conn: conn, offerer: offerer}
	tr.OnICECandidate(x.sendCandidate)
	return x
}

func (x *exchange) write(env envelope) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return x.conn.WriteJSON(env)
}

// offer creates the local offer and advertises this side's frame limit.
func (x *exchange) offer() error {
	sdp, err := x.tr.CreateOffer()
	if err != nil {
		return err
	}
	if err := x.tr.SetLocalDescription(sdp); err != nil {
		return err
	}
	return x.write(envelope{Kind: kindOffer, SDP: sdp.SDP, MaxFrame: x.tr.MaxFrameSize()})
}

// answer applies the remote offer, settles the frame limit and replies.
func (x *exchange) answer(env envelope) error {
	if err := x.setRemote(webrtc.SDPTypeOffer, env.SDP); err != nil {
		return err
	}
	x.tr.SetMaxFrameSize(agreeFrameSize(x.tr.MaxFrameSize(), env.MaxFrame))

	sdp, err := x.tr.CreateAnswer()
	if err != nil {
		return err
	}
	if err := x.tr.SetLocalDescription(sdp); err != nil {
		return err
	}
	return x.write(envelope{Kind: kindAnswer, SDP: sdp.SDP, MaxFrame: x.tr.MaxFrameSize()})
}

// sendCandidate trickles a gathered local candidate. Failures are only
// logged: a lost candidate narrows the paths ICE can try but is not fatal.
func (x *exchange) sendCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	init := c.ToJSON()
	if err := x.write(envelope{Kind: kindCandidate, Candidate: &init}); err != nil {
		util.Logf("signaling: send candidate: %v", err)
	}
}

// reject tells the peer why the exchange failed. Best effort.
func (x *exchange) reject(err error) {
	_ = x.write(envelope{Kind: kindError, Error: err.Error()})
}

func (x *exchange) setRemote(typ webrtc.SDPType, sdp string) error {
	if x.remoteSet {
		return fmt.Errorf("%w: second %s", ErrUnexpectedMessage, typ)
	}
	if err := x.tr.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return err
	}
	x.remoteSet = true

	for _, c := range x.pending {
		if err := x.tr.AddICECandidate(c); err != nil {
			return err
		}
	}
	x.pending = nil
	return nil
}

// run reads until the WebSocket fails or closes, or the peer sends something
// its role does not allow.
func (x *exchange) run() error {
	for {
		var env envelope
		if err := x.conn.ReadJSON(&env); err != nil {
			return fmt.Errorf("read signaling message: %w", err)
		}

		switch env.Kind {
		case kindOffer:
			if x.offerer {
				return fmt.Errorf("%w: offer sent to the offering side", ErrUnexpectedMessage)
			}
			if err := x.answer(env); err != nil {
				return err
			}

		case kindAnswer:
			if !x.offerer {
				return fmt.Errorf("%w: answer sent to the answering side", ErrUnexpectedMessage)
			}
			if err := x.setRemote(webrtc.SDPTypeAnswer, env.SDP); err != nil {
				return err
			}
			x.tr.SetMaxFrameSize(agreeFrameSize(x.tr.MaxFrameSize(), env.MaxFrame))

		case kindCandidate:
			if env.Candidate == nil {
				return fmt.Errorf("%w: empty candidate", ErrUnexpectedMessage)
			}
			if !x.remoteSet {
				x.pending = append(x.pending, *env.Candidate)
				continue
			}
			if err := x.tr.AddICECandidate(*env.Candidate); err != nil {
				return err
			}

		case kindError:
			return fmt.Errorf("%w: %s", ErrRejected, env.Error)

		default:
			return fmt.Errorf("%w: %q", ErrUnexpectedMessage, env.Kind)
		}
	}
}
