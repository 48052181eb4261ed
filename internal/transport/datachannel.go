package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/dhtrelay/internal/protocol"
	"github.com/1ureka/dhtrelay/internal/util"
	rtc "github.com/1ureka/dhtrelay/internal/webrtc"
)

const inboxSize = 64 // inbound frames buffered ahead of the reader

// DataChannel wraps a single PeerConnection + DataChannel pair, providing the
// signaling calls needed to establish it and framed reads and writes once it
// is open.
//
// Its lifecycle is governed by the DataChannel state and the context passed
// at construction time. The PeerConnection state is recorded but does not
// drive open/close decisions.
type DataChannel struct {
	pc *webrtc.PeerConnection
	dc *rtc.DataChannel

	openSignal chan struct{}
	inbox      chan []byte
	maxFrame   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
	failure error
}

// NewDataChannel creates a PeerConnection and its pre-negotiated control
// DataChannel. The caller performs signaling through the exposed methods and
// then uses the value as a Conn.
func NewDataChannel(ctx context.Context, stunServers []string, maxFrame int) (*DataChannel, error) {
	if maxFrame <= 0 {
		maxFrame = protocol.DefaultMaxFrameSize
	}

	pc, err := rtc.NewPeerConnection(stunServers)
	if err != nil {
		return nil, err
	}

	raw, err := rtc.CreateDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	tCtx, tCancel := context.WithCancel(ctx)

	t := &DataChannel{
		pc:         pc,
		dc:         rtc.NewDataChannel(raw),
		openSignal: make(chan struct{}),
		inbox:      make(chan []byte, inboxSize),
		ctx:        tCtx,
		cancel:     tCancel,
		pcState:    webrtc.PeerConnectionStateNew,
	}
	t.maxFrame.Store(int64(maxFrame))

	// DC open gate.
	var openOnce sync.Once
	t.dc.OnOpen(func() {
		openOnce.Do(func() { close(t.openSignal) })
	})

	// DC close → cancel transport context.
	t.dc.OnClose(func() {
		util.Logf("DataChannel closed")
		tCancel()
	})

	t.dc.OnMessage(func(data []byte, binary bool) {
		switch {
		case !binary:
			t.fail(ErrNotBinary)
		case int64(len(data)) > t.maxFrame.Load():
			t.fail(fmt.Errorf("%w: %d > %d", protocol.ErrFrameTooLarge, len(data), t.maxFrame.Load()))
		default:
			select {
			case t.inbox <- data:
			case <-t.ctx.Done():
			}
		}
	})

	// Record PC state (informational only).
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.Logf("PeerConnection state: %s", state.String())
		t.mu.Lock()
		t.pcState = state
		t.mu.Unlock()
		if state == webrtc.PeerConnectionStateFailed {
			tCancel()
		}
	})

	return t, nil
}

func (t *DataChannel) fail(err error) {
	t.mu.Lock()
	if t.failure == nil {
		t.failure = err
	}
	t.mu.Unlock()
	t.cancel()
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready returns a channel that is closed when the DataChannel is open.
func (t *DataChannel) Ready() <-chan struct{} {
	return t.openSignal
}

// Done returns a channel that is closed when the DataChannel is shut down
// (DataChannel closed or parent context cancelled).
func (t *DataChannel) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Close shuts down the DataChannel and PeerConnection.
func (t *DataChannel) Close() error {
	t.cancel()
	return errors.Join(t.dc.Close(), t.pc.Close())
}

// MaxFrameSize reports the largest frame accepted in either direction.
func (t *DataChannel) MaxFrameSize() int { return int(t.maxFrame.Load()) }

// SetMaxFrameSize lowers or raises the frame limit, typically to the value
// both sides agreed on during signaling. Non-positive values are ignored.
func (t *DataChannel) SetMaxFrameSize(n int) {
	if n > 0 {
		t.maxFrame.Store(int64(n))
	}
}

// ConnectionState returns the last observed PeerConnection state.
func (t *DataChannel) ConnectionState() webrtc.PeerConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pcState
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (t *DataChannel) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (t *DataChannel) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (t *DataChannel) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (t *DataChannel) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback invoked whenever a new local ICE
// candidate is gathered. A nil candidate signals the end of gathering.
func (t *DataChannel) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	t.pc.OnICECandidate(fn)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (t *DataChannel) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Conn
// ---------------------------------------------------------------------------

func (t *DataChannel) ReadFrame() ([]byte, error) {
	select {
	case f := <-t.inbox:
		return f, nil
	case <-t.ctx.Done():
		t.mu.RLock()
		defer t.mu.RUnlock()
		if t.failure != nil {
			return nil, t.failure
		}
		return nil, ErrClosed
	}
}

// WriteFrame blocks until the channel is open, then sends with backpressure.
func (t *DataChannel) WriteFrame(frame []byte) error {
	if limit := t.maxFrame.Load(); int64(len(frame)) > limit {
		return fmt.Errorf("%w: %d > %d", protocol.ErrFrameTooLarge, len(frame), limit)
	}
	select {
	case <-t.openSignal:
	case <-t.ctx.Done():
		return ErrClosed
	}
	if err := t.dc.Send(t.ctx, frame); err != nil {
		if t.ctx.Err() != nil {
			return ErrClosed
		}
		return err
	}
	return nil
}

// RemoteAddr reports the selected ICE candidate's address when known.
func (t *DataChannel) RemoteAddr() string {
	sctp := t.pc.SCTP()
	if sctp == nil || sctp.Transport() == nil || sctp.Transport().ICETransport() == nil {
		return "webrtc"
	}
	pair, err := sctp.Transport().ICETransport().GetSelectedCandidatePair()
	if err != nil || pair == nil || pair.Remote == nil {
		return "webrtc"
	}
	return fmt.Sprintf("webrtc:%s:%d", pair.Remote.Address, pair.Remote.Port)
}
