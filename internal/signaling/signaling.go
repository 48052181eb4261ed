package signaling

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/1ureka/dhtrelay/internal/transport"
	"github.com/1ureka/dhtrelay/internal/util"
)

// Options configures the DataChannel created during signaling.
type Options struct {
	STUNServers  []string
	MaxFrameSize int
}

// Answer executes the relay-side signaling flow on an upgraded WebSocket:
//  1. Create a DataChannel transport capped at opts.MaxFrameSize
//  2. Wait for the controller's offer, settle the frame limit, answer
//  3. Trade ICE candidates until the DataChannel is ready
//  4. Close the WS connection and return the ready transport
//
// On failure the controller receives an error message before the WS closes.
func Answer(ctx context.Context, wsConn *websocket.Conn, opts Options) (*transport.DataChannel, error) {
	defer wsConn.Close()

	tr, err := transport.NewDataChannel(ctx, opts.STUNServers, opts.MaxFrameSize)
	if err != nil {
		return nil, fmt.Errorf("create DataChannel: %w", err)
	}
	return await(ctx, tr, newExchange(tr, wsConn, false))
}

// Offer executes the controller-side signaling flow:
//  1. Connect to the relay's /signal endpoint
//  2. Create a DataChannel transport and send the offer with our frame limit
//  3. Apply the answer, adopt the agreed limit, trade ICE candidates
//  4. Wait for the DataChannel to be ready, then close the WS connection
func Offer(ctx context.Context, url string, opts Options) (*transport.DataChannel, error) {
	wsConn, err := connect(ctx, url)
	if err != nil {
		return nil, err
	}
	defer wsConn.Close()
	util.Logf("WS connected: %s", url)

	tr, err := transport.NewDataChannel(ctx, opts.STUNServers, opts.MaxFrameSize)
	if err != nil {
		return nil, fmt.Errorf("create DataChannel: %w", err)
	}

	x := newExchange(tr, wsConn, true)
	if err := x.offer(); err != nil {
		tr.Close()
		return nil, fmt.Errorf("send offer: %w", err)
	}
	return await(ctx, tr, x)
}

// await runs the exchange until the DataChannel opens, signaling fails or
// ctx is cancelled. The exchange exits when the caller closes the WS.
func await(ctx context.Context, tr *transport.DataChannel, x *exchange) (*transport.DataChannel, error) {
	errCh := make(chan error, 1)
	go func() {
		errCh <- x.run()
	}()

	select {
	case <-tr.Ready():
		util.Logf("WebRTC DataChannel established (max frame %d), closing WS", tr.MaxFrameSize())
		return tr, nil

	case err := <-errCh:
		// The WS may close right after the channel opened.
		select {
		case <-tr.Ready():
			return tr, nil
		default:
		}
		x.reject(err)
		tr.Close()
		return nil, fmt.Errorf("signaling failed: %w", err)

	case <-ctx.Done():
		tr.Close()
		return nil, ctx.Err()
	}
}
