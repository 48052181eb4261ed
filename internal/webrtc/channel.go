package webrtc

import (
	"context"

	"github.com/pion/webrtc/v4"
)

const (
	HighWaterMark = 256 * 1024 // pause sending when bufferedAmount exceeds this
	LowWaterMark  = 64 * 1024  // resume sending when bufferedAmount drops below this
)

// DataChannel wraps a pion DataChannel with backpressure-aware sends.
type DataChannel struct {
	raw       *webrtc.DataChannel
	sendReady chan struct{}
}

// NewDataChannel wraps raw and installs the low-water-mark callback.
func NewDataChannel(raw *webrtc.DataChannel) *DataChannel {
	ch := &DataChannel{
		raw:       raw,
		sendReady: make(chan struct{}, 1),
	}

	raw.SetBufferedAmountLowThreshold(uint64(LowWaterMark))
	raw.OnBufferedAmountLow(func() {
		select {
		case ch.sendReady <- struct{}{}:
		default:
		}
	})

	return ch
}

// Send transmits one message. While the buffered amount is above the high
// water mark it blocks until the buffer drains or ctx is cancelled.
func (c *DataChannel) Send(ctx context.Context, data []byte) error {
	if c.raw.BufferedAmount() > uint64(HighWaterMark) {
		select {
		case <-c.sendReady:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.raw.Send(data)
}

// OnMessage registers the inbound message callback.
func (c *DataChannel) OnMessage(fn func(data []byte, binary bool)) {
	c.raw.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data, !msg.IsString)
	})
}

// OnOpen / OnClose / Close / Raw proxy the underlying channel.
func (c *DataChannel) OnOpen(fn func())         { c.raw.OnOpen(fn) }
func (c *DataChannel) OnClose(fn func())        { c.raw.OnClose(fn) }
func (c *DataChannel) Close() error             { return c.raw.Close() }
func (c *DataChannel) Raw() *webrtc.DataChannel { return c.raw }
