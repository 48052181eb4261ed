package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/1ureka/dhtrelay/internal/control"
	"github.com/1ureka/dhtrelay/internal/event"
	"github.com/1ureka/dhtrelay/internal/protocol"
)

// waiter funnels matching inbound messages to one request. Handlers never
// block the channel's reader once the request has returned.
type waiter struct {
	ch   *control.Channel
	msgs chan protocol.Message
	stop chan struct{}
	subs event.Group
}

func (c *Client) newWaiter() *waiter {
	return &waiter{
		ch:   c.ch,
		msgs: make(chan protocol.Message, 16),
		stop: make(chan struct{}),
	}
}

func watch[T protocol.Message](w *waiter, match func(T) bool) {
	w.subs.Add(control.On(w.ch, func(m T) {
		if !match(m) {
			return
		}
		select {
		case w.msgs <- m:
		case <-w.stop:
		}
	}))
}

func (w *waiter) next(ctx context.Context) (protocol.Message, error) {
	select {
	case m := <-w.msgs:
		return m, nil
	case <-w.ch.Done():
		return nil, ErrClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

func (w *waiter) close() {
	w.subs.Release()
	close(w.stop)
}
