package control

import (
	"context"

	"github.com/1ureka/dhtrelay/internal/crypto"
	"github.com/1ureka/dhtrelay/internal/protocol"
)

func (c *Channel) Listening(ctx context.Context, pk crypto.PublicKey, addr protocol.IPv4Address) error {
	return c.Send(ctx, protocol.Listening{PublicKey: pk, Address: addr})
}

func (c *Channel) Connection(ctx context.Context, id protocol.SocketID, pk, remote crypto.PublicKey, hash crypto.HandshakeHash) error {
	return c.Send(ctx, protocol.Connection{
		Socket:          id,
		PublicKey:       pk,
		RemotePublicKey: remote,
		HandshakeHash:   hash,
	})
}

// Data sends one batch. Every payload must stay valid until the frame is
// encoded, which happens before Data returns.
func (c *Channel) Data(ctx context.Context, id protocol.SocketID, remote crypto.PublicKey, batch ...[]byte) error {
	return c.Send(ctx, protocol.Data{Socket: id, PublicKey: remote, Data: batch})
}

func (c *Channel) Destroy(ctx context.Context, id protocol.SocketID, remote crypto.PublicKey) error {
	return c.Send(ctx, protocol.Destroy{Socket: id, PublicKey: remote})
}

// Error forwards err's text as an error message.
func (c *Channel) Error(ctx context.Context, err error) error {
	return c.Send(ctx, protocol.ErrorMessage{Message: err.Error()})
}

func (c *Channel) Closed(ctx context.Context, pk crypto.PublicKey) error {
	return c.Send(ctx, protocol.Closed{PublicKey: pk})
}

func (c *Channel) Result(ctx context.Context, id protocol.QueryID, data []byte) error {
	return c.Send(ctx, protocol.Result{ID: id, Data: data})
}

func (c *Channel) Finished(ctx context.Context, id protocol.QueryID) error {
	return c.Send(ctx, protocol.Finished{ID: id})
}

func (c *Channel) Signature(ctx context.Context, id protocol.QueryID, sig []byte) error {
	return c.Send(ctx, protocol.Signature{ID: id, Signature: sig})
}

func (c *Channel) Pong(ctx context.Context) error {
	return c.Send(ctx, protocol.Pong{})
}
