package proxy

import (
	"encoding/binary"
	"sync"

	"github.com/1ureka/dhtrelay/internal/protocol"
)

// acceptedBase is where ids for accepted connections start. Controllers pick
// their connect ids from the range below it, so the two sides do not race
// for the same value.
const acceptedBase = 1 << 31

// idGen hands out SocketIDs from a little-endian uint32 counter in the range
// (base, MaxUint32]. It is not safe for concurrent use.
type idGen struct {
	base uint32
	val  uint32
}

// next returns the next counter value not reported in use. The first call
// returns base+1. Ids are reused only after the counter wraps.
func (g *idGen) next(inUse func(protocol.SocketID) bool) protocol.SocketID {
	for {
		g.val++
		if g.val <= g.base {
			g.val = g.base + 1
		}
		var id protocol.SocketID
		binary.LittleEndian.PutUint32(id[:], g.val)
		if !inUse(id) {
			return id
		}
	}
}

// IDs tracks the SocketIDs live on one control channel. Every Server and the
// Dialer bound to that channel share it, so an id names at most one open
// connection on the channel.
type IDs struct {
	mu   sync.Mutex
	gen  idGen
	live map[protocol.SocketID]struct{}
}

func NewIDs() *IDs {
	return &IDs{
		gen:  idGen{base: acceptedBase},
		live: make(map[protocol.SocketID]struct{}),
	}
}

// next allocates a fresh id for an accepted connection.
func (p *IDs) next() protocol.SocketID {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.gen.next(p.inUseLocked)
	p.live[id] = struct{}{}
	return id
}

// reserve claims a controller-chosen id. It reports false if the id is live.
func (p *IDs) reserve(id protocol.SocketID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inUseLocked(id) {
		return false
	}
	p.live[id] = struct{}{}
	return true
}

func (p *IDs) release(id protocol.SocketID) {
	p.mu.Lock()
	delete(p.live, id)
	p.mu.Unlock()
}

// inUse reports whether id belongs to an open or pending connection.
func (p *IDs) inUse(id protocol.SocketID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUseLocked(id)
}

func (p *IDs) inUseLocked(id protocol.SocketID) bool {
	_, ok := p.live[id]
	return ok
}
