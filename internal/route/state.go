package route

import (
	"sync"
	"sync/atomic"

	"github.com/diunko/elliptics/internal/netx"
	"github.com/diunko/elliptics/internal/proto"
)

// Liveness of a peer.
type Liveness int32

const (
	Unknown Liveness = iota
	Alive
	Unreachable
)

func (l Liveness) String() string {
	switch l {
	case Alive:
		return "alive"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// State is one known peer: its address, the ID it claims on the ring,
// and the connection to it. The zero-conn state dials lazily. A State
// serializes packet writes so transactions addressed to the same peer
// keep their issuance order on the wire.
type State struct {
	Addr  string
	ID    proto.ID
	Local bool

	liveness atomic.Int32

	mu   sync.Mutex
	conn netx.Conn
}

func NewState(addr string, id proto.ID) *State {
	return &State{Addr: addr, ID: id}
}

// NewLocal builds the node's own State.
func NewLocal(addr string, id proto.ID) *State {
	return &State{Addr: addr, ID: id, Local: true}
}

func (s *State) Liveness() Liveness     { return Liveness(s.liveness.Load()) }
func (s *State) SetLiveness(l Liveness) { s.liveness.Store(int32(l)) }

// Conn returns the current connection, nil when not connected.
func (s *State) Conn() netx.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Attach installs c unless a connection already exists. It returns the
// connection in effect and whether c was installed.
func (s *State) Attach(c netx.Conn) (netx.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, false
	}
	s.conn = c
	return c, true
}

// Forget drops the connection without closing it, if it is still cur.
// Used when ownership of cur has been handed to another State.
func (s *State) Forget(cur netx.Conn) {
	s.mu.Lock()
	if s.conn == cur {
		s.conn = nil
	}
	s.mu.Unlock()
}

// Detach closes and drops the connection if it is still cur.
func (s *State) Detach(cur netx.Conn) {
	s.mu.Lock()
	if s.conn == cur && s.conn != nil {
		s.conn = nil
	}
	s.mu.Unlock()
	if cur != nil {
		_ = cur.Close()
	}
}

// Send writes one packet to the peer under the per-connection write
// lock. Returns proto.ErrNoRoute when not connected.
func (s *State) Send(h proto.Header, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return proto.ErrNoRoute
	}
	return proto.WritePacket(s.conn, h, payload)
}
