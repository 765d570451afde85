package netx

import (
	"net"
	"sync"
	"time"
)

// DialTimeout bounds connection establishment to a peer.
const DialTimeout = 10 * time.Second

type tcpNetwork struct {
	network string // "tcp", "tcp4" or "tcp6"

	mu       sync.Mutex
	listener net.Listener
}

// NewTCPNetwork returns a plain TCP transport. network selects the
// address family: "tcp", "tcp4" or "tcp6".
func NewTCPNetwork(network string) Network {
	if network == "" {
		network = "tcp"
	}
	return &tcpNetwork{network: network}
}

func (t *tcpNetwork) Listen(bindAddr string) (Addr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, err := net.Listen(t.network, bindAddr)
	if err != nil {
		return "", err
	}
	t.listener = l
	return Addr(l.Addr().String()), nil
}

func (t *tcpNetwork) Accept() (Conn, error) {
	t.mu.Lock()
	l := t.listener
	t.mu.Unlock()

	if l == nil {
		return nil, net.ErrClosed
	}
	c, err := l.Accept()
	if err != nil {
		return nil, err
	}
	return &tcpConn{Conn: c}, nil
}

func (t *tcpNetwork) Dial(addr Addr) (Conn, error) {
	c, err := net.DialTimeout(t.network, string(addr), DialTimeout)
	if err != nil {
		return nil, err
	}
	return &tcpConn{Conn: c}, nil
}

func (t *tcpNetwork) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		err := t.listener.Close()
		t.listener = nil
		return err
	}
	return nil
}

type tcpConn struct {
	net.Conn
}

func (c *tcpConn) RemoteAddr() Addr {
	return Addr(c.Conn.RemoteAddr().String())
}
