// Package netx abstracts the node's transport so the core can run over
// plain TCP, Noise-encrypted TCP, or a pipe network in tests.
package netx

import (
	"io"
	"time"
)

type Addr string

// Conn is a single peer connection. Deadlines must be supported so the
// engine can bound handshakes and blocking reads.
type Conn interface {
	io.ReadWriteCloser
	RemoteAddr() Addr
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

type Network interface {
	Listen(bindAddr string) (listenAddr Addr, err error)
	Accept() (Conn, error)
	Dial(addr Addr) (Conn, error)
	Close() error
}
