package netx

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/flynn/noise"
)

// handshakeTimeout bounds the Noise exchange on a fresh connection.
const handshakeTimeout = 15 * time.Second

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// GenerateKeypair creates a static Noise keypair for a node.
func GenerateKeypair() (noise.DHKey, error) {
	return cipherSuite.GenerateKeypair(rand.Reader)
}

type secureNetwork struct {
	inner Network
	key   noise.DHKey
}

// NewSecureNetwork wraps a transport so every connection runs a
// Noise_XX handshake and carries encrypted frames.
func NewSecureNetwork(inner Network, key noise.DHKey) Network {
	return &secureNetwork{inner: inner, key: key}
}

func (s *secureNetwork) Listen(bindAddr string) (Addr, error) {
	return s.inner.Listen(bindAddr)
}

func (s *secureNetwork) Accept() (Conn, error) {
	c, err := s.inner.Accept()
	if err != nil {
		return nil, err
	}
	sc, err := handshake(c, s.key, false)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("noise accept from %s: %w", c.RemoteAddr(), err)
	}
	return sc, nil
}

func (s *secureNetwork) Dial(addr Addr) (Conn, error) {
	c, err := s.inner.Dial(addr)
	if err != nil {
		return nil, err
	}
	sc, err := handshake(c, s.key, true)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("noise dial %s: %w", addr, err)
	}
	return sc, nil
}

func (s *secureNetwork) Close() error { return s.inner.Close() }

// secureConn frames and encrypts a byte stream. Reads buffer any
// plaintext left over from the previous frame so callers can consume
// the stream with exact-size reads.
type secureConn struct {
	inner   Conn
	readCS  *noise.CipherState
	writeCS *noise.CipherState
	rest    []byte
}

// maxFrame bounds one encrypted frame; larger writes are split.
const maxFrame = 60000

func (c *secureConn) Read(p []byte) (int, error) {
	if len(c.rest) > 0 {
		n := copy(p, c.rest)
		c.rest = c.rest[n:]
		return n, nil
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(c.inner, lenBuf[:]); err != nil {
		return 0, err
	}
	sz := binary.BigEndian.Uint32(lenBuf[:])
	if sz == 0 || sz > maxFrame+64 {
		return 0, fmt.Errorf("invalid frame length %d", sz)
	}
	ct := make([]byte, sz)
	if _, err := io.ReadFull(c.inner, ct); err != nil {
		return 0, err
	}
	pt, err := c.readCS.Decrypt(nil, nil, ct)
	if err != nil {
		return 0, err
	}
	n := copy(p, pt)
	c.rest = pt[n:]
	return n, nil
}

func (c *secureConn) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxFrame {
			chunk = chunk[:maxFrame]
		}
		ct, err := c.writeCS.Encrypt(nil, nil, chunk)
		if err != nil {
			return total, err
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(ct)))
		if _, err := c.inner.Write(lenBuf[:]); err != nil {
			return total, err
		}
		if _, err := c.inner.Write(ct); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

func (c *secureConn) Close() error                       { return c.inner.Close() }
func (c *secureConn) RemoteAddr() Addr                   { return c.inner.RemoteAddr() }
func (c *secureConn) SetReadDeadline(t time.Time) error  { return c.inner.SetReadDeadline(t) }
func (c *secureConn) SetWriteDeadline(t time.Time) error { return c.inner.SetWriteDeadline(t) }

// handshake runs Noise_XX over conn and returns the encrypted wrapper.
func handshake(conn Conn, key noise.DHKey, initiator bool) (Conn, error) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_ = conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	defer func() {
		_ = conn.SetReadDeadline(time.Time{})
		_ = conn.SetWriteDeadline(time.Time{})
	}()

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: key,
	})
	if err != nil {
		return nil, err
	}

	var cs1, cs2 *noise.CipherState
	if initiator {
		// -> e
		msg, _, _, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return nil, err
		}
		if err := writeHandshakeMsg(conn, msg); err != nil {
			return nil, err
		}
		// <- e, ee, s, es
		in, err := readHandshakeMsg(conn)
		if err != nil {
			return nil, err
		}
		if _, _, _, err := hs.ReadMessage(nil, in); err != nil {
			return nil, err
		}
		// -> s, se
		msg, cs1, cs2, err = hs.WriteMessage(nil, nil)
		if err != nil {
			return nil, err
		}
		if err := writeHandshakeMsg(conn, msg); err != nil {
			return nil, err
		}
		return &secureConn{inner: conn, writeCS: cs1, readCS: cs2}, nil
	}

	// <- e
	in, err := readHandshakeMsg(conn)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, in); err != nil {
		return nil, err
	}
	// -> e, ee, s, es
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, err
	}
	if err := writeHandshakeMsg(conn, msg); err != nil {
		return nil, err
	}
	// <- s, se
	in, err = readHandshakeMsg(conn)
	if err != nil {
		return nil, err
	}
	if _, cs1, cs2, err = hs.ReadMessage(nil, in); err != nil {
		return nil, err
	}
	// Responder cipher state order is swapped relative to the initiator.
	return &secureConn{inner: conn, readCS: cs1, writeCS: cs2}, nil
}

func writeHandshakeMsg(w io.Writer, msg []byte) error {
	if len(msg) > 0xffff {
		return fmt.Errorf("handshake message too long")
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(msg)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

func readHandshakeMsg(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if n == 0 {
		return nil, fmt.Errorf("invalid handshake message length")
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
