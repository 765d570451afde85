package proto

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// Command is the wire command code.
type Command uint32

const (
	CmdPing Command = iota + 1
	CmdJoin
	CmdRouteList
	CmdWrite
	CmdRead
	CmdRemove
	CmdHistory
	CmdLookup
	CmdStat
	CmdExec
)

func (c Command) String() string {
	switch c {
	case CmdPing:
		return "ping"
	case CmdJoin:
		return "join"
	case CmdRouteList:
		return "route_list"
	case CmdWrite:
		return "write"
	case CmdRead:
		return "read"
	case CmdRemove:
		return "remove"
	case CmdHistory:
		return "history"
	case CmdLookup:
		return "lookup"
	case CmdStat:
		return "stat"
	case CmdExec:
		return "exec"
	default:
		return fmt.Sprintf("cmd(%d)", uint32(c))
	}
}

// Header flags.
const (
	// FlagReply marks a packet as the response to the transaction
	// identified by TransID.
	FlagReply uint32 = 1 << iota
	// FlagAck requests a bare status reply without payload.
	FlagAck
	// FlagHistory redirects a read/write to the ID's history log.
	FlagHistory
)

// HeaderSize is the fixed wire header length.
const HeaderSize = 8 + 4 + 4 + 4 + IDSize + 8 + 8 + 4

// MaxPayload bounds a single packet's payload. Larger writes are split
// into multiple transactions by the caller.
const MaxPayload = 1 << 30

// Header is the command header carried by every packet. The protocol is
// symmetric: either end of a connection may originate commands, and a
// reply echoes the originator's TransID with FlagReply set.
type Header struct {
	TransID    uint64
	Cmd        Command
	Status     Status
	Flags      uint32
	ID         ID
	Offset     uint64
	Size       uint64
	PayloadLen uint32
}

// IsReply reports whether the packet answers a pending transaction.
func (h *Header) IsReply() bool { return h.Flags&FlagReply != 0 }

func (h *Header) marshal(buf []byte) {
	binary.BigEndian.PutUint64(buf[0:8], h.TransID)
	binary.BigEndian.PutUint32(buf[8:12], uint32(h.Cmd))
	binary.BigEndian.PutUint32(buf[12:16], uint32(h.Status))
	binary.BigEndian.PutUint32(buf[16:20], h.Flags)
	copy(buf[20:20+IDSize], h.ID[:])
	binary.BigEndian.PutUint64(buf[20+IDSize:28+IDSize], h.Offset)
	binary.BigEndian.PutUint64(buf[28+IDSize:36+IDSize], h.Size)
	binary.BigEndian.PutUint32(buf[36+IDSize:40+IDSize], h.PayloadLen)
}

func (h *Header) unmarshal(buf []byte) {
	h.TransID = binary.BigEndian.Uint64(buf[0:8])
	h.Cmd = Command(binary.BigEndian.Uint32(buf[8:12]))
	h.Status = Status(int32(binary.BigEndian.Uint32(buf[12:16])))
	h.Flags = binary.BigEndian.Uint32(buf[16:20])
	copy(h.ID[:], buf[20:20+IDSize])
	h.Offset = binary.BigEndian.Uint64(buf[20+IDSize : 28+IDSize])
	h.Size = binary.BigEndian.Uint64(buf[28+IDSize : 36+IDSize])
	h.PayloadLen = binary.BigEndian.Uint32(buf[36+IDSize : 40+IDSize])
}

// WritePacket writes one header + payload frame. PayloadLen is forced to
// len(payload). The caller serializes concurrent writers per connection.
func WritePacket(w io.Writer, h Header, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("packet payload %d exceeds limit", len(payload))
	}
	h.PayloadLen = uint32(len(payload))
	hdr := make([]byte, HeaderSize)
	h.marshal(hdr)

	b := net.Buffers{hdr, payload}
	_, err := b.WriteTo(writerOnly{w})
	return err
}

// writerOnly hides ReadFrom/WriteTo fast paths so net.Buffers performs a
// plain vectored write.
type writerOnly struct{ io.Writer }

// ReadPacket reads one frame. The payload buffer is freshly allocated
// since it typically outlives the read loop's iteration.
func ReadPacket(r io.Reader) (Header, []byte, error) {
	var h Header
	hdr := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return h, nil, err
	}
	h.unmarshal(hdr)
	if h.PayloadLen > MaxPayload {
		return h, nil, fmt.Errorf("packet payload %d exceeds limit", h.PayloadLen)
	}
	if h.PayloadLen == 0 {
		return h, nil, nil
	}
	payload := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return h, nil, err
	}
	return h, payload, nil
}
