// Package backend defines the storage contract every engine must
// satisfy: a single dispatch entry point receiving an opaque command
// record. Any store implementing Handler plugs into the node unchanged.
package backend

import (
	"github.com/diunko/elliptics/internal/proto"
)

// ErrNotFound is the storage-level not-found, shared with the wire
// status mapping.
var ErrNotFound = proto.ErrNotFound

// Op is the backend operation kind.
type Op uint32

const (
	OpWrite Op = iota + 1
	OpRead
	OpRemove
	OpHistoryAppend
	OpHistoryRead
	// OpLookup reports whether the ID is stored locally and its size.
	OpLookup
	// OpList enumerates locally stored IDs.
	OpList
)

func (o Op) String() string {
	switch o {
	case OpWrite:
		return "write"
	case OpRead:
		return "read"
	case OpRemove:
		return "remove"
	case OpHistoryAppend:
		return "history_append"
	case OpHistoryRead:
		return "history_read"
	case OpLookup:
		return "lookup"
	case OpList:
		return "list"
	default:
		return "unknown"
	}
}

// Command is the dispatch record. Size zero on read means "to the end".
type Command struct {
	Op     Op
	ID     proto.ID
	Offset uint64
	Size   uint64
	Data   []byte
}

// Reply carries a command's result. Size reports the stored object size
// for OpLookup; IDs is set for OpList.
type Reply struct {
	Data []byte
	Size uint64
	IDs  []proto.ID
}

// Handler is the pluggable storage engine. Implementations must make
// writes to one ID atomic with respect to concurrent reads of the same
// ID, keep distinct IDs independently concurrent, and treat removal of
// an absent ID as success.
type Handler interface {
	Handle(cmd *Command) (*Reply, error)
	Close() error
}
