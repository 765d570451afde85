package node

import (
	"errors"
	"fmt"
	"time"

	"github.com/diunko/elliptics/internal/backend"
	"github.com/diunko/elliptics/internal/proto"
	"github.com/diunko/elliptics/internal/telemetry"
)

// ErrConfig marks an unusable node configuration.
var ErrConfig = errors.New("invalid node config")

const (
	// DefaultWaitTimeout is the per-attempt transaction deadline.
	DefaultWaitTimeout = time.Hour
	// DefaultResendCount bounds retries after a timeout.
	DefaultResendCount = 3
	// DefaultTransactionSize is the chunk size file operations split
	// payloads into, one transaction per chunk.
	DefaultTransactionSize = 1 << 20
	DefaultIOThreads       = 2
	DefaultMaxPending      = 8
)

// Config describes a node. It is read once by New and never mutated
// afterwards.
type Config struct {
	// Addr is the listen address, host:port. Port 0 picks a free one.
	Addr string
	// Family selects the address family: "tcp", "tcp4" or "tcp6".
	Family string
	// ID is the node's ring identity. Zero derives it from Addr through
	// the first transform.
	ID proto.ID
	// Remotes are peers to join through.
	Remotes []string
	// Secure enables the Noise-encrypted transport between nodes.
	Secure bool

	// Transforms names the hash chain, first entry derives IDs.
	// Empty defaults to sha512.
	Transforms    []string
	MaxTransforms int

	// Backend is the storage engine; required.
	Backend backend.Handler

	IOThreads       int
	MaxPending      int
	WaitTimeout     time.Duration
	ResendCount     int
	TransactionSize uint64

	// AllowExec permits serving remote command execution. Off by
	// default; disabled nodes answer exec with a permission status.
	AllowExec bool

	LogMask uint32
	Logger  telemetry.Logger
}

func (c Config) withDefaults() Config {
	if c.Family == "" {
		c.Family = "tcp"
	}
	if len(c.Transforms) == 0 {
		c.Transforms = []string{"sha512"}
	}
	if c.IOThreads <= 0 {
		c.IOThreads = DefaultIOThreads
	}
	if c.MaxPending <= 0 {
		c.MaxPending = DefaultMaxPending
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	if c.ResendCount < 0 {
		c.ResendCount = DefaultResendCount
	}
	if c.TransactionSize == 0 {
		c.TransactionSize = DefaultTransactionSize
	}
	if c.TransactionSize > proto.MaxPayload {
		c.TransactionSize = proto.MaxPayload
	}
	return c
}

func (c Config) validate() error {
	if c.Addr == "" {
		return fmt.Errorf("listen address required: %w", ErrConfig)
	}
	if c.Backend == nil {
		return fmt.Errorf("storage backend required: %w", ErrConfig)
	}
	return nil
}
