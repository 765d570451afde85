package backend

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/diunko/elliptics/internal/proto"
)

// IDLocks provides the per-ID critical sections backends rely on.
// Locks for different IDs never contend; a lock is created on first use
// and kept for the store's lifetime.
type IDLocks struct {
	locks *xsync.MapOf[proto.ID, *sync.Mutex]
}

func NewIDLocks() *IDLocks {
	return &IDLocks{locks: xsync.NewMapOf[proto.ID, *sync.Mutex]()}
}

// Lock acquires the mutex for id and returns its release function.
func (l *IDLocks) Lock(id proto.ID) func() {
	mu, _ := l.locks.LoadOrCompute(id, func() *sync.Mutex {
		return &sync.Mutex{}
	})
	mu.Lock()
	return mu.Unlock
}
