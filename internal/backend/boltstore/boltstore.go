// Package boltstore is the embedded ordered key-value backend, built on
// bbolt. Objects live in a "data" bucket keyed by raw ID bytes; history
// logs live in a parallel "history" bucket under the same key. Write
// transactions are serialized by bbolt itself, which gives the per-ID
// write/read atomicity the backend contract requires.
package boltstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/diunko/elliptics/internal/backend"
	"github.com/diunko/elliptics/internal/proto"
)

const (
	bData    = "data"
	bHistory = "history"

	openTimeout = 2 * time.Second
)

type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("boltstore: empty db path: %w", proto.ErrInvalid)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("boltstore: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("boltstore open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bData, bHistory} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltstore open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Handle(cmd *backend.Command) (*backend.Reply, error) {
	switch cmd.Op {
	case backend.OpWrite:
		return s.write(cmd)
	case backend.OpRead:
		return s.read(cmd)
	case backend.OpRemove:
		return s.remove(cmd)
	case backend.OpHistoryAppend:
		return s.append(bHistory, cmd)
	case backend.OpHistoryRead:
		return s.get(bHistory, cmd.ID)
	case backend.OpLookup:
		return s.lookup(cmd.ID)
	case backend.OpList:
		return s.list()
	default:
		return nil, fmt.Errorf("boltstore: op %s: %w", cmd.Op, proto.ErrInvalid)
	}
}

func (s *Store) write(cmd *backend.Command) (*backend.Reply, error) {
	// The whole value is materialized in memory, so the write end must
	// fit a single bolt value. Offset comes off the wire unchecked.
	end := cmd.Offset + uint64(len(cmd.Data))
	if end < cmd.Offset || end > uint64(bolt.MaxValueSize) {
		return nil, fmt.Errorf("boltstore write: end %d+%d exceeds value limit: %w",
			cmd.Offset, len(cmd.Data), proto.ErrInvalid)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bData))
		cur := b.Get(cmd.ID[:])
		val := make([]byte, max(uint64(len(cur)), end))
		copy(val, cur)
		copy(val[cmd.Offset:], cmd.Data)
		return b.Put(cmd.ID[:], val)
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore write: %w", err)
	}
	return &backend.Reply{Size: uint64(len(cmd.Data))}, nil
}

func (s *Store) read(cmd *backend.Command) (*backend.Reply, error) {
	rep, err := s.get(bData, cmd.ID)
	if err != nil {
		return nil, err
	}
	val := rep.Data
	if cmd.Offset >= uint64(len(val)) {
		return &backend.Reply{}, nil
	}
	val = val[cmd.Offset:]
	if cmd.Size > 0 && cmd.Size < uint64(len(val)) {
		val = val[:cmd.Size]
	}
	return &backend.Reply{Data: val, Size: uint64(len(val))}, nil
}

func (s *Store) get(bucket string, id proto.ID) (*backend.Reply, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucket)).Get(id[:])
		if v == nil {
			return fmt.Errorf("boltstore %s %s: %w", bucket, id, backend.ErrNotFound)
		}
		// Copy: bolt memory is only valid inside the transaction.
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &backend.Reply{Data: out, Size: uint64(len(out))}, nil
}

func (s *Store) remove(cmd *backend.Command) (*backend.Reply, error) {
	// Delete is a no-op for absent keys, matching the contract.
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(bData)).Delete(cmd.ID[:]); err != nil {
			return err
		}
		return tx.Bucket([]byte(bHistory)).Delete(cmd.ID[:])
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore remove: %w", err)
	}
	return &backend.Reply{}, nil
}

func (s *Store) append(bucket string, cmd *backend.Command) (*backend.Reply, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		cur := b.Get(cmd.ID[:])
		val := make([]byte, 0, len(cur)+len(cmd.Data))
		val = append(val, cur...)
		val = append(val, cmd.Data...)
		return b.Put(cmd.ID[:], val)
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore history: %w", err)
	}
	return &backend.Reply{}, nil
}

func (s *Store) lookup(id proto.ID) (*backend.Reply, error) {
	rep, err := s.get(bData, id)
	if err != nil {
		return nil, err
	}
	return &backend.Reply{Size: rep.Size}, nil
}

func (s *Store) list() (*backend.Reply, error) {
	var ids []proto.ID
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bData)).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if len(k) != proto.IDSize {
				continue
			}
			var id proto.ID
			copy(id[:], k)
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore list: %w", err)
	}
	return &backend.Reply{IDs: ids, Size: uint64(len(ids))}, nil
}

var _ backend.Handler = (*Store)(nil)
