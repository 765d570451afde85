// Package filestore is the directory-sharded flat-file backend. An
// object's path is derived from the top bits of its ID: the configured
// number of bits selects a subdirectory, the full hex ID names the
// object file. History logs live next to the object in a parallel
// ".history" file.
package filestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/diunko/elliptics/internal/backend"
	"github.com/diunko/elliptics/internal/proto"
)

const (
	// DefaultBits is the subdirectory fan-out used when none is given.
	DefaultBits = 8
	maxBits     = 16

	historySuffix = ".history"
)

type Store struct {
	root  string
	bits  uint
	locks *backend.IDLocks
}

func New(root string, bits uint) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("filestore: empty root: %w", proto.ErrInvalid)
	}
	if bits == 0 {
		bits = DefaultBits
	}
	if bits > maxBits {
		return nil, fmt.Errorf("filestore: %d fan-out bits exceeds %d: %w", bits, maxBits, proto.ErrInvalid)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create root: %w", err)
	}
	return &Store{root: root, bits: bits, locks: backend.NewIDLocks()}, nil
}

func (s *Store) Close() error { return nil }

// paths maps the top fan-out bits of id to its subdirectory and object
// file, deterministically for a fixed bit count.
func (s *Store) paths(id proto.ID) (dir, obj string) {
	v := binary.BigEndian.Uint16(id[0:2]) >> (16 - s.bits)
	digits := int(s.bits+3) / 4
	dir = filepath.Join(s.root, fmt.Sprintf("%0*x", digits, v))
	obj = filepath.Join(dir, id.Hex())
	return dir, obj
}

func (s *Store) Handle(cmd *backend.Command) (*backend.Reply, error) {
	unlock := s.locks.Lock(cmd.ID)
	defer unlock()

	dir, obj := s.paths(cmd.ID)
	switch cmd.Op {
	case backend.OpWrite:
		return s.write(dir, obj, cmd)
	case backend.OpRead:
		return s.read(obj, cmd)
	case backend.OpRemove:
		return s.remove(obj)
	case backend.OpHistoryAppend:
		return s.historyAppend(dir, obj, cmd)
	case backend.OpHistoryRead:
		return s.readAll(obj + historySuffix)
	case backend.OpLookup:
		return s.lookup(obj)
	case backend.OpList:
		return s.list()
	default:
		return nil, fmt.Errorf("filestore: op %s: %w", cmd.Op, proto.ErrInvalid)
	}
}

func (s *Store) write(dir, obj string, cmd *backend.Command) (*backend.Reply, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore write: %w", err)
	}
	f, err := os.OpenFile(obj, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filestore write: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteAt(cmd.Data, int64(cmd.Offset)); err != nil {
		return nil, fmt.Errorf("filestore write: %w", err)
	}
	return &backend.Reply{Size: uint64(len(cmd.Data))}, nil
}

func (s *Store) read(obj string, cmd *backend.Command) (*backend.Reply, error) {
	f, err := os.Open(obj)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("filestore read %s: %w", filepath.Base(obj), backend.ErrNotFound)
		}
		return nil, fmt.Errorf("filestore read: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("filestore read: %w", err)
	}
	stored := uint64(fi.Size())
	if cmd.Offset >= stored {
		return &backend.Reply{}, nil
	}
	// The requested size arrives off the wire; clamp it to what is
	// stored so it never drives the allocation.
	size := stored - cmd.Offset
	if cmd.Size != 0 && cmd.Size < size {
		size = cmd.Size
	}
	buf := make([]byte, size)
	n, err := f.ReadAt(buf, int64(cmd.Offset))
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("filestore read: %w", err)
	}
	return &backend.Reply{Data: buf[:n], Size: uint64(n)}, nil
}

func (s *Store) remove(obj string) (*backend.Reply, error) {
	// Removing an absent object is not an error.
	for _, p := range []string{obj, obj + historySuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("filestore remove: %w", err)
		}
	}
	return &backend.Reply{}, nil
}

func (s *Store) historyAppend(dir, obj string, cmd *backend.Command) (*backend.Reply, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore history: %w", err)
	}
	f, err := os.OpenFile(obj+historySuffix, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filestore history: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(cmd.Data); err != nil {
		return nil, fmt.Errorf("filestore history: %w", err)
	}
	return &backend.Reply{}, nil
}

func (s *Store) readAll(path string) (*backend.Reply, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("filestore history %s: %w", filepath.Base(path), backend.ErrNotFound)
		}
		return nil, fmt.Errorf("filestore history: %w", err)
	}
	return &backend.Reply{Data: b, Size: uint64(len(b))}, nil
}

func (s *Store) lookup(obj string) (*backend.Reply, error) {
	fi, err := os.Stat(obj)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("filestore lookup %s: %w", filepath.Base(obj), backend.ErrNotFound)
		}
		return nil, fmt.Errorf("filestore lookup: %w", err)
	}
	return &backend.Reply{Size: uint64(fi.Size())}, nil
}

func (s *Store) list() (*backend.Reply, error) {
	var ids []proto.ID
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		name := d.Name()
		if len(name) != proto.IDSize*2 {
			return nil
		}
		id, perr := proto.ParseID(name)
		if perr != nil {
			return nil
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("filestore list: %w", err)
	}
	return &backend.Reply{IDs: ids, Size: uint64(len(ids))}, nil
}

var _ backend.Handler = (*Store)(nil)
