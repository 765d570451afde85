package transform

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"sort"
	"sync"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"

	"github.com/diunko/elliptics/internal/proto"
)

// Constructor builds a fresh transform instance.
type Constructor func() (Transform, error)

var (
	regMu    sync.RWMutex
	registry = map[string]Constructor{}
)

// Register makes a transform constructor available under name.
// Later registrations replace earlier ones.
func Register(name string, ctor Constructor) {
	regMu.Lock()
	registry[name] = ctor
	regMu.Unlock()
}

// New constructs the named transform, ErrUnavailable when unknown.
func New(name string) (Transform, error) {
	regMu.RLock()
	ctor, ok := registry[name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transform %s: %w", name, ErrUnavailable)
	}
	return ctor()
}

// Names lists registered transforms, sorted.
func Names() []string {
	regMu.RLock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	regMu.RUnlock()
	sort.Strings(out)
	return out
}

// digestTransform adapts a hash.Hash factory to the transform lifecycle.
type digestTransform struct {
	name string
	mk   func() (hash.Hash, error)
	h    hash.Hash
	size int
}

func (d *digestTransform) Name() string { return d.name }
func (d *digestTransform) Size() int    { return d.size }

func (d *digestTransform) Init() error {
	h, err := d.mk()
	if err != nil {
		return fmt.Errorf("transform %s: %w", d.name, ErrUnavailable)
	}
	d.h = h
	return nil
}

func (d *digestTransform) Update(p []byte) error {
	if d.h == nil {
		return fmt.Errorf("transform %s: not initialized: %w", d.name, proto.ErrInvalid)
	}
	_, err := d.h.Write(p)
	return err
}

func (d *digestTransform) Final() (proto.ID, error) {
	var id proto.ID
	if d.h == nil {
		return id, fmt.Errorf("transform %s: not initialized: %w", d.name, proto.ErrInvalid)
	}
	sum := d.h.Sum(nil)
	// Shorter digests fill the most significant bytes, like short hex IDs.
	copy(id[:], sum)
	return id, nil
}

func (d *digestTransform) Cleanup() { d.h = nil }

func registerDigest(name string, size int, mk func() (hash.Hash, error)) {
	Register(name, func() (Transform, error) {
		return &digestTransform{name: name, mk: mk, size: size}, nil
	})
}

func init() {
	registerDigest("sha512", sha512.Size, func() (hash.Hash, error) {
		return sha512.New(), nil
	})
	registerDigest("sha256", sha256.Size, func() (hash.Hash, error) {
		return sha256.New(), nil
	})
	registerDigest("sha3-512", 64, func() (hash.Hash, error) {
		return sha3.New512(), nil
	})
	registerDigest("blake2b-512", blake2b.Size, func() (hash.Hash, error) {
		return blake2b.New512(nil)
	})
}
