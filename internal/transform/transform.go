// Package transform implements the pluggable hash engine used to derive
// and verify content IDs. Transforms follow an explicit
// init/update/finalize/cleanup lifecycle so an engine backed by external
// state can be driven the same way as a plain digest.
package transform

import (
	"errors"
	"fmt"
	"io"

	"github.com/diunko/elliptics/internal/proto"
)

// ErrUnavailable marks a transform whose algorithm cannot be
// initialized. Non-fatal: the node skips the transform and logs it.
var ErrUnavailable = errors.New("transform unavailable")

// Transform is one named hash algorithm. Digest output is a pure
// function of the update sequence; no state survives Final/Cleanup.
type Transform interface {
	Name() string
	Init() error
	Update(p []byte) error
	Final() (proto.ID, error)
	Cleanup()
	// Size is the digest width in bytes, at most proto.IDSize.
	Size() int
}

// DefaultMax bounds the number of transforms a node may hold.
const DefaultMax = 16

// Chain is the node's ordered transform list. The first transform
// derives IDs; the rest are kept for verification of foreign IDs.
type Chain struct {
	max  int
	list []Transform
}

func NewChain(max int) *Chain {
	if max <= 0 {
		max = DefaultMax
	}
	return &Chain{max: max}
}

// Add constructs and appends the named transform. A failed
// initialization surfaces ErrUnavailable; the chain is unchanged.
func (c *Chain) Add(name string) error {
	if len(c.list) >= c.max {
		return fmt.Errorf("transform %s: chain limit %d reached: %w", name, c.max, proto.ErrResource)
	}
	tr, err := New(name)
	if err != nil {
		return err
	}
	if err := tr.Init(); err != nil {
		return fmt.Errorf("transform %s: %w", name, ErrUnavailable)
	}
	tr.Cleanup()
	c.list = append(c.list, tr)
	return nil
}

func (c *Chain) Len() int { return len(c.list) }

func (c *Chain) Names() []string {
	out := make([]string, len(c.list))
	for i, tr := range c.list {
		out[i] = tr.Name()
	}
	return out
}

// Digest computes the content ID of data using the first transform.
func (c *Chain) Digest(data []byte) (proto.ID, error) {
	return c.digest("", func(tr Transform) error { return tr.Update(data) })
}

// DigestWith computes the ID using the named transform.
func (c *Chain) DigestWith(name string, data []byte) (proto.ID, error) {
	return c.digest(name, func(tr Transform) error { return tr.Update(data) })
}

// DigestReader streams r through the first transform.
func (c *Chain) DigestReader(r io.Reader) (proto.ID, error) {
	buf := make([]byte, 64<<10)
	return c.digest("", func(tr Transform) error {
		for {
			n, err := r.Read(buf)
			if n > 0 {
				if uerr := tr.Update(buf[:n]); uerr != nil {
					return uerr
				}
			}
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
		}
	})
}

func (c *Chain) pick(name string) (Transform, error) {
	if len(c.list) == 0 {
		return nil, fmt.Errorf("empty transform chain: %w", ErrUnavailable)
	}
	if name == "" {
		return c.list[0], nil
	}
	for _, tr := range c.list {
		if tr.Name() == name {
			return tr, nil
		}
	}
	return nil, fmt.Errorf("transform %s: %w", name, ErrUnavailable)
}

func (c *Chain) digest(name string, update func(Transform) error) (proto.ID, error) {
	var id proto.ID
	tr, err := c.pick(name)
	if err != nil {
		return id, err
	}
	if err := tr.Init(); err != nil {
		return id, fmt.Errorf("transform %s: %w", tr.Name(), ErrUnavailable)
	}
	defer tr.Cleanup()
	if err := update(tr); err != nil {
		return id, err
	}
	return tr.Final()
}
