// Package trans drives every network operation as a transaction: an
// addressed, retryable request with a node-scoped unique ID and an
// exactly-once terminal result.
package trans

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/diunko/elliptics/internal/proto"
	"github.com/diunko/elliptics/internal/route"
)

// ErrShutdown fails transactions still pending when the engine stops.
var ErrShutdown = errors.New("engine shut down")

// Disposition is a transaction's completion state.
type Disposition int32

const (
	Pending Disposition = iota
	Completed
	Failed
)

func (d Disposition) String() string {
	switch d {
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

// Result is the terminal outcome delivered to the issuer, exactly once.
type Result struct {
	Header proto.Header
	Data   []byte
	Err    error
}

// Transaction is one in-flight operation. The target is fixed at
// issue; only the engine's bounded resend step may re-point it after a
// timeout.
type Transaction struct {
	id      uint64
	header  proto.Header
	payload []byte

	// resolvable transactions re-resolve their owner on resend;
	// explicitly-targeted ones never move.
	resolvable bool

	mu     sync.Mutex
	target *route.State
	timer  *time.Timer

	attempts atomic.Int32
	disp     atomic.Int32

	worker *worker
	fin    sync.Once
	done   chan Result
}

func (t *Transaction) ID() uint64 { return t.id }

// Attempts reports how many network sends have been made so far.
func (t *Transaction) Attempts() int { return int(t.attempts.Load()) }

func (t *Transaction) Disposition() Disposition {
	return Disposition(t.disp.Load())
}

// Wait blocks until the terminal result or ctx expiry. Abandoning via
// ctx does not cancel the transaction; the engine keeps driving it to a
// terminal state in the background.
func (t *Transaction) Wait(ctx context.Context) Result {
	select {
	case res := <-t.done:
		return res
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

func (t *Transaction) getTarget() *route.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.target
}

func (t *Transaction) setTarget(st *route.State) {
	t.mu.Lock()
	t.target = st
	t.mu.Unlock()
}

func (t *Transaction) armTimer(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if Disposition(t.disp.Load()) != Pending {
		return
	}
	t.timer = time.AfterFunc(d, fn)
}

func (t *Transaction) stopTimer() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
