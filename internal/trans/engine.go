package trans

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/diunko/elliptics/internal/netx"
	"github.com/diunko/elliptics/internal/proto"
	"github.com/diunko/elliptics/internal/route"
	"github.com/diunko/elliptics/internal/telemetry"
)

// Resolver maps an ID to its owning State, re-consulted on resend since
// the owner may have changed.
type Resolver func(id proto.ID) *route.State

// Dispatcher executes one command against the local node. It serves
// both requests arriving from the network and transactions whose target
// is the local node itself.
type Dispatcher func(h proto.Header, payload []byte) (proto.Status, []byte)

// Config bounds the engine. Zero Threads, MaxPending and WaitTimeout
// fall back to defaults; ResendCount zero means no resend and negative
// means the default.
type Config struct {
	// Threads is the IO worker count, minimum 1.
	Threads int
	// MaxPending caps concurrently in-flight transactions per worker;
	// issuing beyond it blocks the issuer until a slot frees.
	MaxPending int
	// WaitTimeout is the per-attempt reply deadline.
	WaitTimeout time.Duration
	// ResendCount bounds retries: at most ResendCount+1 network sends.
	ResendCount int
}

const (
	DefaultMaxPending  = 8
	DefaultWaitTimeout = time.Hour
	DefaultResendCount = 3

	// resendBackoff delays a retry after a connect failure so a dead
	// peer is not hammered in a tight loop.
	resendBackoff = 50 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.Threads < 1 {
		c.Threads = 1
	}
	if c.MaxPending < 1 {
		c.MaxPending = DefaultMaxPending
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	if c.ResendCount < 0 {
		c.ResendCount = DefaultResendCount
	}
	return c
}

type worker struct {
	queue chan *Transaction
	slots chan struct{}
}

// boundConn ties a connection to the State whose write lock serializes
// packets on it. The State can be swapped when a handshake connection
// is promoted to a routing-table peer; the reader and the reply path
// always go through the current one.
type boundConn struct {
	c  netx.Conn
	st atomic.Pointer[route.State]
}

func newBoundConn(c netx.Conn, st *route.State) *boundConn {
	b := &boundConn{c: c}
	b.st.Store(st)
	return b
}

// Engine owns the IO workers and every in-flight transaction. It is
// symmetric: the same connection carries outgoing transactions, their
// replies, and incoming requests from the remote side.
type Engine struct {
	cfg      Config
	log      *telemetry.Log
	stats    *telemetry.Stats
	net      netx.Network
	resolve  Resolver
	dispatch Dispatcher

	nextID  atomic.Uint64
	rr      atomic.Uint32
	pending *xsync.MapOf[uint64, *Transaction]

	workers []*worker

	connMu sync.Mutex
	conns  map[netx.Conn]*boundConn

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewEngine(cfg Config, net netx.Network, resolve Resolver, dispatch Dispatcher,
	log *telemetry.Log, stats *telemetry.Stats) *Engine {
	cfg = cfg.withDefaults()
	if stats == nil {
		stats = telemetry.NewStats()
	}
	e := &Engine{
		cfg:      cfg,
		log:      log,
		stats:    stats,
		net:      net,
		resolve:  resolve,
		dispatch: dispatch,
		pending:  xsync.NewMapOf[uint64, *Transaction](),
		conns:    make(map[netx.Conn]*boundConn),
		closed:   make(chan struct{}),
	}
	for i := 0; i < cfg.Threads; i++ {
		w := &worker{
			// Sized for MaxPending live transactions plus resent ones
			// whose earlier queue entry went stale.
			queue: make(chan *Transaction, 2*cfg.MaxPending),
			slots: make(chan struct{}, cfg.MaxPending),
		}
		e.workers = append(e.workers, w)
		e.wg.Add(1)
		go e.runWorker(w)
	}
	return e
}

// Submit issues a transaction. A nil target resolves the owner of h.ID
// through the routing table; such transactions may be re-pointed on
// resend. Submit blocks while the assigned worker has MaxPending
// transactions in flight.
func (e *Engine) Submit(h proto.Header, payload []byte, target *route.State) (*Transaction, error) {
	select {
	case <-e.closed:
		return nil, ErrShutdown
	default:
	}

	resolvable := target == nil
	if resolvable {
		if e.resolve == nil {
			return nil, fmt.Errorf("submit %s: no resolver: %w", h.Cmd, proto.ErrNoRoute)
		}
		target = e.resolve(h.ID)
		if target == nil {
			return nil, fmt.Errorf("submit %s: %w", h.Cmd, proto.ErrNoRoute)
		}
	}

	h.TransID = e.nextID.Add(1)
	w := e.pick(target)
	t := &Transaction{
		id:         h.TransID,
		header:     h,
		payload:    payload,
		resolvable: resolvable,
		target:     target,
		worker:     w,
		done:       make(chan Result, 1),
	}

	// Admission control: one slot per in-flight transaction.
	select {
	case w.slots <- struct{}{}:
	case <-e.closed:
		return nil, ErrShutdown
	}
	e.pending.Store(t.id, t)
	select {
	case w.queue <- t:
	case <-e.closed:
		e.finish(t, Result{Err: ErrShutdown})
	}
	return t, nil
}

// pick keeps one State's transactions on one worker; local execution
// round-robins.
func (e *Engine) pick(target *route.State) *worker {
	if target.Local {
		return e.workers[int(e.rr.Add(1))%len(e.workers)]
	}
	f := fnv.New32a()
	f.Write([]byte(target.Addr))
	return e.workers[int(f.Sum32())%len(e.workers)]
}

func (e *Engine) runWorker(w *worker) {
	defer e.wg.Done()
	for {
		select {
		case <-e.closed:
			return
		case t := <-w.queue:
			e.send(t)
		}
	}
}

func (e *Engine) send(t *Transaction) {
	if t.Disposition() != Pending {
		return
	}
	target := t.getTarget()

	if target.Local {
		h := t.header
		status, data := e.dispatch(h, t.payload)
		rh := h
		rh.Flags |= proto.FlagReply
		rh.Status = status
		e.finish(t, Result{Header: rh, Data: data, Err: status.Err()})
		return
	}

	t.attempts.Add(1)
	conn := target.Conn()
	if conn == nil {
		c, err := e.net.Dial(netx.Addr(target.Addr))
		if err != nil {
			target.SetLiveness(route.Unreachable)
			e.retryLater(t, err)
			return
		}
		cur, installed := target.Attach(c)
		if installed {
			b := newBoundConn(cur, target)
			e.track(b)
			e.startReader(b)
		} else {
			// Lost the race against another attach; use the winner.
			_ = c.Close()
		}
		conn = cur
	}

	if err := target.Send(t.header, t.payload); err != nil {
		target.SetLiveness(route.Unreachable)
		target.Detach(conn)
		e.retryLater(t, err)
		return
	}
	e.stats.CommandsSent.Inc()
	e.stats.BytesOut.Add(proto.HeaderSize + len(t.payload))
	e.log.Transf("trans %d: sent %s id %s to %s attempt %d",
		t.id, t.header.Cmd, t.header.ID, target.Addr, t.Attempts())

	t.armTimer(e.cfg.WaitTimeout, func() { e.onTimeout(t) })
}

// onTimeout resends an expired transaction while the retry budget
// lasts, then fails it.
func (e *Engine) onTimeout(t *Transaction) {
	if t.Disposition() != Pending {
		return
	}
	if t.Attempts() >= e.cfg.ResendCount+1 {
		e.finish(t, Result{Err: fmt.Errorf("trans %d: %s to %s after %d attempts: %w",
			t.id, t.header.Cmd, t.getTarget().Addr, t.Attempts(), proto.ErrTimeout)})
		return
	}
	e.stats.Resends.Inc()
	e.reresolve(t)
	e.log.Transf("trans %d: timed out, resend attempt %d", t.id, t.Attempts()+1)
	select {
	case t.worker.queue <- t:
	case <-e.closed:
		e.finish(t, Result{Err: ErrShutdown})
	}
}

// retryLater handles a connect/send failure: back off briefly, then
// retry against a re-resolved owner, within the same attempt budget.
func (e *Engine) retryLater(t *Transaction, cause error) {
	if t.Attempts() >= e.cfg.ResendCount+1 {
		e.finish(t, Result{Err: fmt.Errorf("trans %d: %s to %s: %w",
			t.id, t.header.Cmd, t.getTarget().Addr, cause)})
		return
	}
	e.stats.Resends.Inc()
	t.armTimer(resendBackoff*time.Duration(t.Attempts()), func() {
		if t.Disposition() != Pending {
			return
		}
		e.reresolve(t)
		select {
		case t.worker.queue <- t:
		case <-e.closed:
			e.finish(t, Result{Err: ErrShutdown})
		}
	})
}

func (e *Engine) reresolve(t *Transaction) {
	if !t.resolvable || e.resolve == nil {
		return
	}
	if nt := e.resolve(t.header.ID); nt != nil {
		t.setTarget(nt)
	}
}

// finish delivers the terminal result exactly once and frees the
// worker slot.
func (e *Engine) finish(t *Transaction, res Result) {
	t.fin.Do(func() {
		t.stopTimer()
		if res.Err != nil {
			t.disp.Store(int32(Failed))
			e.stats.Failures.Inc()
			e.log.Transf("trans %d: failed: %v", t.id, res.Err)
		} else {
			t.disp.Store(int32(Completed))
		}
		e.pending.Delete(t.id)
		<-t.worker.slots
		t.done <- res
	})
}

// ServeConn adopts an accepted connection: its requests are dispatched
// locally and any replies on it complete pending transactions.
func (e *Engine) ServeConn(c netx.Conn) {
	st := route.NewState(string(c.RemoteAddr()), proto.ID{})
	st.Attach(c)
	b := newBoundConn(c, st)
	e.track(b)
	e.startReader(b)
}

// Rebind re-homes c onto st: replies served on c are written under
// st's lock from now on, and read errors detach from st. Returns false
// when c is no longer tracked, meaning its reader already exited.
func (e *Engine) Rebind(c netx.Conn, st *route.State) bool {
	e.connMu.Lock()
	b, ok := e.conns[c]
	e.connMu.Unlock()
	if !ok {
		return false
	}
	b.st.Store(st)
	return true
}

func (e *Engine) track(b *boundConn) {
	e.connMu.Lock()
	e.conns[b.c] = b
	e.connMu.Unlock()
}

func (e *Engine) untrack(c netx.Conn) {
	e.connMu.Lock()
	delete(e.conns, c)
	e.connMu.Unlock()
}

// startReader demultiplexes one connection: replies match pending
// transactions by ID, everything else is an incoming request.
func (e *Engine) startReader(b *boundConn) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.untrack(b.c)
		for {
			h, payload, err := proto.ReadPacket(b.c)
			if err != nil {
				st := b.st.Load()
				select {
				case <-e.closed:
				default:
					e.log.Infof("state %s: read: %v", st.Addr, err)
					st.SetLiveness(route.Unreachable)
				}
				st.Detach(b.c)
				return
			}
			e.stats.BytesIn.Add(proto.HeaderSize + len(payload))

			if h.IsReply() {
				b.st.Load().SetLiveness(route.Alive)
				if t, ok := e.pending.Load(h.TransID); ok {
					e.finish(t, Result{Header: h, Data: payload, Err: h.Status.Err()})
				} else {
					// Late reply after a local timeout; drop it.
					e.log.Transf("trans %d: reply with no pending transaction", h.TransID)
				}
				continue
			}

			e.wg.Add(1)
			go func(h proto.Header, payload []byte) {
				defer e.wg.Done()
				e.serveRequest(b.st.Load(), h, payload)
			}(h, payload)
		}
	}()
}

func (e *Engine) serveRequest(st *route.State, h proto.Header, payload []byte) {
	status, data := e.dispatch(h, payload)
	rh := h
	rh.Status = status
	rh.Flags |= proto.FlagReply
	if h.Flags&proto.FlagAck != 0 {
		data = nil
	}
	rh.Size = uint64(len(data))
	if err := st.Send(rh, data); err != nil {
		e.log.Infof("state %s: reply %d: %v", st.Addr, h.TransID, err)
		return
	}
	e.stats.CommandsServed.Inc()
	e.stats.BytesOut.Add(proto.HeaderSize + len(data))
}

// Close fails every pending transaction, closes every connection and
// waits for workers and readers to quiesce. No transaction outlives
// the engine.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.pending.Range(func(_ uint64, t *Transaction) bool {
			e.finish(t, Result{Err: ErrShutdown})
			return true
		})
		e.connMu.Lock()
		for c := range e.conns {
			_ = c.Close()
		}
		e.connMu.Unlock()
	})
	e.wg.Wait()
}
