package trans

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/diunko/elliptics/internal/netx"
	"github.com/diunko/elliptics/internal/proto"
	"github.com/diunko/elliptics/internal/route"
	"github.com/diunko/elliptics/internal/telemetry"
)

func testEngine(t *testing.T, cfg Config, resolve Resolver, dispatch Dispatcher) *Engine {
	t.Helper()
	e := NewEngine(cfg, netx.NewTCPNetwork("tcp"), resolve, dispatch,
		telemetry.NewLog(nil, 0), telemetry.NewStats())
	t.Cleanup(e.Close)
	return e
}

// serveEcho runs a peer engine that acknowledges every command with the
// payload echoed back.
func serveEcho(t *testing.T) netx.Addr {
	t.Helper()
	n := netx.NewTCPNetwork("tcp")
	addr, err := n.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	e := NewEngine(Config{Threads: 2}, n, nil,
		func(h proto.Header, payload []byte) (proto.Status, []byte) {
			return proto.StatusOK, payload
		},
		telemetry.NewLog(nil, 0), telemetry.NewStats())
	go func() {
		for {
			c, err := n.Accept()
			if err != nil {
				return
			}
			e.ServeConn(c)
		}
	}()
	t.Cleanup(func() {
		n.Close()
		e.Close()
	})
	return addr
}

func TestEngine_LocalDispatch(t *testing.T) {
	local := route.NewLocal("127.0.0.1:1025", proto.ID{1})
	var got proto.Command
	e := testEngine(t, Config{Threads: 2},
		func(proto.ID) *route.State { return local },
		func(h proto.Header, payload []byte) (proto.Status, []byte) {
			got = h.Cmd
			return proto.StatusOK, []byte("local reply")
		})

	tr, err := e.Submit(proto.Header{Cmd: proto.CmdLookup, ID: proto.ID{7}}, nil, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res := tr.Wait(context.Background())
	if res.Err != nil {
		t.Fatalf("Wait: %v", res.Err)
	}
	if got != proto.CmdLookup {
		t.Fatalf("dispatched command = %v, want lookup", got)
	}
	if string(res.Data) != "local reply" {
		t.Fatalf("reply data = %q", res.Data)
	}
	if tr.Disposition() != Completed {
		t.Fatalf("disposition = %v, want completed", tr.Disposition())
	}
}

func TestEngine_RemoteRoundTrip(t *testing.T) {
	addr := serveEcho(t)
	peer := route.NewState(string(addr), proto.ID{2})
	e := testEngine(t, Config{Threads: 2}, nil, noDispatch)

	payload := []byte("over the wire")
	tr, err := e.Submit(proto.Header{Cmd: proto.CmdWrite, ID: proto.ID{3}}, payload, peer)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res := tr.Wait(context.Background())
	if res.Err != nil {
		t.Fatalf("Wait: %v", res.Err)
	}
	if string(res.Data) != string(payload) {
		t.Fatalf("echo = %q, want %q", res.Data, payload)
	}
	if !res.Header.IsReply() || res.Header.TransID != tr.ID() {
		t.Fatalf("reply header %+v does not match transaction %d", res.Header, tr.ID())
	}
	if tr.Attempts() != 1 {
		t.Fatalf("attempts = %d, want 1", tr.Attempts())
	}
}

func TestEngine_ErrorStatusSurfaces(t *testing.T) {
	n := netx.NewTCPNetwork("tcp")
	addr, err := n.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	srv := NewEngine(Config{Threads: 1}, n, nil,
		func(proto.Header, []byte) (proto.Status, []byte) {
			return proto.StatusNotFound, nil
		},
		telemetry.NewLog(nil, 0), telemetry.NewStats())
	go func() {
		for {
			c, err := n.Accept()
			if err != nil {
				return
			}
			srv.ServeConn(c)
		}
	}()
	t.Cleanup(func() {
		n.Close()
		srv.Close()
	})

	e := testEngine(t, Config{Threads: 1}, nil, noDispatch)
	tr, err := e.Submit(proto.Header{Cmd: proto.CmdRead}, nil, route.NewState(string(addr), proto.ID{}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res := tr.Wait(context.Background())
	if !errors.Is(res.Err, proto.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", res.Err)
	}
	if tr.Disposition() != Failed {
		t.Fatalf("disposition = %v, want failed", tr.Disposition())
	}
}

// A peer that accepts connections and reads forever without replying.
func serveSilent(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				buf := make([]byte, 4096)
				for {
					if _, err := c.Read(buf); err != nil {
						c.Close()
						return
					}
				}
			}()
		}
	}()
	return l.Addr().String()
}

func TestEngine_ResendBound(t *testing.T) {
	addr := serveSilent(t)
	e := testEngine(t, Config{
		Threads:     1,
		WaitTimeout: 30 * time.Millisecond,
		ResendCount: 2,
	}, nil, noDispatch)

	tr, err := e.Submit(proto.Header{Cmd: proto.CmdPing}, nil, route.NewState(addr, proto.ID{}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res := tr.Wait(context.Background())
	if !errors.Is(res.Err, proto.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", res.Err)
	}
	// Initial send plus ResendCount resends, never more.
	if got := tr.Attempts(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestEngine_ResendReresolvesOwner(t *testing.T) {
	silent := serveSilent(t)
	good := serveEcho(t)

	dead := route.NewState(silent, proto.ID{1})
	alive := route.NewState(string(good), proto.ID{1})
	var mu sync.Mutex
	target := dead
	resolve := func(proto.ID) *route.State {
		mu.Lock()
		defer mu.Unlock()
		return target
	}

	e := testEngine(t, Config{
		Threads:     1,
		WaitTimeout: 50 * time.Millisecond,
		ResendCount: 3,
	}, resolve, noDispatch)

	tr, err := e.Submit(proto.Header{Cmd: proto.CmdPing}, nil, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// The owner changes while the first attempt is pending.
	mu.Lock()
	target = alive
	mu.Unlock()

	res := tr.Wait(context.Background())
	if res.Err != nil {
		t.Fatalf("Wait: %v", res.Err)
	}
	if tr.Attempts() < 2 {
		t.Fatalf("attempts = %d, want at least 2", tr.Attempts())
	}
}

func TestEngine_MaxPendingBlocksIssuer(t *testing.T) {
	addr := serveSilent(t)
	peer := route.NewState(addr, proto.ID{})
	e := testEngine(t, Config{
		Threads:     1,
		MaxPending:  1,
		WaitTimeout: 80 * time.Millisecond,
		ResendCount: 0,
	}, nil, noDispatch)

	first, err := e.Submit(proto.Header{Cmd: proto.CmdPing}, nil, peer)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	submitted := make(chan struct{})
	go func() {
		if _, err := e.Submit(proto.Header{Cmd: proto.CmdPing}, nil, peer); err != nil {
			t.Errorf("second Submit: %v", err)
		}
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Fatalf("second Submit returned while the worker was saturated")
	case <-time.After(30 * time.Millisecond):
	}

	// The first transaction timing out frees the slot.
	first.Wait(context.Background())
	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Fatalf("second Submit still blocked after a slot freed")
	}
}

func TestEngine_WaitContextAbandons(t *testing.T) {
	addr := serveSilent(t)
	e := testEngine(t, Config{
		Threads:     1,
		WaitTimeout: 50 * time.Millisecond,
		ResendCount: 0,
	}, nil, noDispatch)

	tr, err := e.Submit(proto.Header{Cmd: proto.CmdPing}, nil, route.NewState(addr, proto.ID{}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	res := tr.Wait(ctx)
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", res.Err)
	}
	// The engine still drives the abandoned transaction to a terminal
	// disposition.
	deadline := time.Now().Add(2 * time.Second)
	for tr.Disposition() == Pending {
		if time.Now().After(deadline) {
			t.Fatalf("transaction never reached a terminal disposition")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if tr.Disposition() != Failed {
		t.Fatalf("disposition = %v, want failed", tr.Disposition())
	}
}

func TestEngine_CloseFailsPending(t *testing.T) {
	addr := serveSilent(t)
	n := netx.NewTCPNetwork("tcp")
	e := NewEngine(Config{Threads: 1, WaitTimeout: time.Hour}, n, nil, noDispatch,
		telemetry.NewLog(nil, 0), telemetry.NewStats())

	tr, err := e.Submit(proto.Header{Cmd: proto.CmdPing}, nil, route.NewState(addr, proto.ID{}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := make(chan Result, 1)
	go func() { done <- tr.Wait(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	e.Close()

	select {
	case res := <-done:
		if !errors.Is(res.Err, ErrShutdown) {
			t.Fatalf("err = %v, want ErrShutdown", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending transaction not failed on Close")
	}
	if _, err := e.Submit(proto.Header{Cmd: proto.CmdPing}, nil, route.NewState(addr, proto.ID{})); !errors.Is(err, ErrShutdown) {
		t.Fatalf("Submit after Close: err = %v, want ErrShutdown", err)
	}
}

func TestEngine_ConcurrentSubmits(t *testing.T) {
	addr := serveEcho(t)
	peer := route.NewState(string(addr), proto.ID{9})
	e := testEngine(t, Config{Threads: 4, MaxPending: 16}, nil, noDispatch)

	const total = 64
	var wg sync.WaitGroup
	errs := make(chan error, total)
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr, err := e.Submit(proto.Header{Cmd: proto.CmdPing}, nil, peer)
			if err != nil {
				errs <- err
				return
			}
			errs <- tr.Wait(context.Background()).Err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("transaction: %v", err)
		}
	}
}

// Re-homing a connection moves its ownership: the old State drops it
// without closing, and the new one carries traffic on it unredialed.
func TestEngine_RebindMovesConnOwnership(t *testing.T) {
	addr := serveEcho(t)
	e := testEngine(t, Config{Threads: 2}, nil, noDispatch)

	st := route.NewState(string(addr), proto.ID{4})
	tr, err := e.Submit(proto.Header{Cmd: proto.CmdPing, ID: proto.ID{4}}, nil, st)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res := tr.Wait(context.Background()); res.Err != nil {
		t.Fatalf("Wait: %v", res.Err)
	}
	c := st.Conn()
	if c == nil {
		t.Fatal("no connection after round trip")
	}

	peer := route.NewState(string(addr), proto.ID{5})
	if _, installed := peer.Attach(c); !installed {
		t.Fatal("Attach did not install the handed-over connection")
	}
	if !e.Rebind(c, peer) {
		t.Fatal("Rebind: connection not tracked")
	}
	st.Forget(c)

	if err := st.Send(proto.Header{Cmd: proto.CmdPing}, nil); !errors.Is(err, proto.ErrNoRoute) {
		t.Fatalf("old state Send: %v, want ErrNoRoute", err)
	}
	tr, err = e.Submit(proto.Header{Cmd: proto.CmdPing, ID: proto.ID{5}}, nil, peer)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res := tr.Wait(context.Background()); res.Err != nil {
		t.Fatalf("Wait after rebind: %v", res.Err)
	}
	if peer.Conn() != c {
		t.Fatal("peer redialed instead of reusing the connection")
	}
}

func noDispatch(proto.Header, []byte) (proto.Status, []byte) {
	return proto.StatusInvalid, nil
}
