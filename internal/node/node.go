// Package node composes the transform chain, routing table, storage
// backend and transaction engine into one network participant. A Node
// both serves the commands the wire protocol defines and issues them as
// a client.
package node

import (
	"fmt"
	"sync"

	"github.com/diunko/elliptics/internal/backend"
	"github.com/diunko/elliptics/internal/netx"
	"github.com/diunko/elliptics/internal/proto"
	"github.com/diunko/elliptics/internal/route"
	"github.com/diunko/elliptics/internal/telemetry"
	"github.com/diunko/elliptics/internal/trans"
	"github.com/diunko/elliptics/internal/transform"
)

type Node struct {
	cfg   Config
	log   *telemetry.Log
	stats *telemetry.Stats

	chain  *transform.Chain
	table  *route.Table
	store  backend.Handler
	locks  *backend.IDLocks
	net    netx.Network
	engine *trans.Engine

	addr string // resolved listen address
	id   proto.ID

	joinedMu sync.Mutex
	joined   bool

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New builds a node from cfg, binds its listen address and starts
// serving. The returned node is ready for client operations; call Join
// to enter a network.
func New(cfg Config) (*Node, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	log := telemetry.NewLog(cfg.Logger, cfg.LogMask)

	chain := transform.NewChain(cfg.MaxTransforms)
	for _, name := range cfg.Transforms {
		if err := chain.Add(name); err != nil {
			// An unavailable transform is skipped, not fatal.
			log.Noticef("transform %s skipped: %v", name, err)
		}
	}
	if chain.Len() == 0 {
		return nil, fmt.Errorf("no usable transform: %w", transform.ErrUnavailable)
	}

	var network netx.Network = netx.NewTCPNetwork(cfg.Family)
	if cfg.Secure {
		key, err := netx.GenerateKeypair()
		if err != nil {
			return nil, fmt.Errorf("noise keypair: %w", err)
		}
		network = netx.NewSecureNetwork(network, key)
	}

	addr, err := network.Listen(cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}

	id := cfg.ID
	if id.IsZero() {
		// Name the node by its address so the identity is stable for a
		// fixed address and transform chain.
		id, err = chain.Digest([]byte(addr))
		if err != nil {
			network.Close()
			return nil, fmt.Errorf("derive node id: %w", err)
		}
	}

	n := &Node{
		cfg:    cfg,
		log:    log,
		stats:  telemetry.NewStats(),
		chain:  chain,
		store:  cfg.Backend,
		locks:  backend.NewIDLocks(),
		net:    network,
		addr:   string(addr),
		id:     id,
		closed: make(chan struct{}),
	}
	n.table = route.NewTable(route.NewLocal(n.addr, n.id))
	n.engine = trans.NewEngine(trans.Config{
		Threads:     cfg.IOThreads,
		MaxPending:  cfg.MaxPending,
		WaitTimeout: cfg.WaitTimeout,
		ResendCount: cfg.ResendCount,
	}, network, n.table.OwnerOf, n.dispatch, log, n.stats)

	n.wg.Add(1)
	go n.acceptLoop()

	log.Infof("node %s listening on %s, transforms %v", n.id, n.addr, chain.Names())
	return n, nil
}

// Addr returns the resolved listen address.
func (n *Node) Addr() string { return n.addr }

// ID returns the node's ring identity.
func (n *Node) ID() proto.ID { return n.id }

// Table exposes the routing table, mainly for inspection.
func (n *Node) Table() *route.Table { return n.table }

// Transforms returns the active transform names in chain order.
func (n *Node) Transforms() []string { return n.chain.Names() }

// Stats exposes the node's operation counters.
func (n *Node) Stats() *telemetry.Stats { return n.stats }

func (n *Node) acceptLoop() {
	defer n.wg.Done()
	for {
		c, err := n.net.Accept()
		if err != nil {
			select {
			case <-n.closed:
				return
			default:
			}
			n.log.Errorf("accept: %v", err)
			return
		}
		n.log.Infof("accepted connection from %s", c.RemoteAddr())
		n.engine.ServeConn(c)
	}
}

// Close shuts the node down: listener first so no new connections
// arrive, then the engine (failing still-pending transactions), then
// the backend. Close blocks until every worker has quiesced.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.closed)
		if cerr := n.net.Close(); cerr != nil {
			err = cerr
		}
		n.engine.Close()
		if cerr := n.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	n.wg.Wait()
	return err
}
