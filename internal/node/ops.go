package node

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/diunko/elliptics/internal/backend"
	"github.com/diunko/elliptics/internal/proto"
	"github.com/diunko/elliptics/internal/route"
	"github.com/diunko/elliptics/internal/telemetry"
	"github.com/diunko/elliptics/internal/trans"
)

func (n *Node) markJoined() {
	n.joinedMu.Lock()
	defer n.joinedMu.Unlock()
	if n.joined {
		return
	}
	n.joined = true
	n.table.AddLocal()
}

// Join announces this node to every configured remote and merges the
// route lists they advertise. It succeeds when at least one remote
// answered; with none reachable the node stays standalone and Join
// returns ErrNoRoute.
func (n *Node) Join(ctx context.Context) error {
	req := proto.MustMarshal(proto.JoinRequest{Addr: n.addr, ID: n.id.Hex()})
	reached := 0
	for _, remote := range n.cfg.Remotes {
		st := route.NewState(remote, proto.ID{})
		tr, err := n.engine.Submit(proto.Header{Cmd: proto.CmdJoin, ID: n.id}, req, st)
		if err != nil {
			n.log.Errorf("join %s: %v", remote, err)
			continue
		}
		res := tr.Wait(ctx)
		if res.Err != nil {
			n.log.Errorf("join %s: %v", remote, res.Err)
			continue
		}
		var rep proto.JoinReply
		if err := json.Unmarshal(res.Data, &rep); err != nil {
			n.log.Errorf("join %s: bad reply: %v", remote, err)
			continue
		}
		id, err := proto.ParseID(rep.ID)
		if err != nil {
			n.log.Errorf("join %s: bad peer id: %v", remote, err)
			continue
		}
		addr := rep.Addr
		if addr == "" {
			addr = remote
		}
		peer, err := n.table.Add(addr, id)
		if err != nil {
			n.log.Errorf("join %s: %v", remote, err)
			continue
		}
		// Hand the join connection over to the table State so one write
		// lock covers every packet on it.
		if c := st.Conn(); c != nil {
			if _, installed := peer.Attach(c); installed && n.engine.Rebind(c, peer) {
				st.Forget(c)
			} else {
				// The peer already had a connection, or the reader on
				// this one is gone. Drop it and dial fresh on demand.
				st.Detach(c)
				peer.Forget(c)
			}
		}
		peer.SetLiveness(route.Alive)
		merged := n.table.Merge(rep.Entries)
		reached++
		n.log.Noticef("joined %s (%s), merged %d advertised states, %d known",
			addr, id, merged, n.table.Len())
	}
	if reached == 0 {
		return fmt.Errorf("join: no remote reachable: %w", route.ErrNoRoute)
	}
	n.markJoined()
	return nil
}

// AddState records a peer directly, without the join handshake. The
// connection is dialed lazily on first use.
func (n *Node) AddState(addr string, id proto.ID) error {
	_, err := n.table.Add(addr, id)
	return err
}

// KeyID derives the object ID for a name through the first transform.
func (n *Node) KeyID(name string) (proto.ID, error) {
	return n.chain.Digest([]byte(name))
}

// Write stores data under id on its owning node, split into chunks of
// at most TransactionSize bytes, one transaction per chunk. All chunk
// transactions are issued before any is awaited; the first failure
// wins, but every transaction is drained.
func (n *Node) Write(ctx context.Context, id proto.ID, data []byte) error {
	chunk := n.cfg.TransactionSize
	var txs []*trans.Transaction
	submit := func(off uint64, p []byte) error {
		tr, err := n.engine.Submit(proto.Header{
			Cmd:    proto.CmdWrite,
			Flags:  proto.FlagAck,
			ID:     id,
			Offset: off,
			Size:   uint64(len(p)),
		}, p, nil)
		if err != nil {
			return err
		}
		txs = append(txs, tr)
		return nil
	}

	var err error
	if len(data) == 0 {
		err = submit(0, nil)
	} else {
		for off := uint64(0); off < uint64(len(data)); off += chunk {
			end := min(off+chunk, uint64(len(data)))
			if err = submit(off, data[off:end]); err != nil {
				break
			}
		}
	}
	for _, tr := range txs {
		if res := tr.Wait(ctx); res.Err != nil && err == nil {
			err = res.Err
		}
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", id, err)
	}
	return nil
}

// maxReadSize caps one Read call. The whole object is buffered in
// memory, so a lookup reply advertising more than this is treated as
// corrupt rather than allocated.
const maxReadSize = 1 << 32

// Read fetches size bytes of id starting at offset. Size zero reads to
// the end, resolving the stored size through a lookup first.
func (n *Node) Read(ctx context.Context, id proto.ID, offset, size uint64) ([]byte, error) {
	if size == 0 {
		rep, err := n.Lookup(ctx, id)
		if err != nil {
			return nil, err
		}
		if rep.Size <= offset {
			return nil, nil
		}
		size = rep.Size - offset
	}
	if size > maxReadSize || offset+size < offset {
		return nil, fmt.Errorf("read %s: %d bytes at %d: %w", id, size, offset, proto.ErrInvalid)
	}

	chunk := n.cfg.TransactionSize
	type part struct {
		tr  *trans.Transaction
		at  uint64 // offset into buf
		len uint64
	}
	var parts []part
	for off := offset; off < offset+size; off += chunk {
		want := min(chunk, offset+size-off)
		tr, err := n.engine.Submit(proto.Header{
			Cmd:    proto.CmdRead,
			ID:     id,
			Offset: off,
			Size:   want,
		}, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", id, err)
		}
		parts = append(parts, part{tr: tr, at: off - offset, len: want})
	}

	buf := make([]byte, size)
	var err error
	got := uint64(0)
	for _, p := range parts {
		res := p.tr.Wait(ctx)
		if res.Err != nil {
			if err == nil {
				err = res.Err
			}
			continue
		}
		if uint64(len(res.Data)) > p.len {
			if err == nil {
				err = fmt.Errorf("oversized chunk %d > %d: %w", len(res.Data), p.len, proto.ErrInvalid)
			}
			continue
		}
		copy(buf[p.at:], res.Data)
		end := p.at + uint64(len(res.Data))
		if end > got {
			got = end
		}
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", id, err)
	}
	return buf[:got], nil
}

// Remove deletes id from its owning node. Removing an absent object
// succeeds.
func (n *Node) Remove(ctx context.Context, id proto.ID) error {
	tr, err := n.engine.Submit(proto.Header{
		Cmd:   proto.CmdRemove,
		Flags: proto.FlagAck,
		ID:    id,
	}, nil, nil)
	if err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	if res := tr.Wait(ctx); res.Err != nil {
		return fmt.Errorf("remove %s: %w", id, res.Err)
	}
	return nil
}

// History fetches the append-only update log of id from its owner.
func (n *Node) History(ctx context.Context, id proto.ID) ([]backend.HistoryRecord, error) {
	tr, err := n.engine.Submit(proto.Header{Cmd: proto.CmdHistory, ID: id}, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", id, err)
	}
	res := tr.Wait(ctx)
	if res.Err != nil {
		return nil, fmt.Errorf("history %s: %w", id, res.Err)
	}
	return backend.ParseHistory(res.Data)
}

// Lookup asks the owner of id whether the object is stored and how
// large it is. The reply names the answering node.
func (n *Node) Lookup(ctx context.Context, id proto.ID) (proto.LookupReply, error) {
	var rep proto.LookupReply
	tr, err := n.engine.Submit(proto.Header{Cmd: proto.CmdLookup, ID: id}, nil, nil)
	if err != nil {
		return rep, fmt.Errorf("lookup %s: %w", id, err)
	}
	res := tr.Wait(ctx)
	if res.Err != nil {
		return rep, fmt.Errorf("lookup %s: %w", id, res.Err)
	}
	if err := json.Unmarshal(res.Data, &rep); err != nil {
		return rep, fmt.Errorf("lookup %s: bad reply: %w", id, err)
	}
	if !rep.Found {
		return rep, fmt.Errorf("lookup %s on %s: %w", id, rep.Addr, proto.ErrNotFound)
	}
	return rep, nil
}

// Exec runs a command line on the node owning id and returns its
// combined output. The remote refuses unless configured to allow it.
func (n *Node) Exec(ctx context.Context, id proto.ID, cmdline string) ([]byte, error) {
	tr, err := n.engine.Submit(proto.Header{Cmd: proto.CmdExec, ID: id}, []byte(cmdline), nil)
	if err != nil {
		return nil, fmt.Errorf("exec: %w", err)
	}
	res := tr.Wait(ctx)
	if res.Err != nil {
		return res.Data, fmt.Errorf("exec: %w", res.Err)
	}
	return res.Data, nil
}

// Stat collects operation counters from this node and every known
// peer. Unreachable peers are skipped with a log line.
func (n *Node) Stat(ctx context.Context) ([]telemetry.Snapshot, error) {
	_, local := n.serveStat()
	snap, err := telemetry.ParseSnapshot(local)
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}
	out := []telemetry.Snapshot{snap}

	var txs []*trans.Transaction
	for _, st := range n.table.All() {
		tr, err := n.engine.Submit(proto.Header{Cmd: proto.CmdStat, ID: st.ID}, nil, st)
		if err != nil {
			n.log.Errorf("stat %s: %v", st.Addr, err)
			continue
		}
		txs = append(txs, tr)
	}
	for _, tr := range txs {
		res := tr.Wait(ctx)
		if res.Err != nil {
			n.log.Errorf("stat: %v", res.Err)
			continue
		}
		s, err := telemetry.ParseSnapshot(res.Data)
		if err != nil {
			n.log.Errorf("stat: bad snapshot: %v", err)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// WriteFile stores a local file under the ID derived from its path.
func (n *Node) WriteFile(ctx context.Context, path string) (proto.ID, error) {
	id, err := n.KeyID(path)
	if err != nil {
		return id, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return id, fmt.Errorf("write file %s: %w", path, err)
	}
	return id, n.Write(ctx, id, data)
}

// ReadFile fetches the object named by name and writes it to dst.
func (n *Node) ReadFile(ctx context.Context, name, dst string) (proto.ID, error) {
	id, err := n.KeyID(name)
	if err != nil {
		return id, err
	}
	data, err := n.Read(ctx, id, 0, 0)
	if err != nil {
		return id, err
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return id, fmt.Errorf("read file %s: %w", dst, err)
	}
	return id, nil
}
