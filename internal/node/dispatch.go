package node

import (
	"encoding/json"
	"os/exec"

	"github.com/diunko/elliptics/internal/backend"
	"github.com/diunko/elliptics/internal/proto"
)

// dispatch serves one command arriving from the network (or routed to
// the local node by the engine). The returned status and payload become
// the reply.
func (n *Node) dispatch(h proto.Header, payload []byte) (proto.Status, []byte) {
	switch h.Cmd {
	case proto.CmdPing:
		return proto.StatusOK, nil
	case proto.CmdJoin:
		return n.serveJoin(payload)
	case proto.CmdRouteList:
		return proto.StatusOK, proto.MustMarshal(proto.JoinReply{
			Addr:    n.addr,
			ID:      n.id.Hex(),
			Entries: n.table.Entries(),
		})
	case proto.CmdWrite:
		return n.serveWrite(h, payload)
	case proto.CmdRead:
		return n.serveRead(h)
	case proto.CmdHistory:
		return n.serveHistory(h)
	case proto.CmdRemove:
		return n.serveRemove(h)
	case proto.CmdLookup:
		return n.serveLookup(h)
	case proto.CmdStat:
		return n.serveStat()
	case proto.CmdExec:
		return n.serveExec(payload)
	default:
		n.log.Errorf("unknown command %s", h.Cmd)
		return proto.StatusInvalid, nil
	}
}

func (n *Node) serveJoin(payload []byte) (proto.Status, []byte) {
	var req proto.JoinRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return proto.StatusInvalid, nil
	}
	id, err := proto.ParseID(req.ID)
	if err != nil || req.Addr == "" {
		return proto.StatusInvalid, nil
	}
	if _, err := n.table.Add(req.Addr, id); err != nil {
		return proto.StatusOf(err), nil
	}
	// Serving a join makes this node part of a network too.
	n.markJoined()
	n.log.Noticef("joined by %s (%s), %d states known", req.Addr, id, n.table.Len())
	return proto.StatusOK, proto.MustMarshal(proto.JoinReply{
		Addr:    n.addr,
		ID:      n.id.Hex(),
		Entries: n.table.Entries(),
	})
}

func (n *Node) serveWrite(h proto.Header, payload []byte) (proto.Status, []byte) {
	unlock := n.locks.Lock(h.ID)
	defer unlock()

	_, err := n.store.Handle(&backend.Command{
		Op:     backend.OpWrite,
		ID:     h.ID,
		Offset: h.Offset,
		Size:   uint64(len(payload)),
		Data:   payload,
	})
	if err != nil {
		n.log.Errorf("write %s: %v", h.ID, err)
		return proto.StatusOf(err), nil
	}
	rec := backend.NewHistoryRecord(h.TransID, h.Offset, uint64(len(payload)), h.Flags)
	if _, err := n.store.Handle(&backend.Command{
		Op:   backend.OpHistoryAppend,
		ID:   h.ID,
		Data: rec.Marshal(),
	}); err != nil {
		n.log.Errorf("history append %s: %v", h.ID, err)
		return proto.StatusOf(err), nil
	}
	n.log.Infof("stored %s: %d bytes at %d", h.ID, len(payload), h.Offset)
	return proto.StatusOK, nil
}

func (n *Node) serveRead(h proto.Header) (proto.Status, []byte) {
	// A reply payload cannot exceed MaxPayload, so no valid read asks
	// for more.
	if h.Size > proto.MaxPayload {
		n.log.Errorf("read %s: size %d exceeds payload limit", h.ID, h.Size)
		return proto.StatusInvalid, nil
	}
	op := backend.OpRead
	if h.Flags&proto.FlagHistory != 0 {
		op = backend.OpHistoryRead
	}
	rep, err := n.store.Handle(&backend.Command{
		Op:     op,
		ID:     h.ID,
		Offset: h.Offset,
		Size:   h.Size,
	})
	if err != nil {
		return proto.StatusOf(err), nil
	}
	return proto.StatusOK, rep.Data
}

func (n *Node) serveHistory(h proto.Header) (proto.Status, []byte) {
	rep, err := n.store.Handle(&backend.Command{Op: backend.OpHistoryRead, ID: h.ID})
	if err != nil {
		return proto.StatusOf(err), nil
	}
	return proto.StatusOK, rep.Data
}

func (n *Node) serveRemove(h proto.Header) (proto.Status, []byte) {
	unlock := n.locks.Lock(h.ID)
	defer unlock()

	if _, err := n.store.Handle(&backend.Command{Op: backend.OpRemove, ID: h.ID}); err != nil {
		n.log.Errorf("remove %s: %v", h.ID, err)
		return proto.StatusOf(err), nil
	}
	n.log.Infof("removed %s", h.ID)
	return proto.StatusOK, nil
}

func (n *Node) serveLookup(h proto.Header) (proto.Status, []byte) {
	rep, err := n.store.Handle(&backend.Command{Op: backend.OpLookup, ID: h.ID})
	reply := proto.LookupReply{Addr: n.addr, ID: n.id.Hex()}
	switch {
	case err == nil:
		reply.Found = true
		reply.Size = rep.Size
	case proto.StatusOf(err) == proto.StatusNotFound:
		// Absent locally; the reply still names the answering node.
	default:
		return proto.StatusOf(err), nil
	}
	return proto.StatusOK, proto.MustMarshal(reply)
}

func (n *Node) serveStat() (proto.Status, []byte) {
	var objects uint64
	if rep, err := n.store.Handle(&backend.Command{Op: backend.OpList}); err == nil {
		objects = uint64(len(rep.IDs))
	}
	snap := n.stats.Snapshot(objects)
	snap.Addr = n.addr
	b, err := snap.Marshal()
	if err != nil {
		return proto.StatusOf(err), nil
	}
	return proto.StatusOK, b
}

// serveExec runs a received command line through the shell and returns
// its combined output. Gated: nodes not configured with AllowExec
// answer with a permission status.
func (n *Node) serveExec(payload []byte) (proto.Status, []byte) {
	if !n.cfg.AllowExec {
		return proto.StatusNotAllowed, nil
	}
	cmdline := string(payload)
	if cmdline == "" {
		return proto.StatusInvalid, nil
	}
	n.log.Noticef("exec: %q", cmdline)
	out, err := exec.Command("/bin/sh", "-c", cmdline).CombinedOutput()
	if err != nil {
		return proto.StatusIO, out
	}
	return proto.StatusOK, out
}
