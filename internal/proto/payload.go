package proto

import "encoding/json"

// JoinRequest announces a node to a peer: its listen address and the ID
// range it claims. Sent as the payload of CmdJoin.
type JoinRequest struct {
	Addr string `json:"addr"`
	ID   string `json:"id"`
}

// RouteEntry describes one known State in a route-list exchange.
type RouteEntry struct {
	Addr string `json:"addr"`
	ID   string `json:"id"`
}

// JoinReply carries the peer's own identity plus its advertised
// neighbors, merged by the joiner into its routing table.
type JoinReply struct {
	Addr    string       `json:"addr"`
	ID      string       `json:"id"`
	Entries []RouteEntry `json:"entries,omitempty"`
}

// LookupReply names the State that answered a lookup and the stored
// object size when the object is present.
type LookupReply struct {
	Addr  string `json:"addr"`
	ID    string `json:"id"`
	Found bool   `json:"found"`
	Size  uint64 `json:"size"`
}

func MustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
