package route

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/diunko/elliptics/internal/proto"
)

func mkID(t *testing.T, s string) proto.ID {
	t.Helper()
	id, err := proto.ParseID(s)
	if err != nil {
		t.Fatalf("ParseID(%q): %v", s, err)
	}
	return id
}

func TestOwnerOf_EmptyTableFallsBackToLocal(t *testing.T) {
	local := NewLocal("127.0.0.1:1025", mkID(t, "01"))
	tbl := NewTable(local)
	if got := tbl.OwnerOf(mkID(t, "ff")); got != local {
		t.Fatalf("empty table must resolve to local, got %+v", got)
	}
}

func TestOwnerOf_PredecessorRule(t *testing.T) {
	tbl := NewTable(NewLocal("l:1", mkID(t, "00")))
	a, _ := tbl.Add("a:1", mkID(t, "20"))
	b, _ := tbl.Add("b:1", mkID(t, "80"))
	c, _ := tbl.Add("c:1", mkID(t, "c0"))

	cases := []struct {
		target string
		want   *State
	}{
		{"20", a}, // exact
		{"21", a},
		{"7f", a},
		{"80", b},
		{"bf", b},
		{"c0", c},
		{"ff", c},
		{"00", c}, // no predecessor: wrap to greatest
		{"1f", c},
	}
	for _, tc := range cases {
		if got := tbl.OwnerOf(mkID(t, tc.target)); got != tc.want {
			t.Fatalf("OwnerOf(%s) = %s, want %s", tc.target, got.Addr, tc.want.Addr)
		}
	}
}

func TestOwnerOf_TieBreaksTowardSmallerAddr(t *testing.T) {
	tbl := NewTable(NewLocal("l:1", mkID(t, "00")))
	tbl.Add("bbb:1", mkID(t, "40"))
	tbl.Add("aaa:1", mkID(t, "40"))
	if got := tbl.OwnerOf(mkID(t, "40")); got.Addr != "aaa:1" {
		t.Fatalf("tie must pick smaller address, got %s", got.Addr)
	}
}

func TestOwnerOf_StableAcrossQueryOrder(t *testing.T) {
	tbl := NewTable(NewLocal("l:1", mkID(t, "00")))
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 40; i++ {
		var raw [proto.IDSize]byte
		rng.Read(raw[:])
		tbl.Add(fmt.Sprintf("peer%d:1", i), proto.ID(raw))
	}

	targets := make([]proto.ID, 100)
	for i := range targets {
		var raw [proto.IDSize]byte
		rng.Read(raw[:])
		targets[i] = proto.ID(raw)
	}

	first := make([]*State, len(targets))
	for i, id := range targets {
		first[i] = tbl.OwnerOf(id)
	}
	// Shuffled second pass must agree.
	order := rng.Perm(len(targets))
	for _, i := range order {
		if tbl.OwnerOf(targets[i]) != first[i] {
			t.Fatalf("OwnerOf unstable for target %d", i)
		}
	}
}

func TestAddLocal_PutsLocalOnTheRing(t *testing.T) {
	local := NewLocal("l:1", mkID(t, "80"))
	tbl := NewTable(local)
	if _, err := tbl.Add("a:1", mkID(t, "40")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Before joining, the local node never owns while peers exist.
	if got := tbl.OwnerOf(mkID(t, "90")); got == local {
		t.Fatalf("local owned before joining the ring")
	}

	tbl.AddLocal()
	tbl.AddLocal() // idempotent
	if got := tbl.Len(); got != 2 {
		t.Fatalf("table size = %d, want 2", got)
	}
	if got := tbl.OwnerOf(mkID(t, "90")); got != local {
		t.Fatalf("owner of 90 = %s, want local", got.Addr)
	}
	if got := tbl.OwnerOf(mkID(t, "41")); got == local {
		t.Fatalf("owner of 41 must be the peer, got local")
	}
	// Peer snapshots and advertised entries keep excluding local twice.
	if got := len(tbl.All()); got != 1 {
		t.Fatalf("All() = %d peers, want 1", got)
	}
	if got := len(tbl.Entries()); got != 2 {
		t.Fatalf("Entries() = %d, want 2", got)
	}
}

func TestAdd_DeduplicatesByAddrAndID(t *testing.T) {
	tbl := NewTable(NewLocal("l:1", mkID(t, "00")))
	a1, _ := tbl.Add("a:1", mkID(t, "10"))
	a2, _ := tbl.Add("a:1", mkID(t, "10"))
	if a1 != a2 {
		t.Fatalf("duplicate add must return existing state")
	}
	if tbl.Len() != 1 {
		t.Fatalf("table length %d, want 1", tbl.Len())
	}
}

func TestRemove(t *testing.T) {
	tbl := NewTable(NewLocal("l:1", mkID(t, "00")))
	a, _ := tbl.Add("a:1", mkID(t, "10"))
	b, _ := tbl.Add("b:1", mkID(t, "20"))
	tbl.Remove(a)
	if tbl.Len() != 1 {
		t.Fatalf("table length %d, want 1", tbl.Len())
	}
	if got := tbl.OwnerOf(mkID(t, "15")); got != b {
		t.Fatalf("removed state still resolving")
	}
	tbl.Remove(a) // second remove is a no-op
}

func TestMerge_BoundedAndDeduplicated(t *testing.T) {
	local := NewLocal("l:1", mkID(t, "00"))
	tbl := NewTable(local)

	entries := []proto.RouteEntry{
		{Addr: "a:1", ID: "10"},
		{Addr: "a:1", ID: "10"},            // dup
		{Addr: local.Addr, ID: "00"},      // self
		{Addr: "", ID: "30"},              // bad addr
		{Addr: "b:1", ID: "zz"},           // bad id
		{Addr: "c:1", ID: "30"},
	}
	if added := tbl.Merge(entries); added != 2 {
		t.Fatalf("Merge added %d, want 2", added)
	}
	if tbl.Len() != 2 {
		t.Fatalf("table length %d, want 2", tbl.Len())
	}
}

func TestTable_ConcurrentLookupsDuringMutation(t *testing.T) {
	tbl := NewTable(NewLocal("l:1", mkID(t, "00")))
	for i := 0; i < 16; i++ {
		tbl.Add(fmt.Sprintf("p%d:1", i), mkID(t, fmt.Sprintf("%02x", 0x10+i)))
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for {
				select {
				case <-stop:
					return
				default:
				}
				var raw [proto.IDSize]byte
				rng.Read(raw[:])
				if tbl.OwnerOf(proto.ID(raw)) == nil {
					t.Error("OwnerOf returned nil")
					return
				}
			}
		}(int64(g))
	}
	for i := 0; i < 200; i++ {
		st, _ := tbl.Add(fmt.Sprintf("x%d:1", i), mkID(t, fmt.Sprintf("%04x", i)))
		if i%2 == 0 {
			tbl.Remove(st)
		}
	}
	close(stop)
	wg.Wait()
}
