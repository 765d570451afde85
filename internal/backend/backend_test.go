package backend

import (
	"sync"
	"testing"

	"github.com/diunko/elliptics/internal/proto"
)

func TestIDLocks_SameIDExcludes(t *testing.T) {
	l := NewIDLocks()
	id, _ := proto.ParseID("aa")

	unlock := l.Lock(id)
	acquired := make(chan struct{})
	go func() {
		u := l.Lock(id)
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatalf("second lock acquired while first held")
	default:
	}
	unlock()
	<-acquired
}

func TestIDLocks_DifferentIDsIndependent(t *testing.T) {
	l := NewIDLocks()
	a, _ := proto.ParseID("aa")
	b, _ := proto.ParseID("bb")

	unlockA := l.Lock(a)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		u := l.Lock(b)
		u()
		close(done)
	}()
	<-done
}

func TestIDLocks_ConcurrentDistinctIDs(t *testing.T) {
	l := NewIDLocks()
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var id proto.ID
			id[0] = byte(i)
			for j := 0; j < 100; j++ {
				u := l.Lock(id)
				u()
			}
		}(i)
	}
	wg.Wait()
}

func TestHistoryRecordRoundTrip(t *testing.T) {
	recs := []HistoryRecord{
		NewHistoryRecord(1, 0, 512, 0),
		NewHistoryRecord(2, 512, 512, proto.FlagHistory),
		NewHistoryRecord(3, 0, 0, 0),
	}
	var log []byte
	for _, r := range recs {
		log = append(log, r.Marshal()...)
	}

	got, err := ParseHistory(log)
	if err != nil {
		t.Fatalf("ParseHistory: %v", err)
	}
	if len(got) != len(recs) {
		t.Fatalf("record count %d, want %d", len(got), len(recs))
	}
	for i := range recs {
		if got[i] != recs[i] {
			t.Fatalf("record %d mismatch: %+v != %+v", i, got[i], recs[i])
		}
	}
}

func TestParseHistory_RejectsPartialRecord(t *testing.T) {
	if _, err := ParseHistory(make([]byte, HistoryRecordSize+1)); err == nil {
		t.Fatalf("expected error for partial record")
	}
}
