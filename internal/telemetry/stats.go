package telemetry

import (
	"bytes"
	"encoding/json"
	"io"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// Stats tracks per-node operation counters. Each node owns its own
// metrics.Set so that several nodes can coexist in one process.
type Stats struct {
	set   *metrics.Set
	start time.Time

	CommandsServed *metrics.Counter
	CommandsSent   *metrics.Counter
	Resends        *metrics.Counter
	Failures       *metrics.Counter
	BytesIn        *metrics.Counter
	BytesOut       *metrics.Counter
}

func NewStats() *Stats {
	s := metrics.NewSet()
	return &Stats{
		set:            s,
		start:          time.Now(),
		CommandsServed: s.NewCounter("dnet_commands_served_total"),
		CommandsSent:   s.NewCounter("dnet_commands_sent_total"),
		Resends:        s.NewCounter("dnet_resends_total"),
		Failures:       s.NewCounter("dnet_failures_total"),
		BytesIn:        s.NewCounter("dnet_bytes_in_total"),
		BytesOut:       s.NewCounter("dnet_bytes_out_total"),
	}
}

// Snapshot is the wire form of a stat reply.
type Snapshot struct {
	Addr           string `json:"addr,omitempty"`
	UptimeSec      int64  `json:"uptime_sec"`
	Objects        uint64 `json:"objects"`
	CommandsServed uint64 `json:"commands_served"`
	CommandsSent   uint64 `json:"commands_sent"`
	Resends        uint64 `json:"resends"`
	Failures       uint64 `json:"failures"`
	BytesIn        uint64 `json:"bytes_in"`
	BytesOut       uint64 `json:"bytes_out"`
}

// Snapshot captures the current counter values. The object count is
// supplied by the caller since only the backend knows it.
func (s *Stats) Snapshot(objects uint64) Snapshot {
	return Snapshot{
		UptimeSec:      int64(time.Since(s.start).Seconds()),
		Objects:        objects,
		CommandsServed: s.CommandsServed.Get(),
		CommandsSent:   s.CommandsSent.Get(),
		Resends:        s.Resends.Get(),
		Failures:       s.Failures.Get(),
		BytesIn:        s.BytesIn.Get(),
		BytesOut:       s.BytesOut.Get(),
	}
}

func (s Snapshot) Marshal() ([]byte, error) { return json.Marshal(s) }

func ParseSnapshot(b []byte) (Snapshot, error) {
	var s Snapshot
	err := json.Unmarshal(bytes.TrimSpace(b), &s)
	return s, err
}

// WritePrometheus exposes the counters in Prometheus text format.
func (s *Stats) WritePrometheus(w io.Writer) {
	s.set.WritePrometheus(w)
}
