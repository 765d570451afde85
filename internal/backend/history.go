package backend

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/diunko/elliptics/internal/proto"
)

// HistoryRecordSize is the fixed wire/disk width of one history entry.
const HistoryRecordSize = 8 + 8 + 8 + 4 + 8

// HistoryRecord is one append-only audit entry for an ID: which
// transaction touched it, where, and when.
type HistoryRecord struct {
	TransID uint64
	Offset  uint64
	Size    uint64
	Flags   uint32
	Unix    int64
}

// NewHistoryRecord stamps a record with the current time.
func NewHistoryRecord(transID, offset, size uint64, flags uint32) HistoryRecord {
	return HistoryRecord{
		TransID: transID,
		Offset:  offset,
		Size:    size,
		Flags:   flags,
		Unix:    time.Now().Unix(),
	}
}

// Marshal renders the record in its fixed big-endian layout.
func (r HistoryRecord) Marshal() []byte {
	b := make([]byte, HistoryRecordSize)
	binary.BigEndian.PutUint64(b[0:8], r.TransID)
	binary.BigEndian.PutUint64(b[8:16], r.Offset)
	binary.BigEndian.PutUint64(b[16:24], r.Size)
	binary.BigEndian.PutUint32(b[24:28], r.Flags)
	binary.BigEndian.PutUint64(b[28:36], uint64(r.Unix))
	return b
}

// ParseHistory decodes a log of concatenated records.
func ParseHistory(b []byte) ([]HistoryRecord, error) {
	if len(b)%HistoryRecordSize != 0 {
		return nil, fmt.Errorf("history log length %d not a record multiple: %w",
			len(b), proto.ErrInvalid)
	}
	out := make([]HistoryRecord, 0, len(b)/HistoryRecordSize)
	for off := 0; off < len(b); off += HistoryRecordSize {
		rec := b[off:]
		out = append(out, HistoryRecord{
			TransID: binary.BigEndian.Uint64(rec[0:8]),
			Offset:  binary.BigEndian.Uint64(rec[8:16]),
			Size:    binary.BigEndian.Uint64(rec[16:24]),
			Flags:   binary.BigEndian.Uint32(rec[24:28]),
			Unix:    int64(binary.BigEndian.Uint64(rec[28:36])),
		})
	}
	return out, nil
}
