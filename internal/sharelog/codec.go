// Package sharelog implements the day-partitioned append-only binary log
// (ShareLogWriter) and its incremental reader/aggregator
// (ShareLogParser, ShareStatsDay).
package sharelog

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tos-network/pool-stats/internal/shares"
)

// RecordSize is sizeof(Share) on disk: the sum of each field's
// fixed-width little-endian encoding. Appends and reads must be
// record-aligned; a .bin file is a bare concatenation of these.
const RecordSize = 8 + 8 + 4 + 4 + 1 + 4 + 8 // = 37 bytes

// EncodeShare writes one fixed-width record to w.
func EncodeShare(w io.Writer, s *shares.Share) error {
	var buf [RecordSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], s.JobID)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(s.WorkerHashID))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(s.UserID))
	binary.LittleEndian.PutUint32(buf[20:24], s.IP)
	buf[24] = byte(s.Result)
	binary.LittleEndian.PutUint32(buf[25:29], s.Timestamp)
	binary.LittleEndian.PutUint64(buf[29:37], s.ShareDiff)

	_, err := w.Write(buf[:])
	return err
}

// DecodeShare reads one fixed-width record from a RecordSize-byte slice.
func DecodeShare(buf []byte) (*shares.Share, error) {
	if len(buf) != RecordSize {
		return nil, fmt.Errorf("sharelog: record buffer is %d bytes, want %d", len(buf), RecordSize)
	}
	s := &shares.Share{
		JobID:        binary.LittleEndian.Uint64(buf[0:8]),
		WorkerHashID: int64(binary.LittleEndian.Uint64(buf[8:16])),
		UserID:       int32(binary.LittleEndian.Uint32(buf[16:20])),
		IP:           binary.LittleEndian.Uint32(buf[20:24]),
		Result:       shares.Result(buf[24]),
		Timestamp:    binary.LittleEndian.Uint32(buf[25:29]),
		ShareDiff:    binary.LittleEndian.Uint64(buf[29:37]),
	}
	return s, nil
}

// DecodeShares decodes every complete record in buf. len(buf) must be a
// multiple of RecordSize; callers that read directly off a growing file
// enforce this with an assertion (see Parser.ProcessGrowing).
func DecodeShares(buf []byte) ([]*shares.Share, error) {
	if len(buf)%RecordSize != 0 {
		return nil, fmt.Errorf("sharelog: buffer length %d is not a multiple of record size %d", len(buf), RecordSize)
	}
	n := len(buf) / RecordSize
	out := make([]*shares.Share, n)
	for i := 0; i < n; i++ {
		rec, err := DecodeShare(buf[i*RecordSize : (i+1)*RecordSize])
		if err != nil {
			return nil, err
		}
		out[i] = rec
	}
	return out, nil
}
