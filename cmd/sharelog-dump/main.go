// sharelog-dump reads one UTC day's .bin sharelog file and prints each
// valid record as a JSON line to stdout, optionally restricted to a set
// of user ids. Grounded on the original's ShareLogDumper::dump2stdout,
// which reads the file in 2,000,000-record chunks and prints each valid
// share's string form, filtered by the same uid set.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tos-network/pool-stats/internal/sharelog"
	"github.com/tos-network/pool-stats/internal/shares"
)

// kElementsPerChunk mirrors the original's kElements read-chunk size.
const kElementsPerChunk = 2_000_000

func main() {
	filePath := flag.String("file", "", "Path to a sharelog .bin file")
	uidsFlag := flag.String("uids", "", "Comma-separated user ids to include (empty means dump all)")
	flag.Parse()

	if *filePath == "" {
		fmt.Fprintln(os.Stderr, "usage: sharelog-dump -file <path> [-uids 1,2,3]")
		os.Exit(1)
	}

	uids, err := parseUIDs(*uidsFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -uids: %v\n", err)
		os.Exit(1)
	}

	if err := dump2stdout(*filePath, uids); err != nil {
		fmt.Fprintf(os.Stderr, "sharelog-dump: %v\n", err)
		os.Exit(1)
	}
}

func parseUIDs(s string) (map[int32]bool, error) {
	if s == "" {
		return nil, nil
	}
	uids := make(map[int32]bool)
	for _, part := range strings.Split(s, ",") {
		v, err := strconv.ParseInt(strings.TrimSpace(part), 10, 32)
		if err != nil {
			return nil, err
		}
		uids[int32(v)] = true
	}
	return uids, nil
}

// dumpRecord is the JSON line emitted per share.
type dumpRecord struct {
	JobID        uint64 `json:"job_id"`
	WorkerHashID int64  `json:"worker_hash_id"`
	UserID       int32  `json:"user_id"`
	IP           string `json:"ip"`
	Result       string `json:"result"`
	Timestamp    uint32 `json:"timestamp"`
	ShareDiff    uint64 `json:"share_diff"`
}

func toDumpRecord(s *shares.Share) dumpRecord {
	result := "reject"
	if s.Result == shares.Accept {
		result = "accept"
	}
	return dumpRecord{
		JobID: s.JobID, WorkerHashID: s.WorkerHashID, UserID: s.UserID,
		IP: formatIP(s.IP), Result: result, Timestamp: s.Timestamp, ShareDiff: s.ShareDiff,
	}
}

func formatIP(ip uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip))
}

// dump2stdout reads filePath in kElementsPerChunk-record chunks, decodes
// each chunk, and prints every valid, uid-matching record as a JSON
// line, matching the original's chunked read-and-print loop.
func dump2stdout(filePath string, uids map[int32]bool) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open %s: %w", filePath, err)
	}
	defer f.Close()

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	buf := make([]byte, kElementsPerChunk*sharelog.RecordSize)
	for {
		n, err := f.Read(buf)
		if n == 0 {
			if err != nil {
				break
			}
			continue
		}

		recs, decodeErr := sharelog.DecodeShares(buf[:n-(n%sharelog.RecordSize)])
		if decodeErr != nil {
			return fmt.Errorf("decode: %w", decodeErr)
		}

		for _, s := range recs {
			if !s.Valid() {
				fmt.Fprintf(os.Stderr, "invalid share: %+v\n", s)
				continue
			}
			if uids != nil && !uids[s.UserID] {
				continue
			}
			line, err := json.Marshal(toDumpRecord(s))
			if err != nil {
				return fmt.Errorf("marshal: %w", err)
			}
			out.Write(line)
			out.WriteByte('\n')
		}

		if err != nil {
			break
		}
	}

	return nil
}
