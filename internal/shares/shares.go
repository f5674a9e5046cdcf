// Package shares defines the Share wire record and the per-entity
// sliding-window aggregator (WorkerShares) used by both the live-stats
// server and the sharelog parser.
package shares

import (
	"fmt"
	"sync"
	"time"

	"github.com/tos-network/pool-stats/internal/window"
)

// Result is the outcome of a submitted proof-of-work attempt.
type Result uint8

const (
	Reject Result = 0
	Accept Result = 1
)

// Share is the fixed-width record produced by a miner submission,
// little-endian on disk. Field order matches the on-disk layout exactly;
// do not reorder without updating internal/sharelog's codec.
type Share struct {
	JobID        uint64
	WorkerHashID int64
	UserID       int32
	IP           uint32
	Result       Result
	Timestamp    uint32
	ShareDiff    uint64
}

// Valid reports whether the record satisfies the validity predicate in
// the data model: worker_hash_id != 0, user_id != 0, timestamp > 0, and
// share > 0 unless the result is a reject.
func (s *Share) Valid() bool {
	if s.WorkerHashID == 0 || s.UserID == 0 || s.Timestamp == 0 {
		return false
	}
	if s.ShareDiff == 0 && s.Result == Accept {
		return false
	}
	return true
}

// Score returns the per-share score used for earnings, a function of the
// accepted share weight; rejects score zero.
func (s *Share) Score() float64 {
	if s.Result != Accept {
		return 0
	}
	return float64(s.ShareDiff)
}

// WorkerKey identifies a worker (or, with WorkerID == 0, the aggregated
// entry for that user).
type WorkerKey struct {
	UserID   int32
	WorkerID int64
}

// PoolKey is the aggregate key for the whole pool.
var PoolKey = WorkerKey{UserID: 0, WorkerID: 0}

func (k WorkerKey) String() string {
	return fmt.Sprintf("%d:%d", k.UserID, k.WorkerID)
}

// IsUserAggregate reports whether this key denotes "the user aggregate"
// (worker_id == 0).
func (k WorkerKey) IsUserAggregate() bool {
	return k.WorkerID == 0
}

const (
	acceptWindowSeconds = 3600
	rejectWindowMinutes = 60
)

// BlockReward converts accumulated score into an earnings estimate
// (earn = score * BlockReward). Upstream this is a scalar supplied by
// the block-reward oracle at build time; here it is a fixed constant
// since no such injection mechanism exists in this deployment.
const BlockReward = 6.25

// WorkerStatus is a point-in-time snapshot of a WorkerShares entry.
type WorkerStatus struct {
	Accept1m     uint64
	Accept5m     uint64
	Accept15m    uint64
	Accept1h     uint64
	Reject15m    uint64
	Reject1h     uint64
	AcceptCount  uint32
	LastShareIP  uint32
	LastShareTime uint32
}

// WorkerShares is a thread-safe per-entity aggregator: one second-indexed
// sliding sum for accepts (3600s window) and one minute-indexed sliding
// sum for rejects (60min window), plus accept count and last-observed
// IP/timestamp.
type WorkerShares struct {
	mu sync.Mutex

	acceptSum *window.TimeBucketedSum[uint64]
	rejectSum *window.TimeBucketedSum[uint64]

	acceptCount   uint32
	lastShareIP   uint32
	lastShareTime uint32
}

// NewWorkerShares constructs an empty aggregator.
func NewWorkerShares() *WorkerShares {
	return &WorkerShares{
		acceptSum: window.New[uint64](acceptWindowSeconds),
		rejectSum: window.New[uint64](rejectWindowMinutes),
	}
}

// ProcessShare folds one share into the aggregator.
//
// A share older than the 1-hour accept window (now - ts > 3600) is
// dropped entirely — observed but not counted anywhere, matching the
// out-of-window rule in the data model. Otherwise accepts increment the
// accept count and land in the second-indexed sum; rejects land in the
// minute-indexed sum. last_share_ip and last_share_time are updated from
// every in-window share regardless of ordering — even one older than the
// share already recorded — reproducing the original's observed (and
// explicitly undecided) behavior rather than guarding against it.
func (w *WorkerShares) ProcessShare(now int64, s *Share) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if now-int64(s.Timestamp) > acceptWindowSeconds {
		return
	}

	switch s.Result {
	case Accept:
		w.acceptCount++
		w.acceptSum.Insert(int64(s.Timestamp), s.ShareDiff)
	case Reject:
		w.rejectSum.Insert(int64(s.Timestamp)/60, s.ShareDiff)
	}

	w.lastShareIP = s.IP
	w.lastShareTime = s.Timestamp
}

// Status computes the current snapshot relative to now.
func (w *WorkerShares) Status(now int64) WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	sums := w.acceptSum.Sums(now, 60, 300, 900, 3600)
	rejSums := w.rejectSum.Sums(now/60, 15, 60)

	return WorkerStatus{
		Accept1m:      sums[0],
		Accept5m:      sums[1],
		Accept15m:     sums[2],
		Accept1h:      sums[3],
		Reject15m:     rejSums[0],
		Reject1h:      rejSums[1],
		AcceptCount:   w.acceptCount,
		LastShareIP:   w.lastShareIP,
		LastShareTime: w.lastShareTime,
	}
}

// IsExpired reports whether this entry has had no share for over an hour.
func (w *WorkerShares) IsExpired(now int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int64(w.lastShareTime)+acceptWindowSeconds < now
}

// LastShareTime returns the most recently recorded share timestamp.
func (w *WorkerShares) LastShareTime() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastShareTime
}

// Now is a seam for tests; production code always passes time.Now().Unix().
func Now() int64 {
	return time.Now().Unix()
}

// MergeWorkerStatus sums AcceptCount/Accept*/Reject* across statuses and
// takes LastShareIP from whichever status carries the greatest
// LastShareTime, reproducing the original's getWorkerStatusBatch merge
// semantics used by the query endpoint's is_merge=T path.
func MergeWorkerStatus(statuses []WorkerStatus) WorkerStatus {
	var merged WorkerStatus
	var bestTime uint32
	for _, st := range statuses {
		merged.Accept1m += st.Accept1m
		merged.Accept5m += st.Accept5m
		merged.Accept15m += st.Accept15m
		merged.Accept1h += st.Accept1h
		merged.Reject15m += st.Reject15m
		merged.Reject1h += st.Reject1h
		merged.AcceptCount += st.AcceptCount
		if st.LastShareTime >= bestTime {
			bestTime = st.LastShareTime
			merged.LastShareIP = st.LastShareIP
			merged.LastShareTime = st.LastShareTime
		}
	}
	return merged
}
