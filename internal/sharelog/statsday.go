package sharelog

import (
	"math/bits"
	"sync"

	"github.com/tos-network/pool-stats/internal/shares"
)

// HourStats is one hour's (or one day's) accept/reject/score tally.
type HourStats struct {
	Accept uint64
	Reject uint64
	Score  float64
}

func (h *HourStats) add(s *shares.Share) {
	switch s.Result {
	case shares.Accept:
		h.Accept += s.ShareDiff
	case shares.Reject:
		h.Reject += s.ShareDiff
	}
	h.Score += s.Score()
}

// ShareStatsDay is a 24-hour fixed array of per-hour tallies plus a
// running day total and a 24-bit "modified hours" mask. Bit i is set
// when hour i has changed since the last successful flush; the mask is
// cleared by Snapshot once the flush has generated its rows for
// this key (see internal/sharelog's Parser.FlushToDB and DESIGN.md's
// Open Question decision on clear timing).
//
// The day total is accumulated independently from the per-hour array on
// every write, exactly mirroring the hours; it is never derived by
// summing the array. shareAccept1d == Σ shareAccept1h[i] is therefore a
// property of correct accumulation, not a structural invariant — see
// the property test in statsday_test.go.
type ShareStatsDay struct {
	mu           sync.RWMutex
	hours        [24]HourStats
	day          HourStats
	modifiedMask uint32
}

// NewShareStatsDay constructs an empty day aggregate.
func NewShareStatsDay() *ShareStatsDay {
	return &ShareStatsDay{}
}

// ProcessShare folds one share into hour hourIdx (expected in [0,24))
// and into the day total, then sets the corresponding mask bit.
func (d *ShareStatsDay) ProcessShare(hourIdx int, s *shares.Share) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.hours[hourIdx].add(s)
	d.day.add(s)
	d.modifiedMask |= 1 << uint(hourIdx)
}

// GetShareStatsHour returns a copy of hour i's tally.
func (d *ShareStatsDay) GetShareStatsHour(i int) HourStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.hours[i]
}

// GetShareStatsDay returns a copy of the day total.
func (d *ShareStatsDay) GetShareStatsDay() HourStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.day
}

// ModifiedHours reports which hour indices currently have a set mask
// bit, i.e. which hours changed since the last flush.
func (d *ShareStatsDay) ModifiedHours() []int {
	d.mu.RLock()
	mask := d.modifiedMask
	d.mu.RUnlock()

	out := make([]int, 0, bits.OnesCount32(mask))
	for i := 0; i < 24; i++ {
		if mask&(1<<uint(i)) != 0 {
			out = append(out, i)
		}
	}
	return out
}

// HasChanges reports whether any hour has been modified since the last
// flush.
func (d *ShareStatsDay) HasChanges() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.modifiedMask != 0
}

// Snapshot captures the per-hour rows for every currently-set mask bit
// plus the day row, then clears the mask. The generate-then-clear
// sequence happens under the same lock acquisition, so it is atomic with
// respect to concurrent ProcessShare calls: a share that arrives mid-
// snapshot either lands entirely before the clear (and is included) or
// entirely after (and sets the bit fresh for the next flush) — it can
// never be silently dropped.
func (d *ShareStatsDay) Snapshot() (hours map[int]HourStats, day HourStats) {
	d.mu.Lock()
	defer d.mu.Unlock()

	hours = make(map[int]HourStats, bits.OnesCount32(d.modifiedMask))
	for i := 0; i < 24; i++ {
		if d.modifiedMask&(1<<uint(i)) != 0 {
			hours[i] = d.hours[i]
		}
	}
	day = d.day
	d.modifiedMask = 0
	return hours, day
}
