package sharelog

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tos-network/pool-stats/internal/mysqlstore"
	"github.com/tos-network/pool-stats/internal/shares"
	"github.com/tos-network/pool-stats/internal/util"
)

// kMaxElementsPerRead bounds how many records ProcessGrowing reads in one
// call, matching the original's kMaxElementsNum_ (~2,000,000).
const kMaxElementsPerRead = 2_000_000

// Parser processes a single UTC day's .bin file incrementally, keeping
// one ShareStatsDay per (worker, user, pool) key.
type Parser struct {
	dataDir   string
	dateStart int64 // UTC midnight this parser covers

	mu           sync.Mutex
	f            *os.File
	lastPosition int64

	entriesMu sync.RWMutex
	entries   map[shares.WorkerKey]*ShareStatsDay
}

// NewParser constructs a parser for the UTC day containing ts, creating
// the day file if it does not already exist (matching init_parser's
// "creates empty file if absent").
func NewParser(dataDir string, ts int64) (*Parser, error) {
	dateStart := ts - (ts % secondsPerDay)
	path := FilePath(dataDir, dateStart)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("sharelog parser: open %s: %w", path, err)
	}

	p := &Parser{
		dataDir:   dataDir,
		dateStart: dateStart,
		f:         f,
		entries:   make(map[shares.WorkerKey]*ShareStatsDay),
	}
	p.entries[shares.PoolKey] = NewShareStatsDay()
	return p, nil
}

// Close releases the parser's file handle.
func (p *Parser) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f != nil {
		return p.f.Close()
	}
	return nil
}

// DateStart returns the UTC midnight this parser's file covers.
func (p *Parser) DateStart() int64 {
	return p.dateStart
}

// ProcessGrowing reads up to kMaxElementsPerRead new records from the
// current read position, updates the per-key ShareStatsDay aggregates,
// and advances the position. Returns the number of records processed (0
// means no new data).
func (p *Parser) ProcessGrowing() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.f.Seek(p.lastPosition, 0); err != nil {
		return 0, fmt.Errorf("sharelog parser: seek: %w", err)
	}

	buf := make([]byte, kMaxElementsPerRead*RecordSize)
	n, err := p.f.Read(buf)
	if n == 0 {
		if err != nil && err.Error() != "EOF" {
			return 0, fmt.Errorf("sharelog parser: read: %w", err)
		}
		return 0, nil
	}

	if n%RecordSize != 0 {
		panic(fmt.Sprintf("sharelog parser: read %d bytes, not a multiple of record size %d", n, RecordSize))
	}

	p.lastPosition += int64(n)

	recs, decodeErr := DecodeShares(buf[:n])
	if decodeErr != nil {
		return 0, fmt.Errorf("sharelog parser: decode: %w", decodeErr)
	}

	for _, s := range recs {
		p.processOne(s)
	}

	return len(recs), nil
}

func (p *Parser) processOne(s *shares.Share) {
	hourIdx := int((int64(s.Timestamp) - p.dateStart) / 3600)
	if hourIdx < 0 || hourIdx >= 24 {
		util.Warnf("sharelog parser: share timestamp %d out of day range [%d,%d), dropping", s.Timestamp, p.dateStart, p.dateStart+secondsPerDay)
		return
	}

	workerKey := shares.WorkerKey{UserID: s.UserID, WorkerID: s.WorkerHashID}
	userKey := shares.WorkerKey{UserID: s.UserID, WorkerID: 0}

	p.entryFor(workerKey).ProcessShare(hourIdx, s)
	p.entryFor(userKey).ProcessShare(hourIdx, s)
	p.entryFor(shares.PoolKey).ProcessShare(hourIdx, s)
}

// entryFor returns the ShareStatsDay for key, lazily creating it.
func (p *Parser) entryFor(key shares.WorkerKey) *ShareStatsDay {
	p.entriesMu.RLock()
	d, ok := p.entries[key]
	p.entriesMu.RUnlock()
	if ok {
		return d
	}

	p.entriesMu.Lock()
	defer p.entriesMu.Unlock()
	if d, ok := p.entries[key]; ok {
		return d
	}
	d = NewShareStatsDay()
	p.entries[key] = d
	return d
}

// Entry returns the ShareStatsDay for key if one has been created by a
// processed share, without creating it — used by the read-only query
// endpoint so a lookup for an unseen worker never allocates an entry.
func (p *Parser) Entry(key shares.WorkerKey) (*ShareStatsDay, bool) {
	p.entriesMu.RLock()
	defer p.entriesMu.RUnlock()
	d, ok := p.entries[key]
	return d, ok
}

// IsReachEOF reports whether the read position has caught up to the
// file's current size.
func (p *Parser) IsReachEOF() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	info, err := p.f.Stat()
	if err != nil {
		return false, err
	}
	return p.lastPosition >= info.Size(), nil
}

// snapshotEntry pairs a key with its ShareStatsDay reference, used to
// release the entries map's read lock before doing any I/O.
type snapshotEntry struct {
	key shares.WorkerKey
	day *ShareStatsDay
}

// FlushToDB snapshots every entry under the map's read lock, releases
// it, then generates and merges hour/day rows into the relational store.
// Each entry's own Snapshot() clears its modified-hours mask as part of
// generating its rows (see ShareStatsDay.Snapshot's atomicity note).
func (p *Parser) FlushToDB(store *mysqlstore.Store) error {
	p.entriesMu.RLock()
	snapshot := make([]snapshotEntry, 0, len(p.entries))
	for k, d := range p.entries {
		snapshot = append(snapshot, snapshotEntry{key: k, day: d})
	}
	p.entriesMu.RUnlock()

	var workerHourRows, workerDayRows []mysqlstore.HourDayRow
	var userHourRows, userDayRows []mysqlstore.HourDayRow
	var poolHourRows, poolDayRows []mysqlstore.HourDayRow

	for _, entry := range snapshot {
		if !entry.day.HasChanges() {
			continue
		}
		hours, day := entry.day.Snapshot()
		if len(hours) == 0 {
			continue
		}

		for hourIdx, h := range hours {
			hourLabel := fmt.Sprintf("%s%02d", time.Unix(p.dateStart, 0).UTC().Format("20060102"), hourIdx)
			row := mysqlstore.HourDayRow{
				WorkerID: entry.key.WorkerID, UserID: entry.key.UserID,
				HourOrDay: hourLabel, Accept: h.Accept, Reject: h.Reject,
				RejectRate: rejectRate(h), Score: h.Score, Earn: h.Score * shares.BlockReward,
			}
			switch {
			case entry.key == shares.PoolKey:
				poolHourRows = append(poolHourRows, row)
			case entry.key.IsUserAggregate():
				userHourRows = append(userHourRows, row)
			default:
				workerHourRows = append(workerHourRows, row)
			}
		}

		dayLabel := time.Unix(p.dateStart, 0).UTC().Format("20060102")
		dayRow := mysqlstore.HourDayRow{
			WorkerID: entry.key.WorkerID, UserID: entry.key.UserID,
			HourOrDay: dayLabel, Accept: day.Accept, Reject: day.Reject,
			RejectRate: rejectRate(day), Score: day.Score, Earn: day.Score * shares.BlockReward,
		}
		switch {
		case entry.key == shares.PoolKey:
			poolDayRows = append(poolDayRows, dayRow)
		case entry.key.IsUserAggregate():
			userDayRows = append(userDayRows, dayRow)
		default:
			workerDayRows = append(workerDayRows, dayRow)
		}
	}

	flushes := []struct {
		kind mysqlstore.StatsKind
		period string
		rows []mysqlstore.HourDayRow
	}{
		{mysqlstore.StatsWorkers, "hour", workerHourRows},
		{mysqlstore.StatsWorkers, "day", workerDayRows},
		{mysqlstore.StatsUsers, "hour", userHourRows},
		{mysqlstore.StatsUsers, "day", userDayRows},
		{mysqlstore.StatsPool, "hour", poolHourRows},
		{mysqlstore.StatsPool, "day", poolDayRows},
	}
	for _, f := range flushes {
		if err := store.FlushHourlyAndDaily(f.kind, f.period, f.rows); err != nil {
			return fmt.Errorf("sharelog parser: flush %s_%s: %w", f.kind, f.period, err)
		}
	}
	return nil
}

func rejectRate(h HourStats) float64 {
	total := h.Accept + h.Reject
	if total == 0 {
		return 0
	}
	return float64(h.Reject) / float64(total)
}
