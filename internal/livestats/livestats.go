// Package livestats implements the live-stats server: the ingest loop
// that folds the sharelog topic into per-worker and per-user sliding-
// window aggregates, the periodic relational/kv flushes, the common-
// events consumer, the expiry sweep, and the query methods the HTTP
// layer binds to routes. Grounded on the teacher's
// internal/master/master.go goroutine+ticker+context+WaitGroup loop
// shape and shareChan/ResultChan idiom, adapted from job-refresh/payout
// bodies to the ingest/flush/sweep bodies spec §4.3 describes.
package livestats

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tos-network/pool-stats/internal/kafka"
	"github.com/tos-network/pool-stats/internal/kvstore"
	"github.com/tos-network/pool-stats/internal/mysqlstore"
	"github.com/tos-network/pool-stats/internal/sharelog"
	"github.com/tos-network/pool-stats/internal/shares"
	"github.com/tos-network/pool-stats/internal/util"
)

// fetchTimeout bounds each poll of the sharelog/common_events consumers,
// within the 1-3s range the concurrency model calls for.
const fetchTimeout = 2 * time.Second

// initIdleSeconds is the "lastShareTime + 60 < now" threshold that, on a
// flush-interval tick, ends initialization when no share has been
// observed recently (spec §4.3.2).
const initIdleSeconds = 60

// Config bundles everything a Server needs to run. EventsConsumer, MySQL
// and KV may be nil: a nil consumer disables the common-events loop, a
// nil store disables that half of the periodic flush (useful for the
// "live" role without a configured kv or relational sink).
type Config struct {
	ShareConsumer    *kafka.Consumer
	EventsConsumer   *kafka.Consumer
	MySQL            *mysqlstore.Store
	KV               *kvstore.Store
	RedisConcurrency int
	FlushInterval    time.Duration
	SweepInterval    time.Duration
}

// Server owns the live worker/user indices and the threads described in
// spec §4.3: ingest, common-events, relational flush, kv flush pool,
// expiry sweep, plus the query methods §4.3.8 exposes over HTTP.
type Server struct {
	shareConsumer    *kafka.Consumer
	eventsConsumer   *kafka.Consumer
	mysql            *mysqlstore.Store
	kv               *kvstore.Store
	redisConcurrency int
	flushInterval    time.Duration
	sweepInterval    time.Duration

	mu              sync.RWMutex
	workerIndex     map[shares.WorkerKey]*shares.WorkerShares
	userIndex       map[int32]*shares.WorkerShares
	userWorkerCount map[int32]uint32
	totalWorkers    uint32
	totalUsers      uint32
	poolShares      *shares.WorkerShares

	initializing    atomic.Bool
	isInserting     atomic.Bool
	isUpdatingRedis atomic.Bool
	lastShareTime   atomic.Int64
	lastFlushDBTime atomic.Int64

	startedAt     time.Time
	requestCount  atomic.Uint64
	responseBytes atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer constructs a Server. Start must be called to begin its
// goroutines.
func NewServer(cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		shareConsumer:    cfg.ShareConsumer,
		eventsConsumer:   cfg.EventsConsumer,
		mysql:            cfg.MySQL,
		kv:               cfg.KV,
		redisConcurrency: cfg.RedisConcurrency,
		flushInterval:    cfg.FlushInterval,
		sweepInterval:    cfg.SweepInterval,
		workerIndex:      make(map[shares.WorkerKey]*shares.WorkerShares),
		userIndex:        make(map[int32]*shares.WorkerShares),
		userWorkerCount:  make(map[int32]uint32),
		poolShares:       shares.NewWorkerShares(),
		startedAt:        time.Now(),
		ctx:              ctx,
		cancel:           cancel,
	}
	if s.redisConcurrency < 1 {
		s.redisConcurrency = 1
	}
	s.initializing.Store(true)
	return s
}

// Start launches the ingest, common-events, flush, and sweep goroutines.
func (s *Server) Start() {
	s.wg.Add(1)
	go s.ingestLoop()

	if s.eventsConsumer != nil {
		s.wg.Add(1)
		go s.eventsLoop()
	}

	s.wg.Add(1)
	go s.flushLoop()

	s.wg.Add(1)
	go s.sweepLoop()
}

// Stop signals every goroutine to exit and waits for them to finish.
func (s *Server) Stop() {
	s.cancel()
	s.wg.Wait()
	if s.shareConsumer != nil {
		s.shareConsumer.Close()
	}
	if s.eventsConsumer != nil {
		s.eventsConsumer.Close()
	}
}

// Initializing reports whether the server is still in the startup
// catch-up window, during which flushes and query endpoints must not
// report live state (spec §4.3.2).
func (s *Server) Initializing() bool {
	return s.initializing.Load()
}

// ---- ingest ----

func (s *Server) ingestLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		msg, err := s.shareConsumer.Fetch(s.ctx, fetchTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			var fatal *kafka.ErrFatal
			if errors.As(err, &fatal) {
				util.Fatalf("livestats: fatal sharelog consumer error: %v", err)
			}
			util.Warnf("livestats: sharelog fetch: %v", err)
			continue
		}

		if msg == nil {
			// Empty poll: the first one while initializing ends
			// initialization outright (spec §4.3.2).
			if s.initializing.CompareAndSwap(true, false) {
				util.Info("livestats: initialization complete (no new sharelog messages)")
			}
			continue
		}

		rec, err := sharelog.DecodeShare(msg.Value)
		if err != nil {
			util.Warnf("livestats: invalid share payload (%d bytes): %v", len(msg.Value), err)
			continue
		}
		if !rec.Valid() {
			util.Warnf("livestats: dropping invalid share: %+v", rec)
			continue
		}

		s.processShare(shares.Now(), rec)
		s.lastShareTime.Store(int64(rec.Timestamp))
	}
}

// processShare updates the pool aggregate, the worker entry, and the
// user entry for one share, creating entries lazily under the map's
// write lock on first sight (spec §4.3.1).
func (s *Server) processShare(now int64, rec *shares.Share) {
	s.poolShares.ProcessShare(now, rec)

	workerKey := shares.WorkerKey{UserID: rec.UserID, WorkerID: rec.WorkerHashID}
	s.workerFor(workerKey).ProcessShare(now, rec)
	s.userFor(rec.UserID).ProcessShare(now, rec)
}

func (s *Server) workerFor(key shares.WorkerKey) *shares.WorkerShares {
	s.mu.RLock()
	w, ok := s.workerIndex[key]
	s.mu.RUnlock()
	if ok {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workerIndex[key]; ok {
		return w
	}
	w = shares.NewWorkerShares()
	s.workerIndex[key] = w
	s.userWorkerCount[key.UserID]++
	s.totalWorkers++
	return w
}

func (s *Server) userFor(userID int32) *shares.WorkerShares {
	s.mu.RLock()
	u, ok := s.userIndex[userID]
	s.mu.RUnlock()
	if ok {
		return u
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.userIndex[userID]; ok {
		return u
	}
	u = shares.NewWorkerShares()
	s.userIndex[userID] = u
	s.totalUsers++
	return u
}

// ---- common events ----

type workerUpdateEvent struct {
	Type    string `json:"type"`
	Content struct {
		UserID     int32  `json:"user_id"`
		WorkerID   int64  `json:"worker_id"`
		WorkerName string `json:"worker_name"`
		MinerAgent string `json:"miner_agent"`
	} `json:"content"`
}

func (s *Server) eventsLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		msg, err := s.eventsConsumer.Fetch(s.ctx, fetchTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			var fatal *kafka.ErrFatal
			if errors.As(err, &fatal) {
				util.Fatalf("livestats: fatal common-events consumer error: %v", err)
			}
			util.Warnf("livestats: common-events fetch: %v", err)
			continue
		}
		if msg == nil {
			continue
		}

		var ev workerUpdateEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			util.Warnf("livestats: invalid common-events JSON: %v", err)
			continue
		}
		// Other event types are accepted and ignored (spec §6).
		if ev.Type != "worker_update" {
			continue
		}

		s.handleWorkerUpdate(ev.Content.UserID, ev.Content.WorkerID, ev.Content.WorkerName, ev.Content.MinerAgent)
	}
}

func (s *Server) handleWorkerUpdate(userID int32, workerID int64, workerName, minerAgent string) {
	workerName = util.FilterWorkerName(workerName)
	minerAgent = util.FilterWorkerName(minerAgent)
	now := time.Now()

	if s.mysql != nil {
		if err := s.mysql.UpsertWorkerName(workerID, userID, workerName, minerAgent, now); err != nil {
			util.Warnf("livestats: relational worker_update upsert failed: %v", err)
		}
	}
	if s.kv != nil {
		update := kvstore.WorkerUpdate{UserID: userID, WorkerID: workerID, WorkerName: workerName, MinerAgent: minerAgent}
		if err := s.kv.UpsertWorkerUpdate(s.ctx, update, now.Unix()); err != nil {
			util.Warnf("livestats: kv worker_update upsert failed: %v", err)
		}
	}
}

// ---- periodic flush ----

func (s *Server) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.initializing.Load() {
				if s.lastShareTime.Load()+initIdleSeconds < time.Now().Unix() {
					if s.initializing.CompareAndSwap(true, false) {
						util.Info("livestats: initialization complete (idle past flush tick)")
					}
				}
				continue
			}
			s.flushRelational()
			s.flushKV()
		}
	}
}

// flushRelational performs the §4.3.3 temp-table merge upsert. Guarded
// by isInserting so an overrunning flush causes the next tick to be
// skipped rather than queued.
func (s *Server) flushRelational() {
	if s.mysql == nil {
		return
	}
	if !s.isInserting.CompareAndSwap(false, true) {
		util.Warn("livestats: relational flush still running, skipping this tick")
		return
	}
	defer s.isInserting.Store(false)

	now := time.Now().Unix()
	rows := s.snapshotWorkerStatusRows(now)
	if err := s.mysql.FlushWorkerStatus(rows); err != nil {
		util.Errorf("livestats: relational flush failed: %v", err)
		return
	}
	s.lastFlushDBTime.Store(now)
}

func (s *Server) snapshotWorkerStatusRows(now int64) []mysqlstore.WorkerStatusRow {
	type ent struct {
		key shares.WorkerKey
		w   *shares.WorkerShares
	}

	s.mu.RLock()
	entries := make([]ent, 0, len(s.workerIndex)+len(s.userIndex))
	for k, w := range s.workerIndex {
		entries = append(entries, ent{key: k, w: w})
	}
	for userID, w := range s.userIndex {
		entries = append(entries, ent{key: shares.WorkerKey{UserID: userID, WorkerID: 0}, w: w})
	}
	s.mu.RUnlock()

	rows := make([]mysqlstore.WorkerStatusRow, 0, len(entries))
	for _, e := range entries {
		st := e.w.Status(now)
		rows = append(rows, mysqlstore.WorkerStatusRow{
			WorkerID: e.key.WorkerID, UserID: e.key.UserID,
			Accept1m: st.Accept1m, Accept5m: st.Accept5m, Accept15m: st.Accept15m,
			Reject15m: st.Reject15m, Accept1h: st.Accept1h, Reject1h: st.Reject1h,
			AcceptCount: st.AcceptCount, LastShareIP: st.LastShareIP, LastShareTime: st.LastShareTime,
			Now: now,
		})
	}
	return rows
}

// flushKV performs the §4.3.4 kv flush: partition the worker/user sets
// across redisConcurrency goroutines by deterministic index range and
// pipeline each partition independently.
func (s *Server) flushKV() {
	if s.kv == nil {
		return
	}
	if !s.isUpdatingRedis.CompareAndSwap(false, true) {
		util.Warn("livestats: kv flush still running, skipping this tick")
		return
	}
	defer s.isUpdatingRedis.Store(false)

	now := time.Now().Unix()
	entries := s.snapshotKVEntries(now)
	if len(entries) == 0 {
		return
	}

	ranges := kvstore.Partition(len(entries), s.redisConcurrency)
	var wg sync.WaitGroup
	for _, r := range ranges {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.kv.FlushPartition(s.ctx, entries[r[0]:r[1]], now); err != nil {
				util.Errorf("livestats: kv flush partition [%d,%d): %v", r[0], r[1], err)
			}
		}()
	}
	wg.Wait()
}

func (s *Server) snapshotKVEntries(now int64) []kvstore.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]kvstore.Entry, 0, len(s.workerIndex)+len(s.userIndex))
	for k, w := range s.workerIndex {
		entries = append(entries, kvstore.Entry{UserID: k.UserID, WorkerID: k.WorkerID, Status: w.Status(now)})
	}
	for userID, w := range s.userIndex {
		entries = append(entries, kvstore.Entry{
			UserID: userID, WorkerID: 0, Status: w.Status(now), WorkerCount: s.userWorkerCount[userID],
		})
	}
	return entries
}

// ---- expiry sweep ----

func (s *Server) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.initializing.Load() {
				continue
			}
			s.sweepExpired()
		}
	}
}

// sweepExpired removes every expired worker and user entry under the
// index write lock, keeping userWorkerCount and the total counters in
// lockstep (spec §4.3.7, invariant §8.3).
func (s *Server) sweepExpired() {
	now := time.Now().Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, w := range s.workerIndex {
		if !w.IsExpired(now) {
			continue
		}
		delete(s.workerIndex, key)
		s.totalWorkers--
		if c := s.userWorkerCount[key.UserID]; c > 1 {
			s.userWorkerCount[key.UserID] = c - 1
		} else {
			delete(s.userWorkerCount, key.UserID)
		}
	}

	for userID, w := range s.userIndex {
		if !w.IsExpired(now) {
			continue
		}
		delete(s.userIndex, userID)
		s.totalUsers--
	}
}

// ---- query methods (spec §4.3.8) ----

// WorkerStatusEntry pairs a requested worker id with its status
// snapshot; WorkerID is 0 for a merged result or for "the user
// aggregate" (a request for worker_id=0).
type WorkerStatusEntry struct {
	WorkerID int64
	Status   shares.WorkerStatus
}

// WorkerStatus answers GET/POST /worker_status. workerID == 0 in the
// request means "the user aggregate". When isMerge is true the results
// are summed into a single entry per MergeWorkerStatus's semantics.
func (s *Server) WorkerStatus(userID int32, workerIDs []int64, isMerge bool) []WorkerStatusEntry {
	now := shares.Now()
	entries := make([]WorkerStatusEntry, 0, len(workerIDs))

	for _, wid := range workerIDs {
		var w *shares.WorkerShares
		s.mu.RLock()
		if wid == 0 {
			w = s.userIndex[userID]
		} else {
			w = s.workerIndex[shares.WorkerKey{UserID: userID, WorkerID: wid}]
		}
		s.mu.RUnlock()

		var st shares.WorkerStatus
		if w != nil {
			st = w.Status(now)
		}
		entries = append(entries, WorkerStatusEntry{WorkerID: wid, Status: st})
	}

	if isMerge {
		statuses := make([]shares.WorkerStatus, len(entries))
		for i, e := range entries {
			statuses[i] = e.Status
		}
		return []WorkerStatusEntry{{WorkerID: 0, Status: shares.MergeWorkerStatus(statuses)}}
	}
	return entries
}

// Status is the GET / server-status snapshot.
type Status struct {
	Uptime        time.Duration
	RequestCount  uint64
	ResponseBytes uint64
	Pool          shares.WorkerStatus
	TotalWorkers  uint32
	TotalUsers    uint32
}

// Status answers GET /.
func (s *Server) Status() Status {
	s.mu.RLock()
	tw, tu := s.totalWorkers, s.totalUsers
	s.mu.RUnlock()

	return Status{
		Uptime:        time.Since(s.startedAt),
		RequestCount:  s.requestCount.Load(),
		ResponseBytes: s.responseBytes.Load(),
		Pool:          s.poolShares.Status(shares.Now()),
		TotalWorkers:  tw,
		TotalUsers:    tu,
	}
}

// FlushDBTime answers GET /flush_db_time: the unix timestamp of the
// last successful relational flush (0 if none has succeeded yet).
func (s *Server) FlushDBTime() int64 {
	return s.lastFlushDBTime.Load()
}

// RecordRequest accounts one served HTTP request and its response size
// toward the GET / server-status counters.
func (s *Server) RecordRequest(responseBytes int) {
	s.requestCount.Add(1)
	if responseBytes > 0 {
		s.responseBytes.Add(uint64(responseBytes))
	}
}
