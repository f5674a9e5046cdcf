// Package parserserver orchestrates sharelog.Parser across day
// boundaries: it keeps one parser positioned at the growing tail of the
// current day's .bin file, periodically drains new records into it,
// flushes accumulated stats into the relational store, and switches to
// the next day's parser once the triple gate in spec §4.6 is satisfied.
// It also answers the /share_stats query. Grounded on the teacher's
// internal/master/master.go ticker+context+WaitGroup loop shape.
package parserserver

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/tos-network/pool-stats/internal/mysqlstore"
	"github.com/tos-network/pool-stats/internal/sharelog"
	"github.com/tos-network/pool-stats/internal/shares"
	"github.com/tos-network/pool-stats/internal/util"
)

// rolloverGraceSeconds is how far past UTC midnight the clock must be
// before a rollover is attempted, avoiding a race with a writer still
// finishing the previous day's last records right at midnight.
const rolloverGraceSeconds = 5

// secondsPerDay mirrors the unexported constant of the same name in
// internal/sharelog; duplicated here since that package keeps it
// private.
const secondsPerDay = 86400

// Config bundles a Server's dependencies.
type Config struct {
	DataDir       string
	MySQL         *mysqlstore.Store
	FlushInterval time.Duration
	ExpirySweep   time.Duration // how often RemoveExpired runs; spec calls for at most hourly
	StartTime     int64         // UTC day to open first; zero means time.Now()
}

// Server owns the current day's Parser and the goroutine that advances
// it (spec §4.6).
type Server struct {
	dataDir       string
	mysql         *mysqlstore.Store
	flushInterval time.Duration
	expirySweep   time.Duration

	mu     sync.RWMutex
	parser *sharelog.Parser

	// lastExpirySweep is only touched from the single orchestration
	// goroutine (tick), so it needs no synchronization of its own.
	lastExpirySweep int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer constructs a Server and opens the parser for the UTC day
// containing cfg.StartTime, or time.Now() when StartTime is zero.
func NewServer(cfg Config) (*Server, error) {
	startTime := cfg.StartTime
	if startTime == 0 {
		startTime = time.Now().Unix()
	}
	parser, err := sharelog.NewParser(cfg.DataDir, startTime)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		dataDir:       cfg.DataDir,
		mysql:         cfg.MySQL,
		flushInterval: cfg.FlushInterval,
		expirySweep:   cfg.ExpirySweep,
		parser:        parser,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Start launches the orchestration loop.
func (s *Server) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop signals the loop to exit, waits for it, and closes the current
// parser.
func (s *Server) Stop() {
	s.cancel()
	s.wg.Wait()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.parser != nil {
		s.parser.Close()
	}
}

func (s *Server) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick drains growth from the current parser, flushes it, runs the
// expiry sweep at most hourly, and attempts a day rollover.
func (s *Server) tick() {
	p := s.currentParser()

	for {
		n, err := p.ProcessGrowing()
		if err != nil {
			util.Errorf("parserserver: process growing: %v", err)
			break
		}
		if n == 0 {
			break
		}
	}

	if s.mysql != nil {
		if err := p.FlushToDB(s.mysql); err != nil {
			util.Errorf("parserserver: flush to db: %v", err)
		}
		s.maybeSweepExpired()
	}

	s.maybeRollover(p)
}

func (s *Server) maybeSweepExpired() {
	now := time.Now()
	if s.lastExpirySweep != 0 && now.Unix()-s.lastExpirySweep < int64(s.expirySweep.Seconds()) {
		return
	}
	s.lastExpirySweep = now.Unix()
	if err := s.mysql.RemoveExpired(now); err != nil {
		util.Errorf("parserserver: remove expired: %v", err)
	}
}

// maybeRollover implements the §4.6 triple gate: only switch to the
// next day's parser once the clock is rolloverGraceSeconds past UTC
// midnight of the day after p's, p has caught up to EOF, and the next
// day's .bin file already exists (created by the writer once it starts
// appending to it).
func (s *Server) maybeRollover(p *sharelog.Parser) {
	nextDayStart := p.DateStart() + secondsPerDay
	now := time.Now().Unix()
	if now < nextDayStart+rolloverGraceSeconds {
		return
	}

	eof, err := p.IsReachEOF()
	if err != nil {
		util.Errorf("parserserver: checking EOF before rollover: %v", err)
		return
	}
	if !eof {
		return
	}

	nextPath := sharelog.FilePath(s.dataDir, nextDayStart)
	if !fileExists(nextPath) {
		return
	}

	next, err := sharelog.NewParser(s.dataDir, nextDayStart)
	if err != nil {
		util.Errorf("parserserver: opening next day's parser: %v", err)
		return
	}

	s.mu.Lock()
	old := s.parser
	s.parser = next
	s.mu.Unlock()

	util.Infof("parserserver: rolled over from day %d to %d", old.DateStart(), next.DateStart())
	old.Close()
}

func (s *Server) currentParser() *sharelog.Parser {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.parser
}

// ---- query methods (spec §4.3.8 / §4.6) ----

// HourStat is one hour (or the day total, hour == 24) of a /share_stats
// response.
type HourStat struct {
	Hour       int
	Accept     uint64
	Reject     uint64
	RejectRate float64
	Score      float64
	Earn       float64
}

// ShareStats answers GET /share_stats for one (userID, workerID) key,
// restricted to the requested hour set. Hour 24 carries the day total;
// hours -23..0 carry the relative-to-now hours of the current UTC day
// (negative offsets from the current UTC hour). Any other hour value is
// silently skipped, matching the original's getShareStats, which only
// recognizes 24 and the -23..0 window.
func (s *Server) ShareStats(userID int32, workerID int64, hours []int) ([]HourStat, bool) {
	p := s.currentParser()

	key := shares.WorkerKey{UserID: userID, WorkerID: workerID}
	day, ok := p.Entry(key)
	if !ok {
		return nil, false
	}

	nowHour := time.Now().UTC().Hour()
	stats := make([]HourStat, 0, len(hours))

	for _, hour := range hours {
		switch {
		case hour == 24:
			dayTotal := day.GetShareStatsDay()
			stats = append(stats, HourStat{
				Hour: 24, Accept: dayTotal.Accept, Reject: dayTotal.Reject,
				RejectRate: rejectRateOf(dayTotal), Score: dayTotal.Score, Earn: dayTotal.Score * shares.BlockReward,
			})
		case hour >= -23 && hour <= 0:
			hourIdx := nowHour + hour
			if hourIdx < 0 || hourIdx > 23 {
				continue
			}
			h := day.GetShareStatsHour(hourIdx)
			stats = append(stats, HourStat{
				Hour: hour, Accept: h.Accept, Reject: h.Reject,
				RejectRate: rejectRateOf(h), Score: h.Score, Earn: h.Score * shares.BlockReward,
			})
		}
	}

	return stats, true
}

func rejectRateOf(h sharelog.HourStats) float64 {
	total := h.Accept + h.Reject
	if total == 0 {
		return 0
	}
	return float64(h.Reject) / float64(total)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
